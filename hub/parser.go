package hub

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type EventKind int

const (
	EventAlarmTriggered EventKind = iota + 1
	EventAlarmStopped
	EventPillAlert
)

func (k EventKind) String() string {
	switch k {
	case EventAlarmTriggered:
		return "alarm_triggered"
	case EventAlarmStopped:
		return "alarm_stopped"
	case EventPillAlert:
		return "pill_alert"
	}
	return "unknown"
}

// Event is one classified hardware line from the dispenser.
type Event struct {
	Kind      EventKind
	Container int
	Time      string
	Raw       string
}

var (
	containerPattern = regexp.MustCompile(`\bC(\d+)\b`)
	timePattern      = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
)

// ParseLine classifies a raw dispenser line into a typed event. Matching is a
// case-insensitive substring check against the three wire markers, followed by
// fixed-format field extraction. Unrecognized or incomplete lines are dropped;
// container range checks belong to the consumers, not the parser.
func ParseLine(line string) (Event, bool) {
	upper := strings.ToUpper(strings.TrimSpace(line))
	if upper == "" {
		return Event{}, false
	}

	var kind EventKind
	switch {
	case strings.Contains(upper, "ALARM_TRIGGERED"):
		kind = EventAlarmTriggered
	case strings.Contains(upper, "ALARM_STOPPED"):
		kind = EventAlarmStopped
	case strings.Contains(upper, "PILLALERT"):
		kind = EventPillAlert
	default:
		return Event{}, false
	}

	container_match := containerPattern.FindStringSubmatch(upper)
	if container_match == nil {
		return Event{}, false
	}

	container, err := strconv.Atoi(container_match[1])
	if err != nil {
		return Event{}, false
	}

	event := Event{
		Kind:      kind,
		Container: container,
		Raw:       line,
	}

	if kind == EventAlarmTriggered {
		// The optional yyyy-mm-dd date token carries no colon and is
		// skipped by the time pattern.
		time_match := timePattern.FindStringSubmatch(upper)
		if time_match == nil {
			return Event{}, false
		}

		hour, _ := strconv.Atoi(time_match[1])
		minute, _ := strconv.Atoi(time_match[2])
		if hour > 23 || minute > 59 {
			return Event{}, false
		}

		event.Time = fmt.Sprintf("%02d:%s", hour, time_match[2])
	}

	return event, true
}
