package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dosewatch/dosewatch"
)

// StatusMessage is the payload the bridge publishes on the device status
// topic when the backend stores a verification result.
type StatusMessage struct {
	State     string          `json:"state"`
	Container int             `json:"container"`
	Pass      bool            `json:"pass"`
	Changes   json.RawMessage `json:"changes,omitempty"`
}

// Hub is the appliance-side orchestration context: it owns the alarm queue,
// the arbiter and the coordinator, and is the single place where the
// dispenser line stream, the status topic and verification polls meet. It is
// constructed once and passed around by reference; there is no hidden global
// state.
type Hub struct {
	log        *logrus.Logger
	sender     LineSender
	queue      *AlarmQueue
	arbiter    *Arbiter
	coord      *Coordinator
	expected   map[int]dosewatch.Expected
	pollBudget time.Duration

	mu         sync.Mutex
	pillAlerts map[int]bool

	presentMu sync.Mutex
}

func NewHub(sender LineSender, queue *AlarmQueue, arbiter *Arbiter, coord *Coordinator,
	expected map[int]dosewatch.Expected, poll_budget time.Duration, logger *logrus.Logger) *Hub {

	if poll_budget <= 0 {
		poll_budget = DefaultPollBudget
	}

	return &Hub{
		log:        logger,
		sender:     sender,
		queue:      queue,
		arbiter:    arbiter,
		coord:      coord,
		expected:   expected,
		pollBudget: poll_budget,
		pillAlerts: make(map[int]bool),
	}
}

func (h *Hub) Arbiter() *Arbiter {
	return h.arbiter
}

func (h *Hub) Queue() *AlarmQueue {
	return h.queue
}

// HandleLine is the transport receive callback. It classifies the line and
// dispatches; verification work is detached so the receive loop never stalls.
func (h *Hub) HandleLine(line string) {
	event, ok := ParseLine(line)
	if !ok {
		h.log.WithField("line", line).Trace("Dropping unrecognized line")
		return
	}

	h.log.WithField("event", event.Kind.String()).
		WithField("container", event.Container).
		Debug("Dispenser event")

	switch event.Kind {
	case EventAlarmTriggered:
		h.handleAlarmTriggered(event)
	case EventAlarmStopped:
		h.handleAlarmStopped(event)
	case EventPillAlert:
		h.handlePillAlert(event)
	}
}

func (h *Hub) handleAlarmTriggered(event Event) {
	if !h.queue.Enqueue(event.Container, event.Time) {
		return
	}

	h.presentNext()
}

func (h *Hub) handleAlarmStopped(event Event) {
	h.mu.Lock()
	delete(h.pillAlerts, event.Container)
	h.mu.Unlock()

	active := h.arbiter.Active()
	if active.Kind == PresentationAlarm && active.Container == event.Container {
		h.arbiter.Close(PresentationAlarm)
		h.presentNext()
	}
}

// handlePillAlert surfaces the hardware mismatch signal. With no verification
// data to back it, the alert is the generic "please check the container" one.
func (h *Hub) handlePillAlert(event Event) {
	if !h.queue.ValidContainer(event.Container) {
		h.log.WithField("container", event.Container).Warning("Dropping pill alert for unknown container")
		return
	}

	h.mu.Lock()
	h.pillAlerts[event.Container] = true
	h.mu.Unlock()

	h.arbiter.RequestMismatch(Mismatch{
		Container: event.Container,
		Expected:  h.expected[event.Container],
		Generic:   true,
	})
}

// presentNext pulls the oldest queued alarm onto the screen when no alarm is
// active, and kicks off its verification cycle in the background. The serial
// receive path and the dismiss topic call this from different goroutines;
// presentMu keeps check-dequeue-present atomic, since a dequeued alarm sits
// inside the dedup window and cannot be re-enqueued if its presentation is
// lost.
func (h *Hub) presentNext() {
	h.presentMu.Lock()
	defer h.presentMu.Unlock()

	if h.arbiter.Active().Kind == PresentationAlarm {
		return
	}

	item, ok := h.queue.DequeueNext()
	if !ok {
		return
	}

	h.arbiter.RequestAlarm(item.Container, item.Time)

	go h.verify(item.Container)
}

// verify runs one capture/verification cycle for a container. It is always
// detached from the receive path and its outcome must never block alarm
// dismissal; an unconfirmable mismatch degrades to the generic alert when the
// hardware flagged the container.
func (h *Hub) verify(container int) {
	expected, configured := h.expected[container]
	if !configured {
		h.log.WithField("container", container).Debug("No expected configuration, skipping verification")
		return
	}

	if err := h.coord.TriggerCapture(container, expected); err != nil {
		if err == ErrCaptureInFlight {
			h.log.WithField("container", container).Info("Capture already in flight")
		}
		return
	}

	outcome := h.coord.AwaitVerification(container, h.pollBudget)

	h.mu.Lock()
	flagged := h.pillAlerts[container]
	delete(h.pillAlerts, container)
	h.mu.Unlock()

	switch {
	case outcome.Verified && outcome.Result.Pass:
		h.log.WithField("container", container).Debug("Verification passed")

	case outcome.Verified:
		h.arbiter.RequestMismatch(Mismatch{
			Container: container,
			Expected:  expected,
			Detected:  outcome.Result.Detected,
			Foreign:   hasForeignPills(expected, outcome.Result.Detected),
		})

	case flagged:
		// Hardware raised a pill alert but the recognizer never
		// confirmed anything; surface the generic alert instead of
		// blocking.
		h.arbiter.RequestMismatch(Mismatch{
			Container: container,
			Expected:  expected,
			Generic:   true,
		})

	default:
		h.log.WithField("container", container).Info("Verification unresolved")
	}
}

// HandleStatus is the status-topic callback; it races the serial path and is
// exactly why the arbiter defers mismatches behind an active alarm.
func (h *Hub) HandleStatus(payload []byte) {
	var status StatusMessage
	if err := json.Unmarshal(payload, &status); err != nil {
		h.log.WithField("error", err).Debug("Dropping malformed status message")
		return
	}

	if status.State != "verified" || status.Pass {
		return
	}

	if !h.queue.ValidContainer(status.Container) {
		h.log.WithField("container", status.Container).Warning("Dropping status for unknown container")
		return
	}

	h.arbiter.RequestMismatch(Mismatch{
		Container: status.Container,
		Expected:  h.expected[status.Container],
	})
}

// HandleCommand is the command-topic callback. Capture commands are consumed
// by the camera agent on the same topic; the hub only acts on the ones meant
// for the dispenser link.
func (h *Hub) HandleCommand(payload []byte) {
	var command CaptureCommand
	if err := json.Unmarshal(payload, &command); err != nil {
		h.log.WithField("error", err).Debug("Dropping malformed command message")
		return
	}

	if command.Action != "alarmtest" {
		return
	}

	if !h.queue.ValidContainer(command.Container) {
		h.log.WithField("container", command.Container).Warning("Dropping alarm test for unknown container")
		return
	}

	h.log.WithField("container", command.Container).Info("Running alarm test")

	if err := h.sender.Send(fmt.Sprintf("ALARMTEST%d", command.Container)); err != nil {
		h.log.WithField("error", err).Warning("Error sending alarm test")
	}
}

// Dismiss is the caregiver dismiss action for whatever is on screen.
// Dismissing an alarm always succeeds, even mid-verification; the cycle
// finishes in the background and still lands in notification state.
func (h *Hub) Dismiss() {
	active := h.arbiter.Active()

	switch active.Kind {
	case PresentationAlarm:
		if err := h.sender.Send("ALARMSTOP"); err != nil {
			h.log.WithField("error", err).Warning("Error sending alarm stop")
		}
		h.arbiter.Close(PresentationAlarm)
		h.presentNext()

	case PresentationMismatch:
		if active.Mismatch != nil && active.Mismatch.Generic {
			// Generic mismatches originate from the hardware pill
			// alert; the dispenser keeps its locate indicator
			// blinking until told to stop.
			if err := h.sender.Send("STOPLOCATE"); err != nil {
				h.log.WithField("error", err).Warning("Error sending stop locate")
			}
		}
		h.arbiter.Close(PresentationMismatch)
		h.presentNext()
	}
}

func hasForeignPills(expected dosewatch.Expected, detected dosewatch.LabelCounts) bool {
	for label := range detected {
		if label != expected.Label {
			return true
		}
	}

	return false
}
