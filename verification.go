package dosewatch

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	DefaultContainerCount = 7

	// How many notifications are retained per container before the oldest
	// are evicted.
	NotificationCap = 50
)

// Expected is the configured contents of one container: how many pills of
// which label a capture should show.
type Expected struct {
	Count int    `json:"count"`
	Label string `json:"label"`
}

func (e *Expected) Scan(src interface{}) error {
	data, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("Cannot scan %T into Expected", src)
	}
	return json.Unmarshal(data, e)
}

func (e Expected) Value() (driver.Value, error) {
	return json.Marshal(e)
}

// LabelCounts maps a recognized pill label to how many of it were detected.
type LabelCounts map[string]int

func (lc *LabelCounts) Scan(src interface{}) error {
	data, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("Cannot scan %T into LabelCounts", src)
	}
	if len(data) == 0 {
		*lc = nil
		return nil
	}
	return json.Unmarshal(data, lc)
}

func (lc LabelCounts) Value() (driver.Value, error) {
	if lc == nil {
		return []byte("null"), nil
	}
	return json.Marshal(lc)
}

// Labels returns the label set in sorted order.
func (lc LabelCounts) Labels() []string {
	labels := make([]string, 0, len(lc))
	for label := range lc {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Total is the summed pill count over all labels.
func (lc LabelCounts) Total() int {
	total := 0
	for _, count := range lc {
		total += count
	}
	return total
}

// VerificationResult is one recognizer verdict for one capture. Only the most
// recent result per container is served as "current"; the full history lives
// in the captures table.
type VerificationResult struct {
	Id         uint64      `db:"id" json:"id"`
	DeviceGuid string      `db:"device_guid" json:"device_guid"`
	Container  int         `db:"container" json:"container"`
	Verified   bool        `db:"verified" json:"verified"`
	Pass       bool        `db:"pass" json:"pass"`
	Count      int         `db:"pill_count" json:"count"`
	Confidence float64     `db:"confidence" json:"confidence"`
	Expected   Expected    `db:"expected" json:"expected"`
	Detected   LabelCounts `db:"detected" json:"detected"`
	Image      string      `db:"image" json:"image"`
	Timestamp  time.Time   `db:"timestamp" json:"timestamp"`
}

// ConfidencePercent converts the 0..1 recognizer confidence for display.
func (r *VerificationResult) ConfidencePercent() float64 {
	return r.Confidence * 100.0
}

// Diff describes how a verification result differs from the previous one for
// the same container.
type Diff struct {
	CountChanged  bool           `json:"count_changed"`
	CountDiff     int            `json:"count_diff"`
	LabelChanges  map[string]int `json:"label_changes,omitempty"`
	LabelsAdded   []string       `json:"labels_added,omitempty"`
	LabelsRemoved []string       `json:"labels_removed,omitempty"`
}

// ComputeDiff compares the new result against the immediately preceding one.
// Label sets compare as sorted sets, independent of order. A nil previous
// result yields a trivial diff.
func ComputeDiff(previous, current *VerificationResult) Diff {
	diff := Diff{}

	if previous == nil || current == nil {
		return diff
	}

	if current.Count != previous.Count {
		diff.CountChanged = true
		diff.CountDiff = current.Count - previous.Count
	}

	changes := map[string]int{}
	for label, count := range current.Detected {
		if count != previous.Detected[label] {
			changes[label] = count - previous.Detected[label]
		}
	}
	for label, count := range previous.Detected {
		if _, seen := current.Detected[label]; !seen {
			changes[label] = -count
		}
	}
	if len(changes) > 0 {
		diff.LabelChanges = changes
	}

	for _, label := range current.Detected.Labels() {
		if _, ok := previous.Detected[label]; !ok {
			diff.LabelsAdded = append(diff.LabelsAdded, label)
		}
	}
	for _, label := range previous.Detected.Labels() {
		if _, ok := current.Detected[label]; !ok {
			diff.LabelsRemoved = append(diff.LabelsRemoved, label)
		}
	}

	return diff
}

// Trivial reports whether the diff carries no change worth a notification.
func (d Diff) Trivial() bool {
	return !d.CountChanged &&
		len(d.LabelChanges) == 0 &&
		len(d.LabelsAdded) == 0 &&
		len(d.LabelsRemoved) == 0
}

// Message renders the diff as the human readable notification text.
func (d Diff) Message() string {
	var parts []string

	if d.CountChanged {
		if d.CountDiff < 0 {
			parts = append(parts, fmt.Sprintf("%d pill(s) removed", -d.CountDiff))
		} else {
			parts = append(parts, fmt.Sprintf("%d pill(s) added", d.CountDiff))
		}
	}

	if len(d.LabelsAdded) > 0 {
		parts = append(parts, fmt.Sprintf("new pill type(s): %s", strings.Join(d.LabelsAdded, ", ")))
	}

	if len(d.LabelsRemoved) > 0 {
		parts = append(parts, fmt.Sprintf("pill type(s) gone: %s", strings.Join(d.LabelsRemoved, ", ")))
	}

	if len(parts) == 0 && len(d.LabelChanges) > 0 {
		parts = append(parts, "pill counts changed")
	}

	return strings.Join(parts, "; ")
}
