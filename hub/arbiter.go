package hub

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dosewatch/dosewatch"
)

const (
	DefaultSettleDelay = 2200 * time.Millisecond
)

type PresentationKind int

const (
	PresentationNone PresentationKind = iota
	PresentationAlarm
	PresentationMismatch
)

func (k PresentationKind) String() string {
	switch k {
	case PresentationAlarm:
		return "alarm"
	case PresentationMismatch:
		return "mismatch"
	}
	return "none"
}

// Mismatch describes a contents-mismatch alert for one container. Generic is
// set when the mismatch could not be confirmed by a verification result and
// the caregiver should simply check the container.
type Mismatch struct {
	Container int
	Expected  dosewatch.Expected
	Detected  dosewatch.LabelCounts
	Foreign   bool
	Generic   bool
}

// Presentation is the one globally visible alert.
type Presentation struct {
	Kind      PresentationKind
	Container int
	Time      string
	Mismatch  *Mismatch
}

// Arbiter is the single writer deciding which of none/alarm/mismatch is on
// screen. Priority is alarm over mismatch. A mismatch arriving while an alarm
// is active parks in a single pending slot and replays after the settle delay
// once the alarm for the same container has closed; the delay papers over
// cross-transport ordering between the dispenser link and the recognizer
// pipeline.
type Arbiter struct {
	log    *logrus.Logger
	settle time.Duration

	mu           sync.Mutex
	active       Presentation
	inTransition map[PresentationKind]bool
	pending      *Mismatch
	onChange     func(Presentation)
}

func NewArbiter(settle time.Duration, logger *logrus.Logger) *Arbiter {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}

	return &Arbiter{
		log:          logger,
		settle:       settle,
		inTransition: make(map[PresentationKind]bool),
	}
}

// OnChange registers the change listener. It fires exactly once per real
// transition, outside the arbiter lock.
func (a *Arbiter) OnChange(f func(Presentation)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.onChange = f
}

func (a *Arbiter) Active() Presentation {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.active
}

// RequestAlarm presents an alarm, preempting an active mismatch. A second
// request while an alarm is already active is a no-op, as is a request racing
// another alarm transition.
func (a *Arbiter) RequestAlarm(container int, dose_time string) bool {
	a.mu.Lock()

	if a.inTransition[PresentationAlarm] {
		a.mu.Unlock()
		a.log.Debug("Alarm request dropped, transition in progress")
		return false
	}

	if a.active.Kind == PresentationAlarm {
		a.mu.Unlock()
		a.log.WithField("container", container).Debug("Alarm already presented")
		return false
	}

	a.inTransition[PresentationAlarm] = true

	if a.active.Kind == PresentationMismatch {
		a.log.WithField("container", a.active.Container).Info("Alarm preempting mismatch")
	}

	a.active = Presentation{
		Kind:      PresentationAlarm,
		Container: container,
		Time:      dose_time,
	}

	a.notifyAndSettleLocked(PresentationAlarm)

	return true
}

// RequestMismatch presents a mismatch when nothing is active. While an alarm
// is active the request parks in the pending slot instead; while another
// mismatch is active it is dropped.
func (a *Arbiter) RequestMismatch(m Mismatch) bool {
	a.mu.Lock()

	if a.inTransition[PresentationMismatch] {
		a.mu.Unlock()
		a.log.Debug("Mismatch request dropped, transition in progress")
		return false
	}

	switch a.active.Kind {
	case PresentationAlarm:
		pending := m
		a.pending = &pending
		a.mu.Unlock()
		a.log.WithField("container", m.Container).Info("Mismatch deferred behind active alarm")
		return false
	case PresentationMismatch:
		a.mu.Unlock()
		a.log.WithField("container", m.Container).Debug("Mismatch already presented")
		return false
	}

	a.inTransition[PresentationMismatch] = true

	mismatch := m
	a.active = Presentation{
		Kind:      PresentationMismatch,
		Container: m.Container,
		Mismatch:  &mismatch,
	}

	a.notifyAndSettleLocked(PresentationMismatch)

	return true
}

// Close dismisses the active presentation of the given kind. Closing a kind
// that is not active is a no-op. Dismissing a mismatch cancels a pending
// deferred mismatch for the same container so it does not immediately
// re-present; closing an alarm schedules the deferred mismatch replay for a
// matching container after the settle delay.
func (a *Arbiter) Close(kind PresentationKind) {
	a.mu.Lock()

	if kind == PresentationNone || a.inTransition[kind] {
		a.mu.Unlock()
		return
	}

	if a.active.Kind != kind {
		a.mu.Unlock()
		return
	}

	a.inTransition[kind] = true

	closed := a.active
	a.active = Presentation{Kind: PresentationNone}

	if kind == PresentationMismatch && a.pending != nil && a.pending.Container == closed.Container {
		a.log.WithField("container", closed.Container).Debug("Cancelling deferred mismatch on dismissal")
		a.pending = nil
	}

	replay := a.pending != nil && a.pending.Container == closed.Container

	a.notifyAndSettleLocked(kind)

	if replay {
		time.AfterFunc(a.settle, a.replayPending)
	}
}

// notifyAndSettleLocked fires the change listener for the current state and
// clears the in-transition flag. The lock is held on entry and released while
// the listener runs so a re-entrant listener cannot deadlock; the
// in-transition flag keeps overlapping triggers for the same kind collapsed
// into this one state change.
func (a *Arbiter) notifyAndSettleLocked(kind PresentationKind) {
	notify := a.onChange
	current := a.active
	a.mu.Unlock()

	if notify != nil {
		notify(current)
	}

	a.mu.Lock()
	a.inTransition[kind] = false
	a.mu.Unlock()
}

func (a *Arbiter) replayPending() {
	a.mu.Lock()

	if a.active.Kind != PresentationNone || a.pending == nil {
		// Something claimed the screen during the settle delay; the
		// pending slot survives for the next return to none.
		a.mu.Unlock()
		return
	}

	if a.inTransition[PresentationMismatch] {
		a.mu.Unlock()
		return
	}

	a.inTransition[PresentationMismatch] = true

	mismatch := a.pending
	a.pending = nil
	a.active = Presentation{
		Kind:      PresentationMismatch,
		Container: mismatch.Container,
		Mismatch:  mismatch,
	}

	a.log.WithField("container", mismatch.Container).Info("Replaying deferred mismatch")

	a.notifyAndSettleLocked(PresentationMismatch)
}
