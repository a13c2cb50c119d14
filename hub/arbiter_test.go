package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dosewatch/dosewatch"
)

func TestArbiterStartsIdle(t *testing.T) {
	a := NewArbiter(DefaultSettleDelay, testLogger())

	assert.Equal(t, PresentationNone, a.Active().Kind)
}

func TestArbiterPresentsAlarm(t *testing.T) {
	a := NewArbiter(DefaultSettleDelay, testLogger())

	assert.True(t, a.RequestAlarm(2, "08:00"))

	active := a.Active()
	assert.Equal(t, PresentationAlarm, active.Kind)
	assert.Equal(t, 2, active.Container)
	assert.Equal(t, "08:00", active.Time)
}

func TestArbiterSecondAlarmIsNoop(t *testing.T) {
	a := NewArbiter(DefaultSettleDelay, testLogger())

	assert.True(t, a.RequestAlarm(1, "08:00"))
	assert.False(t, a.RequestAlarm(2, "08:05"))

	assert.Equal(t, 1, a.Active().Container)
}

func TestArbiterAlarmPreemptsMismatch(t *testing.T) {
	a := NewArbiter(DefaultSettleDelay, testLogger())

	assert.True(t, a.RequestMismatch(Mismatch{Container: 3}))
	assert.Equal(t, PresentationMismatch, a.Active().Kind)

	assert.True(t, a.RequestAlarm(1, "08:00"))

	active := a.Active()
	assert.Equal(t, PresentationAlarm, active.Kind)
	assert.Equal(t, 1, active.Container)
}

func TestArbiterMismatchDeferredBehindAlarm(t *testing.T) {
	a := NewArbiter(10*time.Millisecond, testLogger())

	assert.True(t, a.RequestAlarm(2, "08:00"))
	assert.False(t, a.RequestMismatch(Mismatch{Container: 2, Expected: dosewatch.Expected{Count: 2}}))

	// Still the alarm on screen.
	assert.Equal(t, PresentationAlarm, a.Active().Kind)

	a.Close(PresentationAlarm)
	assert.Equal(t, PresentationNone, a.Active().Kind)

	assert.Eventually(t, func() bool {
		active := a.Active()
		return active.Kind == PresentationMismatch && active.Container == 2
	}, time.Second, time.Millisecond)
}

func TestArbiterDeferredMismatchForOtherContainerStaysPending(t *testing.T) {
	a := NewArbiter(10*time.Millisecond, testLogger())

	assert.True(t, a.RequestAlarm(2, "08:00"))
	assert.False(t, a.RequestMismatch(Mismatch{Container: 5}))

	a.Close(PresentationAlarm)

	// No replay for a non-matching container.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PresentationNone, a.Active().Kind)
}

func TestArbiterMismatchWhileMismatchDropped(t *testing.T) {
	a := NewArbiter(DefaultSettleDelay, testLogger())

	assert.True(t, a.RequestMismatch(Mismatch{Container: 1}))
	assert.False(t, a.RequestMismatch(Mismatch{Container: 2}))

	assert.Equal(t, 1, a.Active().Container)
}

func TestArbiterCloseIsIdempotent(t *testing.T) {
	a := NewArbiter(DefaultSettleDelay, testLogger())

	assert.True(t, a.RequestAlarm(1, "08:00"))

	a.Close(PresentationAlarm)
	a.Close(PresentationAlarm)
	a.Close(PresentationMismatch)

	assert.Equal(t, PresentationNone, a.Active().Kind)
}

func TestArbiterDismissedMismatchDoesNotReplay(t *testing.T) {
	a := NewArbiter(10*time.Millisecond, testLogger())

	assert.True(t, a.RequestMismatch(Mismatch{Container: 3}))

	// The deferred copy for the same container arrives while it is shown,
	// parks behind... nothing, it is dropped while a mismatch is active.
	assert.False(t, a.RequestMismatch(Mismatch{Container: 3}))

	a.Close(PresentationMismatch)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PresentationNone, a.Active().Kind)
}

func TestArbiterMismatchDismissCancelsPendingSameContainer(t *testing.T) {
	a := NewArbiter(5*time.Millisecond, testLogger())

	// Alarm for container 4, mismatch defers behind it.
	assert.True(t, a.RequestAlarm(4, "08:00"))
	assert.False(t, a.RequestMismatch(Mismatch{Container: 4}))

	a.Close(PresentationAlarm)

	assert.Eventually(t, func() bool {
		return a.Active().Kind == PresentationMismatch
	}, time.Second, time.Millisecond)

	// Another verification defers the same mismatch again while it is
	// shown; dismissing must cancel it or the screen loops forever.
	a.mu.Lock()
	a.pending = &Mismatch{Container: 4}
	a.mu.Unlock()

	a.Close(PresentationMismatch)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PresentationNone, a.Active().Kind)
}

func TestArbiterOnChangeFiresPerTransition(t *testing.T) {
	a := NewArbiter(DefaultSettleDelay, testLogger())

	var mu sync.Mutex
	var transitions []PresentationKind

	a.OnChange(func(p Presentation) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, p.Kind)
	})

	a.RequestAlarm(1, "08:00")
	a.Close(PresentationAlarm)
	a.RequestMismatch(Mismatch{Container: 1})
	a.Close(PresentationMismatch)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []PresentationKind{
		PresentationAlarm,
		PresentationNone,
		PresentationMismatch,
		PresentationNone,
	}, transitions)
}

func TestArbiterReentrantListener(t *testing.T) {
	a := NewArbiter(DefaultSettleDelay, testLogger())

	a.OnChange(func(p Presentation) {
		// A listener poking the arbiter back must not deadlock.
		_ = a.Active()
	})

	assert.True(t, a.RequestAlarm(1, "08:00"))
	a.Close(PresentationAlarm)
}
