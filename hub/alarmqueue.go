package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultDedupWindow = 180 * time.Second
)

// AlarmQueueItem is one pending alarm presentation.
type AlarmQueueItem struct {
	Container int
	Time      string
	Enqueued  time.Time
}

func (item AlarmQueueItem) key() string {
	return fmt.Sprintf("%d|%s", item.Container, item.Time)
}

// AlarmQueue holds pending per-container alarms in FIFO order and suppresses
// duplicates inside a trailing dedup window. The dispenser re-announces alarms
// on reconnect; several containers can legitimately fire on the same minute
// and must all queue.
type AlarmQueue struct {
	containers int
	window     time.Duration
	log        *logrus.Logger

	mu    sync.Mutex
	items []AlarmQueueItem
	seen  map[string]time.Time

	now func() time.Time
}

func NewAlarmQueue(containers int, window time.Duration, logger *logrus.Logger) *AlarmQueue {
	if window <= 0 {
		window = DefaultDedupWindow
	}

	return &AlarmQueue{
		containers: containers,
		window:     window,
		log:        logger,
		seen:       make(map[string]time.Time),
		now:        time.Now,
	}
}

// ValidContainer reports whether the container id is inside [1,N].
func (q *AlarmQueue) ValidContainer(container int) bool {
	return container >= 1 && container <= q.containers
}

// Enqueue appends an alarm, returning false for out-of-range containers and
// for duplicates inside the dedup window. A duplicate of the alarm currently
// on screen is absorbed here too, which is what prevents re-trigger loops
// while the caregiver is looking at it.
func (q *AlarmQueue) Enqueue(container int, alarm_time string) bool {
	if !q.ValidContainer(container) {
		q.log.WithField("container", container).
			Warningf("Rejecting alarm for container outside [1,%d]", q.containers)
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.expire(now)

	key := fmt.Sprintf("%d|%s", container, alarm_time)
	if _, duplicate := q.seen[key]; duplicate {
		q.log.WithField("key", key).Info("Duplicate alarm suppressed")
		return false
	}

	for _, item := range q.items {
		if item.key() == key {
			q.log.WithField("key", key).Info("Alarm already queued")
			return false
		}
	}

	q.seen[key] = now
	q.items = append(q.items, AlarmQueueItem{
		Container: container,
		Time:      alarm_time,
		Enqueued:  now,
	})

	return true
}

// DequeueNext pops the oldest pending alarm. Items that sat queued past the
// dedup window are discarded rather than presented stale.
func (q *AlarmQueue) DequeueNext() (AlarmQueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	for len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]

		if now.Sub(item.Enqueued) > q.window {
			q.log.WithField("key", item.key()).Info("Discarding expired queued alarm")
			continue
		}

		return item, true
	}

	return AlarmQueueItem{}, false
}

func (q *AlarmQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *AlarmQueue) expire(now time.Time) {
	for key, stamp := range q.seen {
		if now.Sub(stamp) > q.window {
			delete(q.seen, key)
		}
	}
}
