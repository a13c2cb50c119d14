package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dosewatch/dosewatch"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollBudget   = 45 * time.Second

	captureRetries    = 3
	captureRetryDelay = 50 * time.Millisecond
)

var ErrCaptureInFlight = errors.New("capture already in flight for container")

// Publisher is the pub/sub command channel the capture devices listen on.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// ResultSource serves the latest verification result per container; the API
// client implements it.
type ResultSource interface {
	ContainerVerification(container int) (*dosewatch.VerificationResult, error)
}

// CaptureCommand is the payload published on the command topic.
type CaptureCommand struct {
	Action    string             `json:"action"`
	Container int                `json:"container"`
	Expected  dosewatch.Expected `json:"expected"`
}

// VerificationOutcome is what a capture cycle resolved to. Verified is false
// for the unverified sentinel; Result carries the observed result when one
// arrived, verified or not.
type VerificationOutcome struct {
	Verified bool
	Result   *dosewatch.VerificationResult
}

// Coordinator runs the capture/verify round trip: publish a capture command
// for a container, then poll the backend until a result newer than the request
// appears. At most one request per container is in flight; a second trigger is
// rejected outright since a stale expectation would corrupt the comparison in
// progress.
type Coordinator struct {
	log     *logrus.Logger
	pub     Publisher
	results ResultSource
	topic   string

	pollInterval time.Duration

	mu       sync.Mutex
	inflight map[int]time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

func NewCoordinator(pub Publisher, results ResultSource, topic string, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		log:          logger,
		pub:          pub,
		results:      results,
		topic:        topic,
		pollInterval: DefaultPollInterval,
		inflight:     make(map[int]time.Time),
		now:          time.Now,
		sleep:        time.Sleep,
	}
}

func (c *Coordinator) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		c.pollInterval = interval
	}
}

// TriggerCapture publishes the capture command for a container. The publish is
// fire-and-forget; the bounded poll in AwaitVerification is the only timeout
// mechanism. Publish errors are retried a fixed number of times, then the
// request degrades silently.
func (c *Coordinator) TriggerCapture(container int, expected dosewatch.Expected) error {
	c.mu.Lock()
	if _, busy := c.inflight[container]; busy {
		c.mu.Unlock()
		return ErrCaptureInFlight
	}
	c.inflight[container] = c.now()
	c.mu.Unlock()

	payload, err := json.Marshal(CaptureCommand{
		Action:    "capture",
		Container: container,
		Expected:  expected,
	})
	if err != nil {
		c.clear(container)
		return err
	}

	var publish_err error
	for attempt := 0; attempt < captureRetries; attempt++ {
		if publish_err = c.pub.Publish(c.topic, 1, false, payload); publish_err == nil {
			break
		}
		c.sleep(captureRetryDelay)
	}

	if publish_err != nil {
		c.clear(container)
		c.log.WithField("container", container).WithField("error", publish_err).
			Error("Error publishing capture command")
		return publish_err
	}

	c.log.WithField("container", container).Debug("Capture command published")

	return nil
}

// AwaitVerification polls for a result newer than the outstanding request.
// When the budget runs out, or no request is outstanding, it resolves to the
// unverified sentinel instead of failing the caller. Poll errors are transient
// by definition here; the budget bounds them.
func (c *Coordinator) AwaitVerification(container int, budget time.Duration) VerificationOutcome {
	c.mu.Lock()
	issued, outstanding := c.inflight[container]
	c.mu.Unlock()

	if !outstanding {
		c.log.WithField("container", container).Debug("No capture outstanding")
		return VerificationOutcome{}
	}

	defer c.clear(container)

	if budget <= 0 {
		budget = DefaultPollBudget
	}
	deadline := c.now().Add(budget)

	for {
		result, err := c.results.ContainerVerification(container)
		if err != nil {
			c.log.WithField("container", container).WithField("error", err).
				Debug("Verification poll failed, retrying")
		} else if result != nil && result.Timestamp.After(issued) {
			return VerificationOutcome{
				Verified: result.Verified,
				Result:   result,
			}
		}

		if !c.now().Add(c.pollInterval).Before(deadline) {
			c.log.WithField("container", container).Info("Verification poll budget exhausted")
			return VerificationOutcome{}
		}

		c.sleep(c.pollInterval)
	}
}

// InFlight reports whether a capture cycle is outstanding for the container.
func (c *Coordinator) InFlight(container int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, busy := c.inflight[container]
	return busy
}

func (c *Coordinator) clear(container int) {
	c.mu.Lock()
	delete(c.inflight, container)
	c.mu.Unlock()
}
