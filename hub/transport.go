package hub

import (
	"bufio"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	commandRepeats     = 3
	commandRepeatDelay = 50 * time.Millisecond
)

// LineHandler receives one received dispenser line. It must return quickly;
// anything slow belongs in a detached goroutine or the receive loop stalls and
// subsequent lines are delayed.
type LineHandler func(line string)

// LineSender is the write side of the dispenser link.
type LineSender interface {
	Send(command string) error
}

// SerialTransport is the point-to-point link to the dispenser: newline
// terminated ASCII lines over serial. The link is lossy and has no
// acknowledgements, so commands are repeated a fixed number of times at a
// short spacing. A closed link turns sends into logged no-ops; transport
// faults never surface as UI failures.
type SerialTransport struct {
	log *logrus.Logger

	mu   sync.Mutex
	port serial.Port

	handler LineHandler
}

func OpenSerialTransport(port_path string, logger *logrus.Logger) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(port_path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", port_path, err)
	}

	logger.WithField("port", port_path).Info("Dispenser link opened")

	return &SerialTransport{
		log:  logger,
		port: port,
	}, nil
}

// OnLine registers the receive callback. Register before Listen.
func (t *SerialTransport) OnLine(h LineHandler) {
	t.handler = h
}

// Listen runs the blocking receive loop until the port closes.
func (t *SerialTransport) Listen() {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()

	if port == nil {
		return
	}

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		t.log.WithField("line", line).Trace("Dispenser line received")

		if t.handler != nil {
			t.handler(line)
		}
	}

	if err := scanner.Err(); err != nil {
		t.log.WithField("error", err).Warning("Dispenser link read loop ended")
	}
}

// Send writes the command line, repeated commandRepeats times. There is no
// acknowledgement from the dispenser; sustained loss fails silently, which is
// a known limitation of the fixed repeat policy. The lock covers only the
// write itself, so the repeat spacing never stalls other senders or Close;
// repeats of concurrently sent commands may interleave, but every line stays
// intact.
func (t *SerialTransport) Send(command string) error {
	data := []byte(command + "\n")

	for attempt := 0; attempt < commandRepeats; attempt++ {
		if attempt > 0 {
			time.Sleep(commandRepeatDelay)
		}

		t.mu.Lock()
		port := t.port
		if port == nil {
			t.mu.Unlock()
			t.log.WithField("command", command).Debug("Link down, dropping command")
			return nil
		}

		_, err := port.Write(data)
		t.mu.Unlock()

		if err != nil {
			t.log.WithField("command", command).WithField("error", err).
				Warning("Error writing dispenser command")
		}
	}

	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}

	err := t.port.Close()
	t.port = nil

	return err
}
