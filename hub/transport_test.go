package hub

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.bug.st/serial"
)

type fakePort struct {
	mu     sync.Mutex
	writes []string
	wrote  chan struct{}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.writes = append(p.writes, string(b))
	p.mu.Unlock()

	select {
	case p.wrote <- struct{}{}:
	default:
	}

	return len(b), nil
}

func (p *fakePort) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.writes...)
}

func (p *fakePort) Read(b []byte) (int, error)         { return 0, io.EOF }
func (p *fakePort) Close() error                       { return nil }
func (p *fakePort) SetMode(*serial.Mode) error         { return nil }
func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakePort) Drain() error                       { return nil }
func (p *fakePort) ResetInputBuffer() error            { return nil }
func (p *fakePort) ResetOutputBuffer() error           { return nil }
func (p *fakePort) SetDTR(bool) error                  { return nil }
func (p *fakePort) SetRTS(bool) error                  { return nil }
func (p *fakePort) Break(time.Duration) error          { return nil }

func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func TestTransportClosedLinkDropsCommands(t *testing.T) {
	transport := &SerialTransport{log: testLogger()}

	assert.NoError(t, transport.Send("ALARMSTOP"))
	assert.NoError(t, transport.Send("ALARMTEST3"))
	assert.NoError(t, transport.Close())

	// Listen on a closed link returns instead of blocking.
	transport.Listen()
}

func TestTransportCloseNotBlockedByRepeatDelay(t *testing.T) {
	port := &fakePort{wrote: make(chan struct{}, 1)}
	transport := &SerialTransport{log: testLogger(), port: port}

	done := make(chan struct{})
	go func() {
		transport.Send("ALARMSTOP")
		close(done)
	}()

	// First repeat is on the wire, the sender is inside the repeat delay.
	<-port.wrote

	closed := make(chan struct{})
	go func() {
		transport.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(commandRepeatDelay):
		t.Fatal("Close blocked behind the repeat delay")
	}

	// The remaining repeats find the link down and are dropped.
	<-done
	assert.Equal(t, []string{"ALARMSTOP\n"}, port.written())
}

func TestOpenSerialTransportBadPort(t *testing.T) {
	_, err := OpenSerialTransport("/dev/null/nonexistent", testLogger())
	assert.Error(t, err)
}
