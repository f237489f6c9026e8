package canlink

import (
	"sync"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
)

var errFakeClosed = errors.New("fake socket closed")

// FakeSocket is an in-memory Socket for tests and bench runs without a CAN interface.
type FakeSocket struct {
	mu     sync.Mutex
	sent   []canbus.Frame
	inbox  chan canbus.Frame
	closed chan struct{}
	once   sync.Once
}

// NewFakeSocket returns an open fake socket.
func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		inbox:  make(chan canbus.Frame, 256),
		closed: make(chan struct{}),
	}
}

// Send records frame.
func (f *FakeSocket) Send(frame canbus.Frame) (int, error) {
	select {
	case <-f.closed:
		return 0, errFakeClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data := append([]byte(nil), frame.Data...)
	f.sent = append(f.sent, canbus.Frame{ID: frame.ID, Data: data, Kind: frame.Kind})
	return len(frame.Data), nil
}

// Recv returns the next injected frame, blocking until one arrives or the socket closes.
func (f *FakeSocket) Recv() (canbus.Frame, error) {
	select {
	case frame := <-f.inbox:
		return frame, nil
	case <-f.closed:
		return canbus.Frame{}, errFakeClosed
	}
}

// Close unblocks Recv and rejects further sends.
func (f *FakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// Inject makes frame available to Recv.
func (f *FakeSocket) Inject(frame canbus.Frame) {
	f.inbox <- frame
}

// Sent returns a copy of every frame sent so far.
func (f *FakeSocket) Sent() []canbus.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]canbus.Frame(nil), f.sent...)
}

// LastSent returns the most recent frame sent with id.
func (f *FakeSocket) LastSent(id uint32) (canbus.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].ID == id {
			return f.sent[i], true
		}
	}
	return canbus.Frame{}, false
}
