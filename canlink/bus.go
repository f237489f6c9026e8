// Package canlink runs the shared CAN bus of the drivetrain. Command frames are
// republished on a fixed period so controllers can detect a dead host, and received
// frames are dispatched to handlers by ID.
package canlink

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
	"golang.org/x/sys/unix"
)

// Default timings.
const (
	DefaultPublishPeriod = 10 * time.Millisecond
	DefaultCommsTimeout  = time.Second
)

// Socket is the part of a raw CAN socket the bus uses. *canbus.Socket satisfies it.
type Socket interface {
	Send(frame canbus.Frame) (int, error)
	Recv() (canbus.Frame, error)
	Close() error
}

// Options configure a Bus.
type Options struct {
	PublishPeriod time.Duration
	CommsTimeout  time.Duration
	Clock         clock.Clock
}

// Bus owns a transmit and a receive socket. All methods are safe for concurrent use and
// never block on socket I/O.
type Bus struct {
	tx, rx Socket
	opts   Options
	logger logging.Logger

	mu          sync.Mutex
	periodic    map[uint32]canbus.Frame
	neutral     map[uint32]canbus.Frame
	order       []uint32
	commsExpiry time.Time
	timedOut    bool

	handlersMu sync.RWMutex
	handlers   map[uint32][]func(canbus.Frame)

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// Open binds two sockets to the named interface, installs receive filters for ids and
// starts the bus.
func Open(channel string, ids []uint32, opts Options, logger logging.Logger) (*Bus, error) {
	socketSend, err := canbus.New()
	if err != nil {
		return nil, err
	}
	if err := socketSend.Bind(channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "bind %s", channel), socketSend.Close())
	}

	socketRecv, err := canbus.New()
	if err != nil {
		return nil, multierr.Combine(err, socketSend.Close())
	}
	if len(ids) > 0 {
		filters := make([]unix.CanFilter, 0, len(ids))
		for _, id := range ids {
			filters = append(filters, unix.CanFilter{Id: id, Mask: unix.CAN_SFF_MASK})
		}
		if err := socketRecv.SetFilters(filters); err != nil {
			return nil, multierr.Combine(err, socketSend.Close(), socketRecv.Close())
		}
	}
	if err := socketRecv.Bind(channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "bind %s", channel), socketSend.Close(), socketRecv.Close())
	}

	return New(socketSend, socketRecv, opts, logger), nil
}

// New starts a bus on already opened sockets.
func New(tx, rx Socket, opts Options, logger logging.Logger) *Bus {
	if opts.PublishPeriod <= 0 {
		opts.PublishPeriod = DefaultPublishPeriod
	}
	if opts.CommsTimeout <= 0 {
		opts.CommsTimeout = DefaultCommsTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		tx:          tx,
		rx:          rx,
		opts:        opts,
		logger:      logger,
		periodic:    map[uint32]canbus.Frame{},
		neutral:     map[uint32]canbus.Frame{},
		handlers:    map[uint32][]func(canbus.Frame){},
		commsExpiry: opts.Clock.Now().Add(opts.CommsTimeout),
		cancel:      cancel,
	}

	b.activeBackgroundWorkers.Add(2)
	viamutils.ManagedGo(func() {
		b.publishThread(cancelCtx)
	}, b.activeBackgroundWorkers.Done)
	viamutils.ManagedGo(func() {
		b.receiveThread(cancelCtx)
	}, b.activeBackgroundWorkers.Done)
	return b
}

// SetNeutral registers the frame sent for id when no command has arrived within the comms
// timeout. It also becomes the current frame if none was published yet.
func (b *Bus) SetNeutral(frame canbus.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.neutral[frame.ID] = frame
	if _, ok := b.periodic[frame.ID]; !ok {
		b.periodic[frame.ID] = frame
		b.order = append(b.order, frame.ID)
	}
}

// Publish replaces the periodically sent frame for frame.ID and feeds the comms watchdog.
func (b *Bus) Publish(frame canbus.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.periodic[frame.ID]; !ok {
		b.order = append(b.order, frame.ID)
	}
	b.periodic[frame.ID] = frame
	b.commsExpiry = b.opts.Clock.Now().Add(b.opts.CommsTimeout)
	if b.timedOut {
		b.timedOut = false
		b.logger.Infow("commands resumed, leaving comms timeout")
	}
}

// Handle registers fn for received frames with the given id. fn runs on the receive
// goroutine and must not block.
func (b *Bus) Handle(id uint32, fn func(canbus.Frame)) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[id] = append(b.handlers[id], fn)
}

// TimedOut reports whether the comms watchdog has replaced commands with neutral frames.
func (b *Bus) TimedOut() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timedOut
}

// cycleFrames returns the frames to send this cycle, applying the watchdog.
func (b *Bus) cycleFrames() []canbus.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.timedOut && b.opts.Clock.Now().After(b.commsExpiry) {
		b.timedOut = true
		b.logger.Warnw("no commands received, sending neutral frames", "timeout", b.opts.CommsTimeout)
	}
	frames := make([]canbus.Frame, 0, len(b.order))
	for _, id := range b.order {
		if b.timedOut {
			if n, ok := b.neutral[id]; ok {
				frames = append(frames, n)
				continue
			}
		}
		frames = append(frames, b.periodic[id])
	}
	return frames
}

// publishThread sends every current frame once per period.
func (b *Bus) publishThread(ctx context.Context) {
	ticker := b.opts.Clock.Ticker(b.opts.PublishPeriod)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, frame := range b.cycleFrames() {
			if _, err := b.tx.Send(frame); err != nil {
				b.logger.Errorw("frame send error", "id", frame.ID, "error", err)
			}
		}
	}
}

// receiveThread blocks on the receive socket and dispatches frames by ID.
func (b *Bus) receiveThread(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := b.rx.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Errorw("CAN Rx error", "error", err)
			if !viamutils.SelectContextOrWait(ctx, b.opts.PublishPeriod) {
				return
			}
			continue
		}

		b.handlersMu.RLock()
		fns := b.handlers[frame.ID]
		b.handlersMu.RUnlock()
		for _, fn := range fns {
			fn(frame)
		}
	}
}

// Close sends the neutral frames once, stops both loops and closes the sockets.
func (b *Bus) Close() error {
	b.mu.Lock()
	var neutral []canbus.Frame
	for _, id := range b.order {
		if n, ok := b.neutral[id]; ok {
			neutral = append(neutral, n)
		}
	}
	b.mu.Unlock()

	b.cancel()
	// The receive loop is parked in Recv until the socket closes.
	err := b.rx.Close()
	b.activeBackgroundWorkers.Wait()

	for _, frame := range neutral {
		if _, sendErr := b.tx.Send(frame); sendErr != nil {
			err = multierr.Combine(err, sendErr)
		}
	}
	return multierr.Combine(err, b.tx.Close())
}
