package odometry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
)

// DefaultCapacity is the per-signal queue length used when none is configured.
const DefaultCapacity = 20

// Stats counts sampler activity since construction.
type Stats struct {
	Ticks        uint64 `json:"ticks"`
	ReadFailures uint64 `json:"read_failures"`
	Drops        uint64 `json:"drops"`
}

type signal interface {
	name() string
	sample(tick uint64, ts time.Time) (dropped bool, err error)
}

type polled[T any] struct {
	label string
	read  func() (T, error)
	queue *Queue[Stamped[T]]
}

func (p *polled[T]) name() string { return p.label }

func (p *polled[T]) sample(tick uint64, ts time.Time) (bool, error) {
	v, err := p.read()
	if err != nil {
		return false, err
	}
	return p.queue.Push(Stamped[T]{Tick: tick, Timestamp: ts, Value: v}), nil
}

// Sampler reads every registered signal once per tick on its own goroutine and pushes the
// results into per-signal queues. It never waits on the consumer.
type Sampler struct {
	clk      clock.Clock
	period   time.Duration
	capacity int
	logger   logging.Logger

	mu         sync.Mutex
	signals    []signal
	forwarders []func(ctx context.Context)
	tick       uint64
	started    bool

	ticks        atomic.Uint64
	readFailures atomic.Uint64
	drops        atomic.Uint64

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// New returns a sampler running at frequencyHz once started.
func New(clk clock.Clock, frequencyHz float64, capacity int, logger logging.Logger) (*Sampler, error) {
	if frequencyHz <= 0 {
		return nil, errors.Errorf("odometry frequency must be positive, got %v", frequencyHz)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sampler{
		clk:      clk,
		period:   time.Duration(float64(time.Second) / frequencyHz),
		capacity: capacity,
		logger:   logger,
	}, nil
}

// Period returns the time between ticks.
func (s *Sampler) Period() time.Duration {
	return s.period
}

// Register adds a polled signal. read must not block; an error skips the signal for that tick.
func Register[T any](s *Sampler, name string, read func() (T, error)) *Queue[Stamped[T]] {
	q := NewQueue[Stamped[T]](s.capacity)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, &polled[T]{label: name, read: read, queue: q})
	return q
}

// RegisterReplay forwards samples produced elsewhere, such as a log replay, into a queue
// in the order they arrive on src. Forwarding starts with Start and ends when src is closed.
func RegisterReplay[T any](s *Sampler, name string, src <-chan Stamped[T]) *Queue[Stamped[T]] {
	q := NewQueue[Stamped[T]](s.capacity)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarders = append(s.forwarders, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-src:
				if !ok {
					return
				}
				if q.Push(v) {
					s.noteDrop(name)
				}
			}
		}
	})
	return q
}

// Start launches the sampling loop and any replay forwarders.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	cancelCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		s.run(cancelCtx)
	}, s.activeBackgroundWorkers.Done)

	for _, f := range s.forwarders {
		forward := f
		s.activeBackgroundWorkers.Add(1)
		viamutils.ManagedGo(func() {
			forward(cancelCtx)
		}, s.activeBackgroundWorkers.Done)
	}
}

func (s *Sampler) run(ctx context.Context) {
	ticker := s.clk.Ticker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Sample performs one tick: every polled signal is read and stamped with the same tick
// number and timestamp.
func (s *Sampler) Sample() {
	s.mu.Lock()
	s.tick++
	tick := s.tick
	signals := s.signals
	s.mu.Unlock()

	ts := s.clk.Now()
	s.ticks.Add(1)
	for _, sig := range signals {
		dropped, err := sig.sample(tick, ts)
		if err != nil {
			s.readFailures.Add(1)
			s.logger.Debugw("odometry read failed, skipping tick", "signal", sig.name(), "tick", tick, "error", err)
			continue
		}
		if dropped {
			s.noteDrop(sig.name())
		}
	}
}

func (s *Sampler) noteDrop(name string) {
	total := s.drops.Add(1)
	s.logger.Warnw("odometry queue full, dropped oldest sample", "signal", name, "total_drops", total)
}

// Stats returns a snapshot of the counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		Ticks:        s.ticks.Load(),
		ReadFailures: s.readFailures.Load(),
		Drops:        s.drops.Load(),
	}
}

// Close stops the sampler and waits for its goroutines.
func (s *Sampler) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.activeBackgroundWorkers.Wait()
}
