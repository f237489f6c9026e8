// Package telemetry publishes drivetrain frames off the control loop. The loop hands each
// frame to a Pump, which keeps only the newest and fans it out to the configured
// publishers.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"

	"swerve/drive"
)

// Frame is one published view of the drivetrain.
type Frame struct {
	Timestamp time.Time `json:"timestamp"`
	Mode      string    `json:"mode"`
	Commands  []string  `json:"commands"`
	drive.Snapshot
}

// Publisher delivers frames to one sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, frame Frame) error
	Close() error
}

// Pump decouples the control loop from slow publishers. Offer never blocks; a frame that
// has not been picked up yet is replaced by the next one.
type Pump struct {
	logger     logging.Logger
	publishers []Publisher
	latest     chan Frame
	failing    map[string]bool

	mu                      sync.Mutex
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewPump returns a pump feeding publishers once started.
func NewPump(logger logging.Logger, publishers ...Publisher) *Pump {
	return &Pump{
		logger:     logger,
		publishers: publishers,
		latest:     make(chan Frame, 1),
		failing:    map[string]bool{},
	}
}

// Offer hands frame to the pump, discarding a pending older frame.
func (p *Pump) Offer(frame Frame) {
	for {
		select {
		case p.latest <- frame:
			return
		default:
		}
		select {
		case <-p.latest:
		default:
		}
	}
}

// Start launches the publishing goroutine.
func (p *Pump) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		p.run(cancelCtx)
	}, p.activeBackgroundWorkers.Done)
}

func (p *Pump) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.latest:
			p.publish(ctx, frame)
		}
	}
}

func (p *Pump) publish(ctx context.Context, frame Frame) {
	for _, pub := range p.publishers {
		err := pub.Publish(ctx, frame)
		switch {
		case err != nil && !p.failing[pub.Name()]:
			p.failing[pub.Name()] = true
			p.logger.Warnw("telemetry publish failed", "publisher", pub.Name(), "error", err)
		case err != nil:
			p.logger.Debugw("telemetry publish failed", "publisher", pub.Name(), "error", err)
		case p.failing[pub.Name()]:
			p.failing[pub.Name()] = false
			p.logger.Infow("telemetry publish recovered", "publisher", pub.Name())
		}
	}
}

// Close stops the pump and closes every publisher.
func (p *Pump) Close() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.activeBackgroundWorkers.Wait()

	var err error
	for _, pub := range p.publishers {
		err = multierr.Append(err, pub.Close())
	}
	return err
}
