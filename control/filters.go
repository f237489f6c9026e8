package control

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// ApplyDeadband zeroes values within deadband of zero and rescales the rest so the output
// still spans [-1, 1].
func ApplyDeadband(value, deadband float64) float64 {
	if math.Abs(value) <= deadband {
		return 0
	}
	if value > 0 {
		return (value - deadband) / (1 - deadband)
	}
	return (value + deadband) / (1 - deadband)
}

// SlewRateLimiter bounds how fast a signal may change, in units per second.
type SlewRateLimiter struct {
	clk      clock.Clock
	rate     float64
	prev     float64
	prevTime time.Time
}

// NewSlewRateLimiter returns a limiter starting at zero.
func NewSlewRateLimiter(clk clock.Clock, rate float64) *SlewRateLimiter {
	return &SlewRateLimiter{clk: clk, rate: rate, prevTime: clk.Now()}
}

// Calculate moves the output toward input by at most rate times the time since the last call.
func (s *SlewRateLimiter) Calculate(input float64) float64 {
	now := s.clk.Now()
	elapsed := now.Sub(s.prevTime).Seconds()
	step := s.rate * elapsed
	s.prev += math.Max(-step, math.Min(step, input-s.prev))
	s.prevTime = now
	return s.prev
}

// Reset sets the output to value without limiting.
func (s *SlewRateLimiter) Reset(value float64) {
	s.prev = value
	s.prevTime = s.clk.Now()
}

// DebounceType selects which edge a Debouncer delays.
type DebounceType int

const (
	// DebounceRising delays false to true changes.
	DebounceRising DebounceType = iota
	// DebounceFalling delays true to false changes.
	DebounceFalling
	// DebounceBoth delays either change.
	DebounceBoth
)

// Debouncer reports a changed boolean only after the input has held the new value for the
// debounce window.
type Debouncer struct {
	clk      clock.Clock
	window   time.Duration
	kind     DebounceType
	baseline bool
	since    time.Time
}

// NewDebouncer returns a debouncer whose initial output is the steady state of kind:
// false for rising, true for falling.
func NewDebouncer(clk clock.Clock, window time.Duration, kind DebounceType) *Debouncer {
	return &Debouncer{
		clk:      clk,
		window:   window,
		kind:     kind,
		baseline: kind == DebounceFalling,
		since:    clk.Now(),
	}
}

// Calculate feeds one input sample and returns the debounced value.
func (d *Debouncer) Calculate(input bool) bool {
	now := d.clk.Now()
	if input == d.baseline {
		d.since = now
	}
	if now.Sub(d.since) < d.window {
		return d.baseline
	}
	if d.kind == DebounceBoth {
		d.baseline = input
		d.since = now
	}
	return input
}
