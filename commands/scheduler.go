package commands

import (
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Scheduler runs commands cooperatively on the control loop. It is not safe for concurrent
// use; only the control loop calls it.
type Scheduler struct {
	logger   logging.Logger
	running  []Command
	holders  map[string]Command
	defaults map[string]Command
}

// NewScheduler returns an empty scheduler.
func NewScheduler(logger logging.Logger) *Scheduler {
	return &Scheduler{
		logger:   logger,
		holders:  map[string]Command{},
		defaults: map[string]Command{},
	}
}

// Schedule starts cmd, interrupting any running command that holds one of its
// requirements. Scheduling an already running command does nothing.
func (s *Scheduler) Schedule(cmd Command) {
	if cmd == nil || s.IsScheduled(cmd) {
		return
	}
	for _, r := range cmd.Requirements() {
		if holder, ok := s.holders[r]; ok {
			s.end(holder, true)
		}
	}
	for _, r := range cmd.Requirements() {
		s.holders[r] = cmd
	}
	s.running = append(s.running, cmd)
	s.logger.Debugw("command scheduled", "command", cmd.Name())
	cmd.Initialize()
}

// Cancel interrupts cmd if it is running.
func (s *Scheduler) Cancel(cmd Command) {
	if s.IsScheduled(cmd) {
		s.end(cmd, true)
	}
}

// CancelAll interrupts every running command.
func (s *Scheduler) CancelAll() {
	for len(s.running) > 0 {
		s.end(s.running[0], true)
	}
}

// SetDefault makes cmd run whenever nothing else holds requirement.
func (s *Scheduler) SetDefault(requirement string, cmd Command) error {
	found := false
	for _, r := range cmd.Requirements() {
		found = found || r == requirement
	}
	if !found {
		return errors.Errorf("default command %q does not require %q", cmd.Name(), requirement)
	}
	if prev, ok := s.defaults[requirement]; ok {
		s.Cancel(prev)
	}
	s.defaults[requirement] = cmd
	return nil
}

// Run performs one scheduler cycle: every running command executes once, finished ones
// end, and idle requirements fall back to their default command.
func (s *Scheduler) Run() {
	for _, cmd := range append([]Command(nil), s.running...) {
		// A command executed earlier in this cycle may have scheduled over this one.
		if !s.IsScheduled(cmd) {
			continue
		}
		cmd.Execute()
		if cmd.IsFinished() {
			s.end(cmd, false)
		}
	}
	for r, cmd := range s.defaults {
		if _, busy := s.holders[r]; !busy {
			s.Schedule(cmd)
		}
	}
}

// IsScheduled reports whether cmd is running.
func (s *Scheduler) IsScheduled(cmd Command) bool {
	for _, c := range s.running {
		if c == cmd {
			return true
		}
	}
	return false
}

// Running returns the names of the running commands in scheduling order.
func (s *Scheduler) Running() []string {
	names := make([]string, len(s.running))
	for i, c := range s.running {
		names[i] = c.Name()
	}
	return names
}

func (s *Scheduler) end(cmd Command, interrupted bool) {
	for i, c := range s.running {
		if c == cmd {
			s.running = append(s.running[:i], s.running[i+1:]...)
			break
		}
	}
	for _, r := range cmd.Requirements() {
		if s.holders[r] == cmd {
			delete(s.holders, r)
		}
	}
	if interrupted {
		s.logger.Debugw("command interrupted", "command", cmd.Name())
	} else {
		s.logger.Debugw("command finished", "command", cmd.Name())
	}
	cmd.End(interrupted)
}
