// Package commands holds the cooperative command model that runs on the control loop and the
// driving commands built on it.
package commands

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Command is a unit of robot behavior. The scheduler calls Initialize once, Execute every
// control cycle until IsFinished reports true, and End exactly once.
type Command interface {
	Name() string
	// Requirements name the resources the command needs exclusively.
	Requirements() []string
	Initialize()
	Execute()
	IsFinished() bool
	End(interrupted bool)
}

// Hooks are the callbacks of a command built with New. Nil hooks do nothing; a nil
// IsFinished never finishes.
type Hooks struct {
	Initialize func()
	Execute    func()
	IsFinished func() bool
	End        func(interrupted bool)
}

type funcCommand struct {
	name         string
	requirements []string
	hooks        Hooks
}

// New builds a command from hooks.
func New(name string, hooks Hooks, requirements ...string) Command {
	return &funcCommand{name: name, requirements: requirements, hooks: hooks}
}

func (c *funcCommand) Name() string           { return c.name }
func (c *funcCommand) Requirements() []string { return c.requirements }

func (c *funcCommand) Initialize() {
	if c.hooks.Initialize != nil {
		c.hooks.Initialize()
	}
}

func (c *funcCommand) Execute() {
	if c.hooks.Execute != nil {
		c.hooks.Execute()
	}
}

func (c *funcCommand) IsFinished() bool {
	return c.hooks.IsFinished != nil && c.hooks.IsFinished()
}

func (c *funcCommand) End(interrupted bool) {
	if c.hooks.End != nil {
		c.hooks.End(interrupted)
	}
}

// Run calls fn every cycle until the command is interrupted.
func Run(name string, fn func(), requirements ...string) Command {
	return New(name, Hooks{Execute: fn}, requirements...)
}

// RunOnce calls fn when the command starts and finishes right away.
func RunOnce(name string, fn func(), requirements ...string) Command {
	return New(name, Hooks{Initialize: fn, IsFinished: func() bool { return true }}, requirements...)
}

// Wait finishes once d has elapsed on clk.
func Wait(clk clock.Clock, d time.Duration) Command {
	var start time.Time
	return New("wait", Hooks{
		Initialize: func() { start = clk.Now() },
		IsFinished: func() bool { return clk.Since(start) >= d },
	})
}

// WithTimeout interrupts cmd once d has elapsed.
func WithTimeout(cmd Command, clk clock.Clock, d time.Duration) Command {
	return Race(cmd.Name(), cmd, Wait(clk, d))
}

type decorated struct {
	Command
	before  func()
	finally func(interrupted bool)
}

func (d *decorated) Initialize() {
	if d.before != nil {
		d.before()
	}
	d.Command.Initialize()
}

func (d *decorated) End(interrupted bool) {
	d.Command.End(interrupted)
	if d.finally != nil {
		d.finally(interrupted)
	}
}

// FinallyDo runs fn after cmd ends, whether it finished or was interrupted.
func FinallyDo(cmd Command, fn func(interrupted bool)) Command {
	return &decorated{Command: cmd, finally: fn}
}

// BeforeStarting runs fn just before cmd initializes.
func BeforeStarting(cmd Command, fn func()) Command {
	return &decorated{Command: cmd, before: fn}
}

func unionRequirements(cmds []Command) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range cmds {
		for _, r := range c.Requirements() {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

type sequence struct {
	name    string
	cmds    []Command
	reqs    []string
	current int
}

// Sequence runs cmds one after another.
func Sequence(name string, cmds ...Command) Command {
	return &sequence{name: name, cmds: cmds, reqs: unionRequirements(cmds)}
}

func (s *sequence) Name() string           { return s.name }
func (s *sequence) Requirements() []string { return s.reqs }

func (s *sequence) Initialize() {
	s.current = 0
	if len(s.cmds) > 0 {
		s.cmds[0].Initialize()
	}
}

func (s *sequence) Execute() {
	if s.current >= len(s.cmds) {
		return
	}
	cmd := s.cmds[s.current]
	cmd.Execute()
	if !cmd.IsFinished() {
		return
	}
	cmd.End(false)
	s.current++
	if s.current < len(s.cmds) {
		s.cmds[s.current].Initialize()
	}
}

func (s *sequence) IsFinished() bool { return s.current >= len(s.cmds) }

func (s *sequence) End(interrupted bool) {
	if interrupted && s.current < len(s.cmds) {
		s.cmds[s.current].End(true)
	}
	s.current = len(s.cmds)
}

type parallel struct {
	name    string
	cmds    []Command
	reqs    []string
	running []bool
	race    bool
	done    bool
}

// Parallel runs cmds together and finishes when all of them have.
func Parallel(name string, cmds ...Command) Command {
	return &parallel{name: name, cmds: cmds, reqs: unionRequirements(cmds)}
}

// Race runs cmds together and interrupts the rest as soon as one finishes.
func Race(name string, cmds ...Command) Command {
	return &parallel{name: name, cmds: cmds, reqs: unionRequirements(cmds), race: true}
}

func (p *parallel) Name() string           { return p.name }
func (p *parallel) Requirements() []string { return p.reqs }

func (p *parallel) Initialize() {
	p.done = false
	p.running = make([]bool, len(p.cmds))
	for i, c := range p.cmds {
		c.Initialize()
		p.running[i] = true
	}
}

func (p *parallel) Execute() {
	remaining := 0
	for i, c := range p.cmds {
		if !p.running[i] {
			continue
		}
		c.Execute()
		if c.IsFinished() {
			c.End(false)
			p.running[i] = false
			if p.race {
				p.done = true
			}
			continue
		}
		remaining++
	}
	if remaining == 0 {
		p.done = true
	}
}

func (p *parallel) IsFinished() bool { return p.done }

func (p *parallel) End(interrupted bool) {
	for i, c := range p.cmds {
		if p.running[i] {
			c.End(true)
			p.running[i] = false
		}
	}
	p.done = true
}
