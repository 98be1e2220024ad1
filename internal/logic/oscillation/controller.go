// Package oscillation sweeps the head back and forth across the sheet.
//
// A single goroutine owns the oscillation state and the motion planner. It
// takes at most one command per tick from a Queue, picks the next target
// when the previous one is reached, and advances the planner by one step.
package oscillation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/SheetSweep/internal/debug"
)

// DefaultTick is the pause between two loop iterations.
const DefaultTick = time.Millisecond

// Planner is the part of the motion planner driven by the loop.
// *stepper.Stepper implements it.
type Planner interface {
	MoveTo(absolute int)
	Move(relative int)
	Run() bool
	Stop()
	DistanceToGo() int
	TargetPosition() int
	CurrentPosition() int
	SetCurrentPosition(position int)
	SetAcceleration(accel float64)
	EnableOutputs()
	DisableOutputs()
}

// Phase is the coarse state of the loop.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFirstMove   Phase = "first_move"
	PhaseOscillating Phase = "oscillating"
)

// State is owned by the loop goroutine.
type State struct {
	SheetWidth   int  // sweep target in steps; the first move goes to half of it
	Acceleration int  // last acceleration sent to the planner
	Right        bool // next sweep goes to +SheetWidth
	Enabled      bool
	FirstMove    bool
}

// Phase derives the coarse state from the flags.
func (s State) Phase() Phase {
	switch {
	case !s.Enabled:
		return PhaseIdle
	case s.FirstMove:
		return PhaseFirstMove
	default:
		return PhaseOscillating
	}
}

// Snapshot is a read-only copy of the loop state, published after every tick.
type Snapshot struct {
	Phase        Phase  `json:"phase"`
	SheetWidth   int    `json:"sheet_width"`
	Acceleration int    `json:"acceleration"`
	Right        bool   `json:"right"`
	Enabled      bool   `json:"enabled"`
	FirstMove    bool   `json:"first_move"`
	Position     int    `json:"position"`
	Target       int    `json:"target"`
	Ticks        uint64 `json:"ticks"`
}

// Options configures a Controller.
type Options struct {
	SheetWidth   int
	Acceleration int // informational, the planner is configured by motion.Configure
	Tick         time.Duration
}

// Controller runs the oscillation state machine.
type Controller struct {
	planner Planner
	queue   *Queue
	tick    time.Duration

	state State
	ticks uint64

	snap atomic.Pointer[Snapshot]
}

// NewController creates an idle controller. Nothing moves until a Start
// command arrives on q.
func NewController(p Planner, q *Queue, opts Options) *Controller {
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	c := &Controller{
		planner: p,
		queue:   q,
		tick:    tick,
		state: State{
			SheetWidth:   opts.SheetWidth,
			Acceleration: opts.Acceleration,
			Right:        true,
		},
	}
	c.publish()
	return c
}

// State returns a copy of the oscillation state. Only safe from the loop
// goroutine or before Run starts; other goroutines use Snapshot.
func (c *Controller) State() State {
	return c.state
}

// Snapshot returns the state published by the last tick. Safe for
// concurrent use.
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Run calls Tick once per tick interval until ctx is cancelled. On exit the
// motor outputs are disabled.
func (c *Controller) Run(ctx context.Context) error {
	debug.Info("Oscillation loop started (tick=%v, width=%d)", c.tick, c.state.SheetWidth)

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		c.Tick()

		select {
		case <-ctx.Done():
			c.planner.DisableOutputs()
			c.state.Enabled = false
			c.publish()
			debug.Info("Oscillation loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one loop iteration: handle at most one pending command, choose
// the next target if the current one is reached, then advance the planner.
func (c *Controller) Tick() {
	if cmd, ok := c.queue.TryReceive(); ok {
		c.handle(cmd)
	}

	if c.state.Enabled && c.planner.DistanceToGo() == 0 {
		c.nextTarget()
	}

	c.planner.Run()
	c.ticks++
	c.publish()
}

func (c *Controller) handle(cmd Command) {
	if cmd.Kind == Unknown {
		return
	}
	debug.Command(cmd.Kind.String(), cmd.Value)

	switch cmd.Kind {
	case Width:
		c.state.SheetWidth = cmd.Value
	case Accel:
		c.state.Acceleration = cmd.Value
		c.planner.SetAcceleration(float64(cmd.Value))
	case Start:
		c.planner.EnableOutputs()
		c.planner.SetCurrentPosition(0)
		c.state.Enabled = true
		c.state.FirstMove = true
		c.state.Right = true
	case Pause:
		c.planner.MoveTo(0)
		c.state.Enabled = false
	case Halt:
		c.planner.MoveTo(0)
		c.planner.DisableOutputs()
		c.planner.Stop()
		c.state.Enabled = false
	case StepRight:
		c.planner.EnableOutputs()
		c.planner.Move(-1)
	case StepLeft:
		c.planner.EnableOutputs()
		c.planner.Move(1)
	}
}

func (c *Controller) nextTarget() {
	if c.state.FirstMove {
		target := c.state.SheetWidth / 2
		c.planner.MoveTo(target)
		c.state.FirstMove = false
		debug.Target(target, "half width")
		return
	}

	if c.state.Right {
		c.planner.MoveTo(c.state.SheetWidth)
		debug.Target(c.state.SheetWidth, "right")
	} else {
		c.planner.MoveTo(-c.state.SheetWidth)
		debug.Target(-c.state.SheetWidth, "left")
	}
	c.state.Right = !c.state.Right
}

func (c *Controller) publish() {
	s := c.state
	c.snap.Store(&Snapshot{
		Phase:        s.Phase(),
		SheetWidth:   s.SheetWidth,
		Acceleration: s.Acceleration,
		Right:        s.Right,
		Enabled:      s.Enabled,
		FirstMove:    s.FirstMove,
		Position:     c.planner.CurrentPosition(),
		Target:       c.planner.TargetPosition(),
		Ticks:        c.ticks,
	})
}
