package oscillation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakePlanner moves one unit toward the target on every Run and records
// every other call.
type fakePlanner struct {
	pos, target int
	enabled     bool
	calls       []string
}

func (p *fakePlanner) record(format string, args ...interface{}) {
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *fakePlanner) MoveTo(absolute int) {
	p.record("MoveTo(%d)", absolute)
	p.target = absolute
}

func (p *fakePlanner) Move(relative int) {
	p.record("Move(%d)", relative)
	p.target = p.pos + relative
}

func (p *fakePlanner) Run() bool {
	switch {
	case p.pos < p.target:
		p.pos++
	case p.pos > p.target:
		p.pos--
	}
	return p.pos != p.target
}

func (p *fakePlanner) Stop()                { p.record("Stop") }
func (p *fakePlanner) DistanceToGo() int    { return p.target - p.pos }
func (p *fakePlanner) TargetPosition() int  { return p.target }
func (p *fakePlanner) CurrentPosition() int { return p.pos }

func (p *fakePlanner) SetCurrentPosition(position int) {
	p.record("SetCurrentPosition(%d)", position)
	p.pos = position
	p.target = position
}

func (p *fakePlanner) SetAcceleration(accel float64) {
	p.record("SetAcceleration(%g)", accel)
}

func (p *fakePlanner) EnableOutputs() {
	p.record("EnableOutputs")
	p.enabled = true
}

func (p *fakePlanner) DisableOutputs() {
	p.record("DisableOutputs")
	p.enabled = false
}

// targets returns the arguments of every MoveTo call, in order.
func (p *fakePlanner) targets() []int {
	var out []int
	for _, c := range p.calls {
		var v int
		if _, err := fmt.Sscanf(c, "MoveTo(%d)", &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func (p *fakePlanner) called(name string) bool {
	for _, c := range p.calls {
		if c == name {
			return true
		}
	}
	return false
}

func newTestController(width int) (*Controller, *fakePlanner, *Queue) {
	p := &fakePlanner{}
	q := NewQueue(DefaultQueueCapacity)
	return NewController(p, q, Options{SheetWidth: width, Acceleration: 1000}), p, q
}

func send(t *testing.T, q *Queue, kind Kind, value int) {
	t.Helper()
	if !q.TrySend(Command{Kind: kind, Value: value}) {
		t.Fatalf("queue full while sending %v", kind)
	}
}

func tickN(c *Controller, n int) {
	for i := 0; i < n; i++ {
		c.Tick()
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestController_WorkedExample(t *testing.T) {
	c, p, q := newTestController(30)
	send(t, q, Start, 0)

	c.Tick()
	if p.target != 15 {
		t.Fatalf("target after start = %d, want 15", p.target)
	}

	// 15 steps to 15, 15 to 30, 60 to -30, 60 to 30, then one more tick
	tickN(c, 150)

	want := []int{15, 30, -30, 30, -30}
	if got := p.targets(); !equalInts(got, want) {
		t.Errorf("targets = %v, want %v", got, want)
	}
}

func TestController_StrictAlternation(t *testing.T) {
	for _, width := range []int{2, 10, 31, 200} {
		t.Run(fmt.Sprintf("width_%d", width), func(t *testing.T) {
			c, p, q := newTestController(width)
			send(t, q, Start, 0)
			tickN(c, 20*width)

			targets := p.targets()
			if len(targets) < 4 {
				t.Fatalf("only %d targets in %d ticks", len(targets), 20*width)
			}
			if targets[0] != width/2 {
				t.Errorf("first target = %d, want %d", targets[0], width/2)
			}
			for i, tgt := range targets[1:] {
				want := width
				if i%2 == 1 {
					want = -width
				}
				if tgt != want {
					t.Fatalf("target[%d] = %d, want %d (all: %v)", i+1, tgt, want, targets)
				}
			}
		})
	}
}

func TestController_StartResetsPosition(t *testing.T) {
	c, p, q := newTestController(30)
	p.pos, p.target = 123, 123

	send(t, q, Start, 0)
	c.Tick()

	wantPrefix := []string{"EnableOutputs", "SetCurrentPosition(0)", "MoveTo(15)"}
	if len(p.calls) < len(wantPrefix) {
		t.Fatalf("calls = %v", p.calls)
	}
	for i, w := range wantPrefix {
		if p.calls[i] != w {
			t.Errorf("call[%d] = %q, want %q", i, p.calls[i], w)
		}
	}
	if !c.State().Enabled || c.State().FirstMove {
		t.Errorf("state after first tick = %+v", c.State())
	}
}

func TestController_RestartBeginsWithHalfWidth(t *testing.T) {
	c, p, q := newTestController(30)
	send(t, q, Start, 0)
	tickN(c, 20) // past 15 and heading for 30
	if c.State().Right {
		t.Fatal("expected the next sweep to go left")
	}

	send(t, q, Start, 0)
	c.Tick()

	targets := p.targets()
	if last := targets[len(targets)-1]; last != 15 {
		t.Errorf("target after restart = %d, want 15", last)
	}
	if !c.State().Right {
		t.Error("restart should reset the direction to right")
	}
}

func TestController_Pause(t *testing.T) {
	c, p, q := newTestController(30)
	send(t, q, Start, 0)
	tickN(c, 20)

	p.calls = nil
	send(t, q, Pause, 0)
	c.Tick()

	if p.target != 0 {
		t.Errorf("target after pause = %d, want 0", p.target)
	}
	if p.called("DisableOutputs") || !p.enabled {
		t.Error("pause must leave the motor powered")
	}
	if c.State().Enabled {
		t.Error("pause should clear Enabled")
	}

	tickN(c, 100)
	if got := p.targets(); !equalInts(got, []int{0}) {
		t.Errorf("targets after pause = %v, want [0]", got)
	}
	if p.pos != 0 {
		t.Errorf("position after pause = %d, want 0", p.pos)
	}
}

func TestController_Halt(t *testing.T) {
	c, p, q := newTestController(30)
	send(t, q, Start, 0)
	tickN(c, 20)

	p.calls = nil
	send(t, q, Halt, 0)
	c.Tick()

	want := []string{"MoveTo(0)", "DisableOutputs", "Stop"}
	if len(p.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", p.calls, want)
	}
	for i := range want {
		if p.calls[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, p.calls[i], want[i])
		}
	}
	if p.enabled {
		t.Error("halt must disable the outputs")
	}
	if c.State().Enabled {
		t.Error("halt should clear Enabled")
	}

	p.calls = nil
	tickN(c, 200)
	if len(p.calls) != 0 {
		t.Errorf("ticks after halt made calls: %v", p.calls)
	}

	send(t, q, Start, 0)
	c.Tick()
	if got := p.targets(); !equalInts(got, []int{15}) {
		t.Errorf("targets after restart = %v, want [15]", got)
	}
}

func TestController_SingleSteps(t *testing.T) {
	cases := []struct {
		name    string
		kind    Kind
		started bool
		delta   int
	}{
		{"right_idle", StepRight, false, -1},
		{"left_idle", StepLeft, false, 1},
		{"right_oscillating", StepRight, true, -1},
		{"left_oscillating", StepLeft, true, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, p, q := newTestController(30)
			if tc.started {
				send(t, q, Start, 0)
				tickN(c, 5)
			}
			enabledBefore := c.State().Enabled
			posBefore := p.pos

			p.calls = nil
			send(t, q, tc.kind, 0)
			c.Tick()

			wantCalls := []string{"EnableOutputs", fmt.Sprintf("Move(%d)", tc.delta)}
			if len(p.calls) != 2 || p.calls[0] != wantCalls[0] || p.calls[1] != wantCalls[1] {
				t.Errorf("calls = %v, want %v", p.calls, wantCalls)
			}
			if p.target != posBefore+tc.delta {
				t.Errorf("target = %d, want %d", p.target, posBefore+tc.delta)
			}
			if c.State().Enabled != enabledBefore {
				t.Error("a single step must not change the oscillation state")
			}
		})
	}
}

func TestController_SingleStepIdleCompletes(t *testing.T) {
	c, p, q := newTestController(30)
	send(t, q, StepLeft, 0)
	tickN(c, 10)
	if p.pos != 1 {
		t.Errorf("position = %d, want 1", p.pos)
	}
	send(t, q, StepRight, 0)
	send(t, q, StepRight, 0)
	tickN(c, 10)
	if p.pos != -1 {
		t.Errorf("position = %d, want -1", p.pos)
	}
}

func TestController_WidthAppliesToNextTarget(t *testing.T) {
	c, p, q := newTestController(30)
	send(t, q, Start, 0)
	c.Tick() // target 15, position 1

	send(t, q, Width, 100)
	c.Tick()
	if p.target != 15 {
		t.Fatalf("in-flight target changed to %d", p.target)
	}
	if c.State().SheetWidth != 100 {
		t.Errorf("SheetWidth = %d, want 100", c.State().SheetWidth)
	}

	tickN(c, 14)
	want := []int{15, 100}
	if got := p.targets(); !equalInts(got, want) {
		t.Errorf("targets = %v, want %v", got, want)
	}
}

func TestController_Accel(t *testing.T) {
	c, p, q := newTestController(30)
	send(t, q, Accel, 2500)
	c.Tick()

	if !p.called("SetAcceleration(2500)") {
		t.Errorf("calls = %v, want SetAcceleration(2500)", p.calls)
	}
	if c.State().Acceleration != 2500 {
		t.Errorf("Acceleration = %d, want 2500", c.State().Acceleration)
	}
	if c.State().Enabled {
		t.Error("accel must not start oscillating")
	}
}

func TestController_UnknownIgnored(t *testing.T) {
	c, p, q := newTestController(30)
	before := c.State()

	for _, text := range []string{"x", "start", "S", "", "w1"} {
		if !q.TrySend(Decode(Message{Command: text, Value: 7})) {
			t.Fatal("queue full")
		}
	}
	tickN(c, 5)

	if len(p.calls) != 0 {
		t.Errorf("unknown commands reached the planner: %v", p.calls)
	}
	if c.State() != before {
		t.Errorf("state changed: %+v -> %+v", before, c.State())
	}
}

func TestController_OneCommandPerTick(t *testing.T) {
	c, _, q := newTestController(30)
	send(t, q, Width, 10)
	send(t, q, Width, 20)

	c.Tick()
	if c.State().SheetWidth != 10 {
		t.Errorf("SheetWidth after one tick = %d, want 10", c.State().SheetWidth)
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}
	c.Tick()
	if c.State().SheetWidth != 20 {
		t.Errorf("SheetWidth after two ticks = %d, want 20", c.State().SheetWidth)
	}
}

func TestController_IdleDoesNotMove(t *testing.T) {
	c, p, _ := newTestController(30)
	tickN(c, 50)
	if len(p.calls) != 0 || p.pos != 0 {
		t.Errorf("idle controller moved: calls=%v pos=%d", p.calls, p.pos)
	}
}

func TestController_Snapshot(t *testing.T) {
	c, _, q := newTestController(30)

	s := c.Snapshot()
	if s.Phase != PhaseIdle || s.SheetWidth != 30 || s.Acceleration != 1000 {
		t.Errorf("initial snapshot = %+v", s)
	}

	send(t, q, Start, 0)
	c.Tick()
	s = c.Snapshot()
	if s.Phase != PhaseOscillating || s.Target != 15 || s.Position != 1 || s.Ticks != 1 {
		t.Errorf("snapshot after start = %+v", s)
	}
}

func TestState_Phase(t *testing.T) {
	cases := []struct {
		state State
		want  Phase
	}{
		{State{}, PhaseIdle},
		{State{FirstMove: true}, PhaseIdle},
		{State{Enabled: true, FirstMove: true}, PhaseFirstMove},
		{State{Enabled: true}, PhaseOscillating},
	}
	for _, tc := range cases {
		if got := tc.state.Phase(); got != tc.want {
			t.Errorf("%+v.Phase() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestController_RunStopsOnCancel(t *testing.T) {
	p := &fakePlanner{}
	q := NewQueue(4)
	c := NewController(p, q, Options{SheetWidth: 30, Tick: time.Millisecond})
	send(t, q, Start, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for c.Snapshot().Position < 3 {
		select {
		case <-deadline:
			t.Fatal("loop did not advance")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if p.enabled {
		t.Error("outputs should be disabled after Run returns")
	}
	if c.Snapshot().Enabled {
		t.Error("snapshot should report the loop disabled")
	}
	if last := p.calls[len(p.calls)-1]; !strings.HasPrefix(last, "DisableOutputs") {
		t.Errorf("last call = %q, want DisableOutputs", last)
	}
}
