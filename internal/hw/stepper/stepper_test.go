package stepper

import (
	"math"
	"testing"
	"time"

	"github.com/cjeanneret/SheetSweep/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls []gpioCall
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

func (d *recordingDriver) pulses(pin int) int {
	n := 0
	for _, c := range d.writeCallsForPin(pin) {
		if c.level == gpio.High {
			n++
		}
	}
	return n
}

// fakeClock is advanced by hand.
type fakeClock struct {
	now time.Duration
}

func (c *fakeClock) Now() time.Duration { return c.now }

const (
	stepPin   = 9
	dirPin    = 8
	enablePin = 7
)

func newTestStepper(maxSpeed, accel float64) (*Stepper, *recordingDriver, *fakeClock) {
	drv := &recordingDriver{}
	clk := &fakeClock{now: time.Second}
	s := NewStepper(drv, Config{
		StepPin:       stepPin,
		DirPin:        dirPin,
		MinPulseWidth: time.Nanosecond,
		Clock:         clk,
	})
	s.SetMaxSpeed(maxSpeed)
	s.SetAcceleration(accel)
	drv.calls = nil
	return s, drv, clk
}

// runToTarget calls Run in 50µs increments until the motor stops.
func runToTarget(t *testing.T, s *Stepper, clk *fakeClock) {
	t.Helper()
	for i := 0; i < 10_000_000; i++ {
		if !s.Run() {
			return
		}
		clk.now += 50 * time.Microsecond
	}
	t.Fatalf("motor did not stop: pos=%d target=%d speed=%v", s.CurrentPosition(), s.TargetPosition(), s.Speed())
}

func TestStepper_Defaults(t *testing.T) {
	s := NewStepper(&recordingDriver{}, Config{StepPin: stepPin, DirPin: dirPin})
	if s.MaxSpeed() != 1 {
		t.Errorf("default max speed = %v, want 1", s.MaxSpeed())
	}
	if s.Acceleration() != 1 {
		t.Errorf("default acceleration = %v, want 1", s.Acceleration())
	}
	if s.minPulseWidth != time.Microsecond {
		t.Errorf("default pulse width = %v, want 1µs", s.minPulseWidth)
	}
	if s.IsRunning() {
		t.Error("new stepper should not be running")
	}
}

func TestStepper_MoveToReachesTarget(t *testing.T) {
	s, drv, clk := newTestStepper(1000, 1000)

	s.MoveTo(100)
	if got := s.DistanceToGo(); got != 100 {
		t.Fatalf("DistanceToGo = %d, want 100", got)
	}
	runToTarget(t, s, clk)

	if s.CurrentPosition() != 100 {
		t.Errorf("position = %d, want 100", s.CurrentPosition())
	}
	if s.DistanceToGo() != 0 {
		t.Errorf("DistanceToGo = %d, want 0", s.DistanceToGo())
	}
	if s.Speed() != 0 {
		t.Errorf("speed = %v, want 0 at rest", s.Speed())
	}
	if n := drv.pulses(stepPin); n != 100 {
		t.Errorf("step pulses = %d, want 100", n)
	}
}

func TestStepper_MoveBackwardSetsDirLow(t *testing.T) {
	s, drv, clk := newTestStepper(1000, 1000)

	s.Move(-5)
	runToTarget(t, s, clk)

	if s.CurrentPosition() != -5 {
		t.Errorf("position = %d, want -5", s.CurrentPosition())
	}
	for _, c := range drv.writeCallsForPin(dirPin) {
		if c.level != gpio.Low {
			t.Fatalf("dir pin should stay LOW while moving backward, got %v", c.level)
		}
	}
	if n := drv.pulses(stepPin); n != 5 {
		t.Errorf("step pulses = %d, want 5", n)
	}
}

func TestStepper_SingleStep(t *testing.T) {
	s, drv, clk := newTestStepper(8000, 1000)

	s.Move(1)
	runToTarget(t, s, clk)

	if s.CurrentPosition() != 1 {
		t.Errorf("position = %d, want 1", s.CurrentPosition())
	}
	stepCalls := drv.writeCallsForPin(stepPin)
	if len(stepCalls) != 2 {
		t.Fatalf("single step should produce 2 writes on step pin, got %d", len(stepCalls))
	}
	if stepCalls[0].level != gpio.High || stepCalls[1].level != gpio.Low {
		t.Errorf("pulse pattern = %v, want HIGH then LOW", stepCalls)
	}
}

func TestStepper_FirstIntervalFollowsAcceleration(t *testing.T) {
	s, _, _ := newTestStepper(8000, 1000)

	s.MoveTo(1000)

	// c0 = 0.676 * sqrt(2/a) seconds
	want := time.Duration(0.676*math.Sqrt(2.0/1000)*1e6) * time.Microsecond
	if s.stepInterval != want {
		t.Errorf("first step interval = %v, want %v", s.stepInterval, want)
	}
}

func TestStepper_Accelerates(t *testing.T) {
	s, _, clk := newTestStepper(8000, 1000)

	s.MoveTo(1000)
	prev := s.stepInterval
	steps := 0
	for steps < 20 {
		if s.RunSpeed() {
			s.computeNewSpeed()
			steps++
			if s.stepInterval > prev {
				t.Fatalf("interval grew during acceleration: %v -> %v", prev, s.stepInterval)
			}
			prev = s.stepInterval
		}
		clk.now += 10 * time.Microsecond
	}
	if s.Speed() <= 0 {
		t.Errorf("speed = %v, want > 0", s.Speed())
	}
}

func TestStepper_SpeedNeverExceedsMax(t *testing.T) {
	s, _, clk := newTestStepper(500, 5000)

	s.MoveTo(2000)
	for s.Run() {
		if math.Abs(s.Speed()) > 500*(1+1e-9) {
			t.Fatalf("speed %v exceeds max 500", s.Speed())
		}
		clk.now += 20 * time.Microsecond
	}
	if s.CurrentPosition() != 2000 {
		t.Errorf("position = %d, want 2000", s.CurrentPosition())
	}
}

func TestStepper_RetargetMidMove(t *testing.T) {
	s, _, clk := newTestStepper(2000, 2000)

	s.MoveTo(500)
	for i := 0; i < 2000; i++ {
		s.Run()
		clk.now += 50 * time.Microsecond
	}
	if s.CurrentPosition() <= 0 {
		t.Fatal("motor should have moved forward")
	}

	s.MoveTo(-200)
	runToTarget(t, s, clk)
	if s.CurrentPosition() != -200 {
		t.Errorf("position = %d, want -200", s.CurrentPosition())
	}
}

func TestStepper_SetCurrentPosition(t *testing.T) {
	s, _, clk := newTestStepper(1000, 1000)

	s.MoveTo(300)
	for i := 0; i < 500; i++ {
		s.Run()
		clk.now += 50 * time.Microsecond
	}

	s.SetCurrentPosition(0)
	if s.CurrentPosition() != 0 || s.TargetPosition() != 0 {
		t.Errorf("pos/target = %d/%d, want 0/0", s.CurrentPosition(), s.TargetPosition())
	}
	if s.Speed() != 0 {
		t.Errorf("speed = %v, want 0", s.Speed())
	}
	if s.Run() {
		t.Error("Run should report stopped after SetCurrentPosition")
	}
}

func TestStepper_StopDecelerates(t *testing.T) {
	s, _, clk := newTestStepper(1000, 500)

	s.MoveTo(10_000)
	for i := 0; i < 20_000; i++ {
		s.Run()
		clk.now += 50 * time.Microsecond
	}
	speed := s.Speed()
	if speed <= 0 {
		t.Fatalf("expected motor moving forward, speed=%v", speed)
	}

	pos := s.CurrentPosition()
	s.Stop()
	wantTarget := pos + int(speed*speed/(2*500)) + 1
	if s.TargetPosition() != wantTarget {
		t.Errorf("target after Stop = %d, want %d", s.TargetPosition(), wantTarget)
	}

	runToTarget(t, s, clk)
	if s.CurrentPosition() != wantTarget {
		t.Errorf("stopped at %d, want %d", s.CurrentPosition(), wantTarget)
	}
}

func TestStepper_StopAtRestIsNoop(t *testing.T) {
	s, _, _ := newTestStepper(1000, 1000)

	s.Stop()
	if s.TargetPosition() != 0 {
		t.Errorf("target = %d, want 0", s.TargetPosition())
	}
}

func TestStepper_SetAcceleration(t *testing.T) {
	s, _, _ := newTestStepper(1000, 1000)

	s.SetAcceleration(0)
	if s.Acceleration() != 1000 {
		t.Errorf("zero acceleration should be ignored, got %v", s.Acceleration())
	}

	s.SetAcceleration(-250)
	if s.Acceleration() != 250 {
		t.Errorf("acceleration = %v, want 250", s.Acceleration())
	}
}

func TestStepper_SetMaxSpeedNegative(t *testing.T) {
	s, _, _ := newTestStepper(1000, 1000)

	s.SetMaxSpeed(-4000)
	if s.MaxSpeed() != 4000 {
		t.Errorf("max speed = %v, want 4000", s.MaxSpeed())
	}
}

func TestStepper_RunSpeedConstant(t *testing.T) {
	s, drv, clk := newTestStepper(1000, 1000)

	s.SetSpeed(-100) // one step every 10ms, backward
	for i := 0; i < 10; i++ {
		clk.now += 10 * time.Millisecond
		if !s.RunSpeed() {
			t.Fatalf("iteration %d: expected a step", i)
		}
	}
	if s.CurrentPosition() != -10 {
		t.Errorf("position = %d, want -10", s.CurrentPosition())
	}
	if n := drv.pulses(stepPin); n != 10 {
		t.Errorf("pulses = %d, want 10", n)
	}

	s.SetSpeed(5000)
	if s.Speed() != 1000 {
		t.Errorf("speed should clamp to max 1000, got %v", s.Speed())
	}
}

func TestStepper_EnableDisable(t *testing.T) {
	cases := []struct {
		name        string
		invert      bool
		wantEnable  gpio.Level
		wantDisable gpio.Level
	}{
		{"active_high", false, gpio.High, gpio.Low},
		{"active_low", true, gpio.Low, gpio.High},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, drv, _ := newTestStepper(1000, 1000)
			s.SetEnablePin(enablePin)
			s.SetPinsInverted(false, false, tc.invert)
			drv.calls = nil

			s.EnableOutputs()
			calls := drv.writeCallsForPin(enablePin)
			if len(calls) != 1 || calls[0].level != tc.wantEnable {
				t.Errorf("EnableOutputs wrote %v, want %v", calls, tc.wantEnable)
			}

			drv.calls = nil
			s.DisableOutputs()
			calls = drv.writeCallsForPin(enablePin)
			if len(calls) != 1 || calls[0].level != tc.wantDisable {
				t.Errorf("DisableOutputs wrote %v, want %v", calls, tc.wantDisable)
			}
		})
	}
}

func TestStepper_SetEnablePinWritesBeforeInversion(t *testing.T) {
	s, drv, _ := newTestStepper(1000, 1000)

	s.SetEnablePin(enablePin)
	s.SetPinsInverted(false, false, true)

	calls := drv.writeCallsForPin(enablePin)
	if len(calls) != 1 || calls[0].level != gpio.High {
		t.Errorf("SetEnablePin should drive HIGH once, got %v", calls)
	}
}

func TestStepper_NoEnablePin(t *testing.T) {
	s, drv, _ := newTestStepper(1000, 1000)

	s.EnableOutputs()
	s.DisableOutputs()

	for _, c := range drv.calls {
		if c.op == "write" && c.pin != stepPin && c.pin != dirPin {
			t.Errorf("unexpected write to pin %d without enable pin", c.pin)
		}
	}
}

func TestStepper_InvertedStepAndDir(t *testing.T) {
	s, drv, clk := newTestStepper(1000, 1000)
	s.SetPinsInverted(true, true, false)

	s.Move(1)
	runToTarget(t, s, clk)

	dir := drv.writeCallsForPin(dirPin)
	if len(dir) == 0 || dir[0].level != gpio.Low {
		t.Errorf("inverted forward dir should be LOW, got %v", dir)
	}
	step := drv.writeCallsForPin(stepPin)
	if len(step) != 2 || step[0].level != gpio.Low || step[1].level != gpio.High {
		t.Errorf("inverted step pulse should be LOW then HIGH, got %v", step)
	}
}
