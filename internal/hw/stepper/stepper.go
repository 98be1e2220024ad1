package stepper

import (
	"math"
	"time"

	"github.com/cjeanneret/SheetSweep/internal/debug"
	"github.com/cjeanneret/SheetSweep/internal/hw/gpio"
)

// Clock is a monotonic time source. Injected so tests can drive time.
type Clock interface {
	Now() time.Duration
}

type monotonicClock struct {
	start time.Time
}

func (c monotonicClock) Now() time.Duration {
	return time.Since(c.start)
}

// Config holds the wiring of a STEP/DIR stepper driver (TMC2130, A4988, ...).
type Config struct {
	StepPin       int
	DirPin        int
	MinPulseWidth time.Duration // STEP high time. 0 defaults to 1µs.
	Clock         Clock         // nil uses the wall clock
}

// Stepper is an acceleration-aware motion planner for a STEP/DIR driver.
//
// Speed follows a constant acceleration ramp computed step by step with the
// recurrence from D. Austin, "Generate stepper-motor speed profiles in real
// time" (2005). Run must be called as often as possible; each call emits at
// most one step, and only when the current step interval has elapsed.
//
// Positions are in microsteps, speeds in steps per second, accelerations in
// steps per second per second. Positive positions are clockwise (DIR high).
type Stepper struct {
	gpio  gpio.Driver
	clock Clock

	stepPin   int
	dirPin    int
	enablePin int // 0 = not used

	invertStep   bool
	invertDir    bool
	invertEnable bool

	minPulseWidth time.Duration

	currentPos int
	targetPos  int
	forward    bool

	speed        float64 // steps/s, negative when moving backward
	maxSpeed     float64
	acceleration float64

	stepInterval time.Duration
	lastStepTime time.Duration

	// Ramp state. n is the step number within the ramp, negative while
	// decelerating; c0, cn and cmin are step intervals in microseconds.
	n    int
	c0   float64
	cn   float64
	cmin float64
}

// NewStepper creates a planner at position 0 with max speed and
// acceleration of 1. The STEP and DIR pins are configured as outputs.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	pulse := cfg.MinPulseWidth
	if pulse <= 0 {
		pulse = 1 * time.Microsecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = monotonicClock{start: time.Now()}
	}

	s := &Stepper{
		gpio:          g,
		clock:         clock,
		stepPin:       cfg.StepPin,
		dirPin:        cfg.DirPin,
		minPulseWidth: pulse,
		forward:       true,
	}
	s.SetMaxSpeed(1)
	s.SetAcceleration(1)
	return s
}

// SetMaxSpeed sets the speed ceiling in steps per second. Negative values
// are made positive, 0 is ignored. Safe to call while moving.
func (s *Stepper) SetMaxSpeed(speed float64) {
	speed = math.Abs(speed)
	if speed == 0 || s.maxSpeed == speed {
		return
	}
	s.maxSpeed = speed
	s.cmin = 1e6 / speed
	// Recompute the ramp if we are currently accelerating
	if s.n > 0 {
		s.n = int(s.speed * s.speed / (2.0 * s.acceleration))
		s.computeNewSpeed()
	}
}

// MaxSpeed returns the configured speed ceiling.
func (s *Stepper) MaxSpeed() float64 {
	return s.maxSpeed
}

// SetAcceleration sets the acceleration/deceleration rate. 0 is ignored and
// negative values are made positive.
func (s *Stepper) SetAcceleration(accel float64) {
	if accel == 0 {
		return
	}
	accel = math.Abs(accel)
	if s.acceleration == accel {
		return
	}
	// Rescale the ramp position so the current speed is kept
	if s.acceleration != 0 {
		s.n = int(float64(s.n) * (s.acceleration / accel))
	}
	// Equation 15, with the 0.676 correction from equation 7
	s.c0 = 0.676 * math.Sqrt(2.0/accel) * 1e6
	s.acceleration = accel
	s.computeNewSpeed()
}

// Acceleration returns the configured acceleration.
func (s *Stepper) Acceleration() float64 {
	return s.acceleration
}

// SetSpeed sets a constant speed for RunSpeed, clamped to the max speed.
func (s *Stepper) SetSpeed(speed float64) {
	if speed == s.speed {
		return
	}
	speed = math.Max(-s.maxSpeed, math.Min(speed, s.maxSpeed))
	if speed == 0 {
		s.stepInterval = 0
	} else {
		s.stepInterval = micros(math.Abs(1e6 / speed))
		s.forward = speed > 0
	}
	s.speed = speed
}

// Speed returns the most recent speed in steps per second.
func (s *Stepper) Speed() float64 {
	return s.speed
}

// SetEnablePin configures the driver enable line and drives it to the
// "enabled" level for the current inversion setting.
func (s *Stepper) SetEnablePin(pin int) {
	s.enablePin = pin
	if pin <= 0 {
		return
	}
	_ = s.gpio.SetupPin(pin, gpio.Output)
	s.write(pin, gpio.High, s.invertEnable)
}

// SetPinsInverted sets the active level of each line. It does not rewrite
// the pins; the new polarity applies from the next write.
func (s *Stepper) SetPinsInverted(dir, step, enable bool) {
	s.invertDir = dir
	s.invertStep = step
	s.invertEnable = enable
}

// EnableOutputs powers the driver (holding torque).
func (s *Stepper) EnableOutputs() {
	_ = s.gpio.SetupPin(s.stepPin, gpio.Output)
	_ = s.gpio.SetupPin(s.dirPin, gpio.Output)
	if s.enablePin > 0 {
		s.write(s.enablePin, gpio.High, s.invertEnable)
	}
}

// DisableOutputs drops STEP/DIR and releases the driver. The motor freewheels.
func (s *Stepper) DisableOutputs() {
	s.write(s.stepPin, gpio.Low, s.invertStep)
	s.write(s.dirPin, gpio.Low, s.invertDir)
	if s.enablePin > 0 {
		s.write(s.enablePin, gpio.Low, s.invertEnable)
	}
}

// MoveTo sets an absolute target. The move happens through Run.
func (s *Stepper) MoveTo(absolute int) {
	if s.targetPos != absolute {
		s.targetPos = absolute
		s.computeNewSpeed()
	}
}

// Move sets a target relative to the current position.
func (s *Stepper) Move(relative int) {
	s.MoveTo(s.currentPos + relative)
}

// DistanceToGo returns the remaining distance to the target. Positive is clockwise.
func (s *Stepper) DistanceToGo() int {
	return s.targetPos - s.currentPos
}

// TargetPosition returns the most recent target.
func (s *Stepper) TargetPosition() int {
	return s.targetPos
}

// CurrentPosition returns the position in steps.
func (s *Stepper) CurrentPosition() int {
	return s.currentPos
}

// SetCurrentPosition redefines the current position (e.g. as a new zero).
// The target follows and the motor is considered stopped.
func (s *Stepper) SetCurrentPosition(position int) {
	s.targetPos = position
	s.currentPos = position
	s.n = 0
	s.stepInterval = 0
	s.speed = 0
}

// Stop sets a new target so the motor comes to rest as quickly as the
// current acceleration allows.
func (s *Stepper) Stop() {
	if s.speed == 0 {
		return
	}
	stepsToStop := int(s.speed*s.speed/(2.0*s.acceleration)) + 1
	if s.speed > 0 {
		s.Move(stepsToStop)
	} else {
		s.Move(-stepsToStop)
	}
}

// IsRunning reports whether the motor is moving or has somewhere to go.
func (s *Stepper) IsRunning() bool {
	return !(s.speed == 0 && s.targetPos == s.currentPos)
}

// Run steps the motor once if a step is due and updates the ramp.
// It returns true while the motor is still moving toward the target.
func (s *Stepper) Run() bool {
	if s.RunSpeed() {
		s.computeNewSpeed()
	}
	return s.speed != 0 || s.DistanceToGo() != 0
}

// RunSpeed steps once if the current step interval has elapsed, with no
// acceleration. Returns true if a step occurred.
func (s *Stepper) RunSpeed() bool {
	if s.stepInterval == 0 {
		return false
	}

	now := s.clock.Now()
	if now-s.lastStepTime < s.stepInterval {
		return false
	}

	if s.forward {
		s.currentPos++
	} else {
		s.currentPos--
	}
	s.step()
	s.lastStepTime = now
	return true
}

// computeNewSpeed works out the interval to the next step, accelerating or
// decelerating toward the target as needed.
func (s *Stepper) computeNewSpeed() {
	distanceTo := s.DistanceToGo()
	stepsToStop := int(s.speed * s.speed / (2.0 * s.acceleration))

	if distanceTo == 0 && stepsToStop <= 1 {
		// At the target and slow enough to stop
		s.stepInterval = 0
		s.speed = 0
		s.n = 0
		return
	}

	if distanceTo > 0 {
		// Target is clockwise
		if s.n > 0 {
			if stepsToStop >= distanceTo || !s.forward {
				s.n = -stepsToStop // start decelerating
			}
		} else if s.n < 0 {
			if stepsToStop < distanceTo && s.forward {
				s.n = -s.n // start accelerating again
			}
		}
	} else if distanceTo < 0 {
		// Target is anticlockwise
		if s.n > 0 {
			if stepsToStop >= -distanceTo || s.forward {
				s.n = -stepsToStop
			}
		} else if s.n < 0 {
			if stepsToStop < -distanceTo && !s.forward {
				s.n = -s.n
			}
		}
	}

	if s.n == 0 {
		// First step from stopped
		s.cn = s.c0
		s.forward = distanceTo > 0
	} else {
		// Equation 13
		s.cn = s.cn - (2.0*s.cn)/(4.0*float64(s.n)+1)
		s.cn = math.Max(s.cn, s.cmin)
	}
	s.n++
	s.stepInterval = micros(s.cn)
	s.speed = 1e6 / s.cn
	if !s.forward {
		s.speed = -s.speed
	}
}

// step emits one STEP pulse in the current direction.
func (s *Stepper) step() {
	s.write(s.dirPin, gpio.Level(s.forward), s.invertDir)
	s.write(s.stepPin, gpio.High, s.invertStep)
	time.Sleep(s.minPulseWidth)
	s.write(s.stepPin, gpio.Low, s.invertStep)
}

func (s *Stepper) write(pin int, level gpio.Level, inverted bool) {
	if inverted {
		level = !level
	}
	if err := s.gpio.WritePin(pin, level); err != nil {
		debug.Trace("stepper: write pin %d: %v", pin, err)
	}
}

// micros converts a step interval in microseconds, truncated to whole
// microseconds, to a Duration.
func micros(us float64) time.Duration {
	return time.Duration(us) * time.Microsecond
}
