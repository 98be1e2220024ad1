// Package motion prepares the drive train before the oscillation loop runs:
// electrical settings on the stepper driver, speed limits and pin polarity
// on the motion planner.
package motion

import (
	"fmt"

	"github.com/cjeanneret/SheetSweep/internal/debug"
)

// Driver is the configuration side of the stepper driver chip.
// *tmc2130.Device implements it.
type Driver interface {
	Begin() error
	SetRMSCurrent(mA int) error
	SetStealthChop(on bool) error
	SetStealthAutoscale(on bool) error
	SetMicrosteps(steps int) error
	SetHighSpeedMode(on bool) error
}

// Planner is the configuration side of the motion planner.
// *stepper.Stepper implements it.
type Planner interface {
	SetMaxSpeed(speed float64)
	SetAcceleration(accel float64)
	SetEnablePin(pin int)
	SetPinsInverted(dir, step, enable bool)
}

// Settings groups the values applied by Configure.
type Settings struct {
	RMSCurrentMA     int
	Microsteps       int
	StealthChop      bool
	StealthAutoscale bool
	HighSpeedMode    bool

	MaxSpeed     float64 // steps/s
	Acceleration float64 // steps/s²
	EnablePin    int
	InvertDir    bool
	InvertStep   bool
	InvertEnable bool
}

// DefaultSettings returns the values the head was tuned with: 600 mA,
// 1/32 microsteps, quiet stepping, 8000 steps/s and 1000 steps/s².
func DefaultSettings() Settings {
	return Settings{
		RMSCurrentMA:     600,
		Microsteps:       32,
		StealthChop:      true,
		StealthAutoscale: true,
		HighSpeedMode:    true,
		MaxSpeed:         8000,
		Acceleration:     1000,
		EnablePin:        22,
		InvertEnable:     true,
	}
}

// Configure applies s to the driver, then to the planner. It runs once,
// before the first tick.
func Configure(driver Driver, planner Planner, s Settings) error {
	debug.Section("Driver configuration")

	debug.Step(1, "Driver init")
	if err := driver.Begin(); err != nil {
		return fmt.Errorf("motion: driver init: %w", err)
	}

	debug.Step(2, fmt.Sprintf("Run current %d mA", s.RMSCurrentMA))
	if err := driver.SetRMSCurrent(s.RMSCurrentMA); err != nil {
		return fmt.Errorf("motion: set current: %w", err)
	}

	debug.Step(3, fmt.Sprintf("stealthChop=%v autoscale=%v", s.StealthChop, s.StealthAutoscale))
	if err := driver.SetStealthChop(s.StealthChop); err != nil {
		return fmt.Errorf("motion: stealthChop: %w", err)
	}
	if err := driver.SetStealthAutoscale(s.StealthAutoscale); err != nil {
		return fmt.Errorf("motion: stealth autoscale: %w", err)
	}

	debug.Step(4, fmt.Sprintf("1/%d microsteps", s.Microsteps))
	if err := driver.SetMicrosteps(s.Microsteps); err != nil {
		return fmt.Errorf("motion: microsteps: %w", err)
	}

	debug.Step(5, fmt.Sprintf("High speed mode=%v", s.HighSpeedMode))
	if err := driver.SetHighSpeedMode(s.HighSpeedMode); err != nil {
		return fmt.Errorf("motion: high speed mode: %w", err)
	}

	debug.Step(6, fmt.Sprintf("Planner max speed %.0f steps/s, acceleration %.0f steps/s²", s.MaxSpeed, s.Acceleration))
	planner.SetMaxSpeed(s.MaxSpeed)
	planner.SetAcceleration(s.Acceleration)

	// The enable pin is driven before the polarity changes, so the motor
	// starts released when the enable line is active low.
	planner.SetEnablePin(s.EnablePin)
	planner.SetPinsInverted(s.InvertDir, s.InvertStep, s.InvertEnable)

	debug.Info("Drive train configured (%d mA, 1/%d, %.0f steps/s)", s.RMSCurrentMA, s.Microsteps, s.MaxSpeed)
	return nil
}
