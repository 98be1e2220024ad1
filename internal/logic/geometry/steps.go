package geometry

import (
	"math"

	"github.com/cjeanneret/SheetSweep/internal/config"
)

// StepsCalculator converts head travel to motor microsteps. The head sits
// at the end of an arm, so a distance along the sheet is an arc of the
// motor shaft.
type StepsCalculator struct {
	stepsPerDegree float64
	armRadiusMm    float64
}

// NewStepsCalculator creates a step calculator from configuration.
func NewStepsCalculator(cfg *config.Config) *StepsCalculator {
	microstepsPerRev := float64(cfg.MicrostepsPerRev())
	return &StepsCalculator{
		stepsPerDegree: microstepsPerRev / 360.0,
		armRadiusMm:    cfg.Mechanics.ArmRadiusMm,
	}
}

// StepsFromAngle converts a shaft rotation (in degrees) to microsteps.
func (s *StepsCalculator) StepsFromAngle(angleDegrees float64) int {
	return int(angleDegrees * s.stepsPerDegree)
}

// StepsFromArc converts a head travel in mm to microsteps:
// mm / (2π·r) · microsteps per revolution. Returns 0 without an arm radius.
func (s *StepsCalculator) StepsFromArc(mm float64) int {
	if s.armRadiusMm <= 0 {
		return 0
	}
	angle := mm / s.armRadiusMm * 180.0 / math.Pi
	return s.StepsFromAngle(angle)
}

// ArcFromSteps converts microsteps back to head travel in mm.
func (s *StepsCalculator) ArcFromSteps(steps int) float64 {
	if s.stepsPerDegree == 0 {
		return 0
	}
	angle := float64(steps) / s.stepsPerDegree
	return angle * math.Pi / 180.0 * s.armRadiusMm
}

// SheetWidthSteps returns the configured sweep width in microsteps, from
// sheet_width_mm when it is set, otherwise sheet_width_steps.
func (s *StepsCalculator) SheetWidthSteps(cfg *config.Config) int {
	if cfg.SheetWidthFromMm() {
		return s.StepsFromArc(cfg.Oscillation.SheetWidthMm)
	}
	return cfg.Oscillation.SheetWidthSteps
}
