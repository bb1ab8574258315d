package geometry

import (
	"time"

	"github.com/cjeanneret/PanBot/internal/config"
)

// StepsCalculator converts pan angles and rates to motor steps.
type StepsCalculator struct {
	panStepsPerDegree float64
	stepPeriod        time.Duration
}

// NewStepsCalculator creates a step calculator from configuration.
func NewStepsCalculator(cfg *config.Config) *StepsCalculator {
	panMicrostepsPerRev := float64(cfg.PanStepper.StepsPerRev * cfg.PanStepper.Microstepping)
	return &StepsCalculator{
		panStepsPerDegree: panMicrostepsPerRev / 360.0,
		// one step is a full STEP pulse: two half-cycles of move_speed_ms/2
		stepPeriod: cfg.MoveSpeed(),
	}
}

// PanStepsFromAngle converts a horizontal angle (in degrees) to motor steps.
func (s *StepsCalculator) PanStepsFromAngle(angleDegrees float64) int {
	return int(angleDegrees * s.panStepsPerDegree)
}

// PanDegreesPerStep is the angular resolution of the pan axis, and so of its
// open-loop odometry.
func (s *StepsCalculator) PanDegreesPerStep() float64 {
	if s.panStepsPerDegree == 0 {
		return 0
	}
	return 1 / s.panStepsPerDegree
}

// MaxPanVelocityDPS is the fastest rotation the pan axis can pulse at.
// Commands above it are clamped by the stepper.
func (s *StepsCalculator) MaxPanVelocityDPS() float64 {
	if s.stepPeriod <= 0 || s.panStepsPerDegree == 0 {
		return 0
	}
	return float64(time.Second) / float64(s.stepPeriod) / s.panStepsPerDegree
}
