package stepper

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/PanBot/internal/debug"
	"github.com/cjeanneret/PanBot/internal/hw/gpio"
)

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	StepPin       int
	DirPin        int
	EnablePin     int // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepsPerRev   int
	Microstepping int
	StepDelay     time.Duration // delay per half-cycle of STEP pulse. Total step = 2*StepDelay.
}

// Stepper drives a stepper motor continuously at an angular rate. It counts
// every pulse it emits, so its position doubles as open-loop odometry for the
// axis.
type Stepper struct {
	gpio        gpio.Driver
	cfg         Config
	delay       time.Duration // delay between STEP pulse half-cycles
	stepsPerDeg float64

	position atomic.Int64 // signed microsteps since construction

	mu       sync.Mutex
	velocity float64 // commanded deg/s, 0 when halted
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
}

// NewStepper creates a new stepper motor controller.
// cfg.StepDelay: if 0, defaults to 1ms. For A4988, use cfg.Defaults.MoveSpeedMs/2 per half-cycle.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}
	microsteps := cfg.StepsPerRev * cfg.Microstepping
	if microsteps <= 0 {
		microsteps = 200 * 16
	}

	s := &Stepper{
		gpio:        g,
		cfg:         cfg,
		delay:       delay,
		stepsPerDeg: float64(microsteps) / 360.0,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

// Run starts (or retargets) continuous rotation at degPerSec. Positive is the
// forward direction. Zero halts the motor. Run returns once the pulse loop is
// started; it does not wait for any motion.
func (s *Stepper) Run(degPerSec float64) error {
	if math.IsNaN(degPerSec) || math.IsInf(degPerSec, 0) {
		return errors.Errorf("invalid angular rate %v", degPerSec)
	}
	if err := s.Halt(); err != nil {
		return err
	}
	if degPerSec == 0 {
		return nil
	}

	if err := s.Enable(); err != nil {
		return errors.Wrap(err, "enable driver")
	}
	dirLevel, sign, direction := directionFor(degPerSec)
	if err := s.gpio.WritePin(s.cfg.DirPin, dirLevel); err != nil {
		return errors.Wrap(err, "set direction")
	}

	period := time.Duration(float64(time.Second) / (math.Abs(degPerSec) * s.stepsPerDeg))
	if minPeriod := 2 * s.delay; period < minPeriod {
		debug.Verbose("Stepper: %.2f deg/s exceeds pulse budget, clamping to %v/step", degPerSec, minPeriod)
		period = minPeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.velocity = degPerSec
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	debug.Printf("Stepper: running %s at %.2f deg/s (%v/step) on pin %d", direction, degPerSec, period, s.cfg.StepPin)
	go s.runLoop(ctx, period, sign, done)
	return nil
}

func (s *Stepper) runLoop(ctx context.Context, period time.Duration, sign int64, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.stepPulse(); err != nil {
				debug.Error(errors.Wrap(err, "stepper pulse"))
				s.mu.Lock()
				s.velocity = 0
				s.runErr = err
				s.mu.Unlock()
				return
			}
			s.position.Add(sign)
		}
	}
}

// Halt stops continuous rotation and waits for the pulse loop to exit.
// It is a no-op when the motor is not running. A pulse error that stopped the
// loop earlier is reported here.
func (s *Stepper) Halt() error {
	s.mu.Lock()
	cancel, done, err := s.cancel, s.done, s.runErr
	s.cancel, s.done, s.runErr = nil, nil, nil
	s.velocity = 0
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		debug.Printf("Stepper: halted on pin %d at %.2f deg", s.cfg.StepPin, s.HeadingDeg())
	}
	return err
}

// Running reports whether the continuous pulse loop is active.
func (s *Stepper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Position returns the signed microstep count since construction.
func (s *Stepper) Position() int64 {
	return s.position.Load()
}

// HeadingDeg returns the axis heading in [0, 360).
func (s *Stepper) HeadingDeg() float64 {
	deg := math.Mod(float64(s.Position())/s.stepsPerDeg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// AngularVelocity returns the commanded rate in deg/s (0 when halted).
func (s *Stepper) AngularVelocity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.velocity
}

func (s *Stepper) stepPulse() error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(s.delay)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(s.delay)
	return nil
}

func directionFor(v float64) (gpio.Level, int64, string) {
	if v < 0 {
		return gpio.Low, -1, "backward"
	}
	return gpio.High, 1, "forward"
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel, no holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}
