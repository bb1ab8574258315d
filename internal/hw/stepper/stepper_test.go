package stepper

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/PanBot/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	mu    sync.Mutex
	calls []gpioCall
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) writeCalls() []gpioCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

func TestStepper_RunEnablesDriverFirst(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:       17,
		DirPin:        27,
		EnablePin:     5,
		StepsPerRev:   200,
		Microstepping: 16,
		StepDelay:     1 * time.Microsecond,
	}
	s := NewStepper(drv, cfg)
	drv.calls = nil

	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := s.Run(90); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, func() bool { return s.Position() >= 1 })
	if err := s.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}

	// Disable (HIGH), then Run re-enables (LOW) before the direction and
	// the first pulse
	writes := drv.writeCalls()
	if len(writes) < 4 {
		t.Fatalf("expected enable, direction and pulse writes, got %v", writes)
	}
	if writes[1].pin != 5 || writes[1].level != gpio.Low {
		t.Errorf("Run should enable the driver first, got pin=%d level=%v", writes[1].pin, writes[1].level)
	}
	if writes[2].pin != 27 || writes[2].level != gpio.High {
		t.Errorf("direction should follow enable, got pin=%d level=%v", writes[2].pin, writes[2].level)
	}
	if writes[3].pin != 17 {
		t.Errorf("first pulse should follow direction, got pin=%d", writes[3].pin)
	}
}

func TestStepper_EnableDisable(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:       17,
		DirPin:        27,
		EnablePin:     5,
		StepsPerRev:   200,
		Microstepping: 16,
		StepDelay:     1 * time.Microsecond,
	}
	s := NewStepper(drv, cfg)
	drv.calls = nil

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	enableCalls := drv.writeCallsForPin(5)
	if len(enableCalls) != 1 || enableCalls[0].level != gpio.Low {
		t.Errorf("Enable should write LOW to enable pin, got %v", enableCalls)
	}

	drv.calls = nil
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	disableCalls := drv.writeCallsForPin(5)
	if len(disableCalls) != 1 || disableCalls[0].level != gpio.High {
		t.Errorf("Disable should write HIGH to enable pin, got %v", disableCalls)
	}
}

func TestStepper_EnableDisable_NoEnablePin(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:       17,
		DirPin:        27,
		EnablePin:     0, // no enable pin
		StepsPerRev:   200,
		Microstepping: 16,
		StepDelay:     1 * time.Microsecond,
	}
	s := NewStepper(drv, cfg)
	drv.calls = nil

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	if len(drv.calls) != 0 {
		t.Errorf("with EnablePin=0, Enable/Disable should produce no GPIO calls, got %d", len(drv.calls))
	}
}

func TestStepper_DefaultStepDelay(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:       17,
		DirPin:        27,
		StepsPerRev:   200,
		Microstepping: 16,
		StepDelay:     0, // should default to 1ms
	}
	s := NewStepper(drv, cfg)
	if s.delay != 1*time.Millisecond {
		t.Errorf("default delay = %v, want 1ms", s.delay)
	}
}

func TestStepper_StepPulsePattern(t *testing.T) {
	drv := &recordingDriver{}
	cfg := Config{
		StepPin:       17,
		DirPin:        27,
		EnablePin:     5,
		StepsPerRev:   200,
		Microstepping: 16,
		StepDelay:     1 * time.Microsecond,
	}
	s := NewStepper(drv, cfg)
	drv.calls = nil

	if err := s.stepPulse(); err != nil {
		t.Fatalf("stepPulse: %v", err)
	}

	stepCalls := drv.writeCallsForPin(17)
	// Should be HIGH then LOW
	if len(stepCalls) != 2 {
		t.Fatalf("single step should produce 2 writes on step pin, got %d", len(stepCalls))
	}
	if stepCalls[0].level != gpio.High {
		t.Error("first pulse should be HIGH")
	}
	if stepCalls[1].level != gpio.Low {
		t.Error("second pulse should be LOW")
	}
}

// ---------- continuous rotation ----------

func newRunStepper(drv gpio.Driver) *Stepper {
	return NewStepper(drv, Config{
		StepPin:       17,
		DirPin:        27,
		StepsPerRev:   360,
		Microstepping: 1, // 1 step per degree
		StepDelay:     1 * time.Microsecond,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestStepper_RunForwardAdvancesPosition(t *testing.T) {
	drv := &recordingDriver{}
	s := newRunStepper(drv)

	if err := s.Run(500); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !s.Running() {
		t.Fatal("expected stepper to be running")
	}
	if v := s.AngularVelocity(); v != 500 {
		t.Errorf("AngularVelocity = %v, want 500", v)
	}
	waitFor(t, func() bool { return s.Position() >= 5 })

	if err := s.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if s.Running() {
		t.Error("expected stepper to be halted")
	}
	if v := s.AngularVelocity(); v != 0 {
		t.Errorf("AngularVelocity after halt = %v, want 0", v)
	}

	pos := s.Position()
	time.Sleep(20 * time.Millisecond)
	if s.Position() != pos {
		t.Errorf("position moved after Halt: %d -> %d", pos, s.Position())
	}

	dirCalls := drv.writeCallsForPin(27)
	if len(dirCalls) == 0 || dirCalls[0].level != gpio.High {
		t.Errorf("forward run should set dir pin HIGH, got %v", dirCalls)
	}
}

func TestStepper_RunBackwardDecrementsPosition(t *testing.T) {
	s := newRunStepper(&recordingDriver{})

	if err := s.Run(-500); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, func() bool { return s.Position() <= -5 })
	if err := s.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}

	heading := s.HeadingDeg()
	if heading < 0 || heading >= 360 {
		t.Errorf("HeadingDeg = %v, want within [0, 360)", heading)
	}
}

func TestStepper_RunZeroHalts(t *testing.T) {
	s := newRunStepper(&recordingDriver{})
	if err := s.Run(100); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := s.Run(0); err != nil {
		t.Fatalf("Run(0): %v", err)
	}
	if s.Running() {
		t.Error("Run(0) should halt the motor")
	}
}

func TestStepper_RunRejectsNonFinite(t *testing.T) {
	s := newRunStepper(&recordingDriver{})
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if err := s.Run(v); err == nil {
			t.Errorf("Run(%v) should fail", v)
		}
	}
}

func TestStepper_HaltWhenIdleIsNoop(t *testing.T) {
	drv := &recordingDriver{}
	s := newRunStepper(drv)
	drv.calls = nil

	if err := s.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if len(drv.writeCalls()) != 0 {
		t.Errorf("Halt on idle motor should not touch GPIO, got %v", drv.writeCalls())
	}
}

func TestStepper_HeadingFromPosition(t *testing.T) {
	s := newRunStepper(&recordingDriver{})

	s.position.Store(90)
	if h := s.HeadingDeg(); h != 90 {
		t.Errorf("HeadingDeg = %v, want 90", h)
	}

	s.position.Store(-1)
	if h := s.HeadingDeg(); h != 359 {
		t.Errorf("HeadingDeg after wrap = %v, want 359", h)
	}

	s.position.Store(725)
	if h := s.HeadingDeg(); h != 5 {
		t.Errorf("HeadingDeg after two turns = %v, want 5", h)
	}
}

type failingDriver struct{ recordingDriver }

func (d *failingDriver) WritePin(pin int, level gpio.Level) error {
	if pin == 17 {
		return errors.New("pin fault")
	}
	return d.recordingDriver.WritePin(pin, level)
}

func TestStepper_PulseErrorReportedOnHalt(t *testing.T) {
	s := newRunStepper(&failingDriver{})
	if err := s.Run(500); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, func() bool { return s.AngularVelocity() == 0 })

	if err := s.Halt(); err == nil {
		t.Error("expected pulse error from Halt")
	}
}
