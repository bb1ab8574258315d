package camera

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cjeanneret/PanBot/internal/debug"
	"github.com/cjeanneret/PanBot/internal/hw/gpio"
)

// NikonD90GPIO is a Camera implementation for a Nikon D90
// controlled via the 3-pin remote connector:
// - GND: connected to Raspberry Pi ground
// - FOCUS: autofocus (activate by setting to LOW)
// - SHUTTER: trigger (activate by setting to LOW)
//
// Trigger sequence:
// 1. FOCUS to LOW (activates autofocus)
// 2. Wait for autofocus to complete
// 3. SHUTTER to LOW (triggers the shot)
// 4. Hold for a moment
// 5. Set SHUTTER and FOCUS back to HIGH
type NikonD90GPIO struct {
	mu            sync.Mutex // one shot at a time
	gpio          gpio.Driver
	focusPin      int
	shutterPin    int
	focusDelay    time.Duration // time for autofocus
	shutterDelay  time.Duration // shutter hold time
	postShotDelay time.Duration // settle time before the frame is read back
}

// NewNikonD90GPIO creates a GPIO-controlled Nikon D90 trigger.
// focusPin and shutterPin are the GPIO pin numbers for FOCUS and SHUTTER lines.
// focusDelay is the wait time for autofocus.
// shutterDelay is the shutter hold time.
func NewNikonD90GPIO(g gpio.Driver, focusPin, shutterPin int, focusDelay, shutterDelay time.Duration) *NikonD90GPIO {
	// Configure pins as outputs
	_ = g.SetupPin(focusPin, gpio.Output)
	_ = g.SetupPin(shutterPin, gpio.Output)

	// By default, lines are HIGH (inactive)
	_ = g.WritePin(focusPin, gpio.High)
	_ = g.WritePin(shutterPin, gpio.High)

	return &NikonD90GPIO{
		gpio:         g,
		focusPin:     focusPin,
		shutterPin:   shutterPin,
		focusDelay:   focusDelay,
		shutterDelay: shutterDelay,
	}
}

// WithPostShotDelay sets how long Shoot waits after releasing the shutter,
// giving the body time to write the file a FrameSource will read.
func (n *NikonD90GPIO) WithPostShotDelay(d time.Duration) *NikonD90GPIO {
	n.postShotDelay = d
	return n
}

// Shoot triggers a photo on the D90.
// Sequence: FOCUS -> wait for AF -> SHUTTER -> hold -> release
func (n *NikonD90GPIO) Shoot() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	debug.Printf("Camera: triggering shot (focus=%d, shutter=%d)", n.focusPin, n.shutterPin)

	if err := n.gpio.WritePin(n.focusPin, gpio.Low); err != nil {
		return errors.Wrap(err, "activate focus")
	}
	time.Sleep(n.focusDelay)

	if err := n.gpio.WritePin(n.shutterPin, gpio.Low); err != nil {
		// Release FOCUS on error
		return multierr.Combine(
			errors.Wrap(err, "activate shutter"),
			n.gpio.WritePin(n.focusPin, gpio.High),
		)
	}
	time.Sleep(n.shutterDelay)

	// Release SHUTTER then FOCUS; try both even if the first fails.
	err := multierr.Combine(
		errors.Wrap(n.gpio.WritePin(n.shutterPin, gpio.High), "release shutter"),
		errors.Wrap(n.gpio.WritePin(n.focusPin, gpio.High), "release focus"),
	)
	if err != nil {
		return err
	}

	time.Sleep(n.postShotDelay)
	debug.Trace("Camera: shot triggered successfully")
	return nil
}
