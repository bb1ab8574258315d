package camera

import (
	"image"
	"math"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
)

// Synthetic is a mock camera and frame source. Each frame is a flat tint
// whose hue follows the current heading (or the shot count when no heading
// is wired), with a darker band in the middle so seams stay visible once
// frames are stitched.
type Synthetic struct {
	width, height int
	latency       time.Duration
	heading       func() float64

	mu    sync.Mutex
	shots int
}

// NewSynthetic creates a synthetic camera producing width x height frames.
func NewSynthetic(width, height int) *Synthetic {
	if width <= 0 {
		width = 320
	}
	if height <= 0 {
		height = 240
	}
	return &Synthetic{width: width, height: height}
}

// WithFirstFrameLatency makes Prime block for d, imitating a sensor that takes
// a while to deliver its first image.
func (s *Synthetic) WithFirstFrameLatency(d time.Duration) *Synthetic {
	s.latency = d
	return s
}

// WithHeading ties the frame hue to a heading source in degrees.
func (s *Synthetic) WithHeading(fn func() float64) *Synthetic {
	s.heading = fn
	return s
}

// Prime waits out the configured first-frame latency.
func (s *Synthetic) Prime() error {
	time.Sleep(s.latency)
	return nil
}

// Shoot counts a shot.
func (s *Synthetic) Shoot() error {
	s.mu.Lock()
	s.shots++
	s.mu.Unlock()
	return nil
}

// Shots returns how many times Shoot was called.
func (s *Synthetic) Shots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shots
}

// Frame renders the frame for the latest shot.
func (s *Synthetic) Frame() (image.Image, error) {
	var hue float64
	if s.heading != nil {
		hue = s.heading()
	} else {
		hue = float64(s.Shots()) * 37
	}
	hue = math.Mod(hue, 360)
	if hue < 0 {
		hue += 360
	}

	img := imaging.New(s.width, s.height, colorful.Hsv(hue, 0.6, 0.9))
	bandWidth := s.width / 20
	if bandWidth < 1 {
		bandWidth = 1
	}
	band := imaging.New(bandWidth, s.height, colorful.Hsv(hue, 0.6, 0.5))
	return imaging.Paste(img, band, image.Pt(s.width/2, 0)), nil
}
