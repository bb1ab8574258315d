// Package odometry turns absolute heading readings into the unsigned amount
// of rotation traveled.
package odometry

import (
	"math"
	"time"
)

// Sample is one orientation reading.
type Sample struct {
	HeadingDeg         float64
	AngularVelocityDPS float64
	Time               time.Time
}

// Tracker accumulates the magnitude of rotation between successive headings.
// The zero value is ready to use.
type Tracker struct {
	last        float64
	primed      bool
	accumulated float64
}

// Update feeds a new heading and returns the rotation accumulated since the
// last Reset. The first heading after a Reset only sets the baseline.
func (t *Tracker) Update(headingDeg float64) float64 {
	if math.IsNaN(headingDeg) || math.IsInf(headingDeg, 0) {
		return t.accumulated
	}
	if !t.primed {
		t.last = headingDeg
		t.primed = true
		return t.accumulated
	}
	t.accumulated += math.Abs(ShortestDelta(t.last, headingDeg))
	t.last = headingDeg
	return t.accumulated
}

// Reset clears the accumulator; the next heading becomes the new baseline.
func (t *Tracker) Reset() {
	t.accumulated = 0
	t.primed = false
}

// Accumulated returns the rotation traveled since the last Reset.
func (t *Tracker) Accumulated() float64 {
	return t.accumulated
}

// ShortestDelta returns the signed shortest rotation from one heading to
// another, normalised into (-180, 180]. Inputs may use any range
// (0..360, -180..180, or unbounded).
func ShortestDelta(from, to float64) float64 {
	d := math.Mod(to-from, 360)
	switch {
	case d > 180:
		d -= 360
	case d <= -180:
		d += 360
	}
	return d
}
