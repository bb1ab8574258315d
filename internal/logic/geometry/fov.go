package geometry

import (
	"math"

	"github.com/pkg/errors"

	"github.com/cjeanneret/PanBot/internal/config"
)

// FallbackSnapIntervalDeg is used when neither a configured interval nor a
// sensor size is available.
const FallbackSnapIntervalDeg = 30.0

// FOVCalculator computes field of view angles and the rotation between
// snapshots from lens and sensor configuration.
type FOVCalculator struct {
	cfg *config.Config
}

// NewFOVCalculator creates a new FOV calculator.
// Returns an error if sensor information is not available
// (required for calculations).
func NewFOVCalculator(cfg *config.Config) (*FOVCalculator, error) {
	if cfg.Sensor == nil {
		return nil, errors.New("sensor configuration is required for FOV calculations")
	}
	return &FOVCalculator{cfg: cfg}, nil
}

// HorizontalFOV calculates the horizontal field of view in degrees.
// Formula: FOV = 2 × arctan(sensor_width / (2 × focal_length))
func (f *FOVCalculator) HorizontalFOV() float64 {
	return fovDeg(f.cfg.Sensor.WidthMm, f.cfg.Lens.FocalLengthMm)
}

// VerticalFOV calculates the vertical field of view in degrees.
func (f *FOVCalculator) VerticalFOV() float64 {
	return fovDeg(f.cfg.Sensor.HeightMm, f.cfg.Lens.FocalLengthMm)
}

func fovDeg(sensorMm, focalMm float64) float64 {
	return 2.0 * math.Atan(sensorMm/(2.0*focalMm)) * 180.0 / math.Pi
}

// SnapIntervalDeg is the yaw rotation between two frames that keeps the
// configured overlap: FOV_horizontal × (1 - overlap_ratio).
func (f *FOVCalculator) SnapIntervalDeg() float64 {
	return f.HorizontalFOV() * (1.0 - f.cfg.OverlapRatio())
}

// DefaultSnapInterval picks the snapshot interval used when a request leaves
// it out: the configured value, else the FOV-derived one, else
// FallbackSnapIntervalDeg. The result never exceeds the default arc.
func DefaultSnapInterval(cfg *config.Config) float64 {
	interval := cfg.Panorama.DefaultSnapIntervalDeg
	if interval <= 0 {
		interval = FallbackSnapIntervalDeg
		if fov, err := NewFOVCalculator(cfg); err == nil {
			interval = fov.SnapIntervalDeg()
		}
	}
	if angle := cfg.Panorama.DefaultAngleDeg; angle > 0 && interval > angle {
		interval = angle
	}
	return interval
}

// SnapshotCount is how many interval boundaries an arc crosses, plus the
// stationary anchor frame when anchored is set.
func SnapshotCount(angleDeg, intervalDeg float64, anchored bool) int {
	if angleDeg <= 0 || intervalDeg <= 0 {
		return 0
	}
	n := int(math.Floor(angleDeg/intervalDeg + 1e-9))
	if anchored {
		n++
	}
	return n
}
