package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// Camera types.
const (
	CameraNikonD90GPIO = "nikon_d90_gpio"
	CameraMock         = "mock"
)

// StepperConfig holds the configuration for a stepper motor.
type StepperConfig struct {
	StepPin       int `yaml:"step_pin"`
	DirPin        int `yaml:"dir_pin"`
	EnablePin     int `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	StepsPerRev   int `yaml:"steps_per_rev"`
	Microstepping int `yaml:"microstepping"`
}

// CameraConfig describes how to trigger the camera and where its frames come from.
// Type selects a concrete implementation ("nikon_d90_gpio" or "mock").
type CameraConfig struct {
	Type            string `yaml:"type"`
	FocusPin        int    `yaml:"focus_pin"`          // GPIO pin for FOCUS line
	ShutterPin      int    `yaml:"shutter_pin"`        // GPIO pin for SHUTTER line
	FocusDelayMs    int    `yaml:"focus_delay_ms"`     // autofocus delay (ms)
	ShutterDelayMs  int    `yaml:"shutter_delay_ms"`   // shutter hold time (ms)
	PostShotDelayMs int    `yaml:"post_shot_delay_ms"` // settle time before the frame is read (ms)

	// FramesDir is the tethered-shooting directory the camera writes to.
	// Empty means frames are synthesized.
	FramesDir   string `yaml:"frames_dir"`
	FrameWaitMs int    `yaml:"frame_wait_ms"` // how long to wait for a new file after a shot

	// Synthetic frames (mock camera or no frames_dir).
	FrameWidthPx        int `yaml:"frame_width_px"`
	FrameHeightPx       int `yaml:"frame_height_px"`
	FirstFrameLatencyMs int `yaml:"first_frame_latency_ms"`
}

// LensConfig describes the mounted lens.
type LensConfig struct {
	Name          string  `yaml:"name"`            // e.g., "Nikkor 35mm f/1.8"
	FocalLengthMm float64 `yaml:"focal_length_mm"` // focal length in use
}

// SensorConfig is optional: physical sensor size in mm.
type SensorConfig struct {
	WidthMm  float64 `yaml:"width_mm"`  // e.g., 23.6 for Nikon APS-C
	HeightMm float64 `yaml:"height_mm"` // e.g., 15.8
}

// PanoramaConfig holds the session defaults used when a request leaves a field out.
type PanoramaConfig struct {
	DefaultMode                string  `yaml:"default_mode"` // continuous | stepwise
	DefaultAngleDeg            float64 `yaml:"default_angle_deg"`
	DefaultSnapIntervalDeg     float64 `yaml:"default_snap_interval_deg"` // 0 = derive from lens FOV when a sensor is set
	DefaultRotationVelocityDPS float64 `yaml:"default_rotation_velocity_dps"`
	OverlapPercent             float64 `yaml:"overlap_percent"`   // desired overlap between frames (0-100)
	ActiveTimeoutMs            int     `yaml:"active_timeout_ms"` // 0 = wait for the capture worker forever
	OdometryPollMs             int     `yaml:"odometry_poll_ms"`
}

// OutputConfig tells where stitched panoramas and the session history go.
type OutputConfig struct {
	Dir       string `yaml:"dir"`
	HistoryDB string `yaml:"history_db"`
}

// DefaultsConfig contains generic parameters (speed, etc.).
type DefaultsConfig struct {
	MoveSpeedMs int  `yaml:"move_speed_ms"` // delay between motor steps
	DebugLevel  int  `yaml:"debug_level"`   // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO    bool `yaml:"mock_gpio"`     // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	PanStepper StepperConfig  `yaml:"pan_stepper"`
	Camera     CameraConfig   `yaml:"camera"`
	Lens       LensConfig     `yaml:"lens"`
	Sensor     *SensorConfig  `yaml:"sensor,omitempty"` // optional
	Panorama   PanoramaConfig `yaml:"panorama"`
	Output     OutputConfig   `yaml:"output"`
	Defaults   DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files living directly in a configs/
// directory, and rejects any path containing "..".
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return errors.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return errors.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return errors.Wrapf(err, "resolve config path %q", path)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return errors.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat config file")
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, errors.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal yaml")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	switch c.Camera.Type {
	case "":
		return errors.New("camera.type is required")
	case CameraNikonD90GPIO, CameraMock:
	default:
		return errors.Errorf("unknown camera.type %q", c.Camera.Type)
	}
	if c.Lens.FocalLengthMm <= 0 {
		return errors.New("lens.focal_length_mm must be > 0")
	}
	if c.Sensor != nil && (c.Sensor.WidthMm <= 0 || c.Sensor.HeightMm <= 0) {
		return errors.New("sensor width_mm and height_mm must be > 0")
	}
	if c.Defaults.MoveSpeedMs <= 0 {
		c.Defaults.MoveSpeedMs = 2 // reasonable default
	}

	// Default values for camera delays
	if c.Camera.FocusDelayMs <= 0 {
		c.Camera.FocusDelayMs = 500 // 500ms for autofocus
	}
	if c.Camera.ShutterDelayMs <= 0 {
		c.Camera.ShutterDelayMs = 200 // 200ms shutter hold
	}
	if c.Camera.PostShotDelayMs <= 0 {
		c.Camera.PostShotDelayMs = 300
	}
	if c.Camera.FrameWaitMs <= 0 {
		c.Camera.FrameWaitMs = 2000
	}
	if c.Camera.FrameWidthPx <= 0 {
		c.Camera.FrameWidthPx = 320
	}
	if c.Camera.FrameHeightPx <= 0 {
		c.Camera.FrameHeightPx = 240
	}
	if c.Camera.FirstFrameLatencyMs < 0 {
		return errors.New("camera.first_frame_latency_ms must be >= 0")
	}

	p := &c.Panorama
	switch p.DefaultMode {
	case "":
		p.DefaultMode = "continuous"
	case "continuous", "stepwise":
	default:
		return errors.Errorf("panorama.default_mode must be continuous or stepwise, got %q", p.DefaultMode)
	}
	if p.OverlapPercent < 0 || p.OverlapPercent >= 100 {
		return errors.Errorf("overlap_percent must be in [0, 100), got %.2f", p.OverlapPercent)
	}
	if p.OverlapPercent == 0 {
		p.OverlapPercent = 30 // reasonable default (30%)
	}
	if err := positiveOrDefault(&p.DefaultAngleDeg, 360, "panorama.default_angle_deg"); err != nil {
		return err
	}
	if err := positiveOrDefault(&p.DefaultRotationVelocityDPS, 15, "panorama.default_rotation_velocity_dps"); err != nil {
		return err
	}
	if p.DefaultSnapIntervalDeg < 0 || math.IsNaN(p.DefaultSnapIntervalDeg) || math.IsInf(p.DefaultSnapIntervalDeg, 0) {
		return errors.Errorf("panorama.default_snap_interval_deg must be >= 0, got %v", p.DefaultSnapIntervalDeg)
	}
	if p.DefaultSnapIntervalDeg > p.DefaultAngleDeg {
		return errors.Errorf("panorama.default_snap_interval_deg (%.2f) exceeds default_angle_deg (%.2f)",
			p.DefaultSnapIntervalDeg, p.DefaultAngleDeg)
	}
	if p.ActiveTimeoutMs < 0 {
		return errors.New("panorama.active_timeout_ms must be >= 0")
	}
	if p.OdometryPollMs <= 0 {
		p.OdometryPollMs = 50
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "output"
	}
	if c.Output.HistoryDB == "" {
		c.Output.HistoryDB = filepath.Join(c.Output.Dir, "history.db")
	}
	return nil
}

func positiveOrDefault(v *float64, def float64, name string) error {
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return errors.Errorf("%s must be > 0, got %v", name, *v)
	}
	if *v == 0 {
		*v = def
	}
	return nil
}

// MoveSpeed returns the duration between two motor steps.
func (c *Config) MoveSpeed() time.Duration {
	return time.Duration(c.Defaults.MoveSpeedMs) * time.Millisecond
}

// OverlapRatio returns the overlap as a ratio (0.0 to 1.0).
// For example, 30% becomes 0.3.
func (c *Config) OverlapRatio() float64 {
	return c.Panorama.OverlapPercent / 100.0
}

// OverlapPercent returns the overlap in percent (0.0 to 100.0).
func (c *Config) OverlapPercent() float64 {
	return c.Panorama.OverlapPercent
}

// FocusDelay returns the autofocus delay duration.
func (c *Config) FocusDelay() time.Duration {
	return time.Duration(c.Camera.FocusDelayMs) * time.Millisecond
}

// ShutterDelay returns the shutter hold duration.
func (c *Config) ShutterDelay() time.Duration {
	return time.Duration(c.Camera.ShutterDelayMs) * time.Millisecond
}

// PostShotDelay returns the settle time after a shot.
func (c *Config) PostShotDelay() time.Duration {
	return time.Duration(c.Camera.PostShotDelayMs) * time.Millisecond
}

func (c *Config) FrameWait() time.Duration {
	return time.Duration(c.Camera.FrameWaitMs) * time.Millisecond
}

func (c *Config) FirstFrameLatency() time.Duration {
	return time.Duration(c.Camera.FirstFrameLatencyMs) * time.Millisecond
}

// ActiveTimeout returns how long a session may wait for the capture worker
// to become active. Zero disables the timeout.
func (c *Config) ActiveTimeout() time.Duration {
	return time.Duration(c.Panorama.ActiveTimeoutMs) * time.Millisecond
}

// OdometryPoll returns the odometry sampling period.
func (c *Config) OdometryPoll() time.Duration {
	return time.Duration(c.Panorama.OdometryPollMs) * time.Millisecond
}
