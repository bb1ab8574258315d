package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	// Create a real configs/ directory so filepath.Abs resolves correctly.
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_PathTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"configs/../../../etc/shadow",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for traversal path %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_WrongExtension(t *testing.T) {
	cases := []string{
		"configs/default.json",
		"configs/default.yml",
		"configs/default.txt",
		"configs/default",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for extension in %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_NotInConfigsDir(t *testing.T) {
	cases := []string{
		"other/default.yaml",
		"default.yaml",
		"/tmp/default.yaml",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for path outside configs/ %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_EmptyPath(t *testing.T) {
	if err := ValidateConfigPath(""); err == nil {
		t.Error("expected error for empty path, got nil")
	}
}

func TestValidateConfigPath_VeryLongPath(t *testing.T) {
	long := "configs/" + strings.Repeat("a", 1000) + ".yaml"
	// Should not panic; error or success is OS-dependent, but must not crash.
	_ = ValidateConfigPath(long)
}

func TestValidateConfigPath_SpecialChars(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		wantErr bool
	}{
		{"con fig.yaml", false},
		{"café.yaml", false},
	}
	for _, tc := range cases {
		path := filepath.Join(cfgDir, tc.name)
		err := ValidateConfigPath(path)
		if tc.wantErr && err == nil {
			t.Errorf("expected error for %q, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("unexpected error for %q: %v", tc.name, err)
		}
	}
}

func TestValidateConfigPath_DoubleTraversal(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Try to escape via ../../configs/ok.yaml: filepath.Clean resolves this
	// and the parent must still be "configs".
	path := filepath.Join(cfgDir, "../../configs/ok.yaml")
	err := ValidateConfigPath(path)
	// After Clean the parent may or may not be "configs" depending on resolution.
	// The important thing is it either succeeds with a valid parent or fails.
	_ = err
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
camera:
  type: "nikon_d90_gpio"
  focus_pin: 24
  shutter_pin: 25
  frames_dir: "/var/lib/panbot/frames"
lens:
  name: "Nikkor 35mm"
  focal_length_mm: 35.0
sensor:
  width_mm: 23.6
  height_mm: 15.8
pan_stepper:
  step_pin: 17
  dir_pin: 27
  enable_pin: 5
  steps_per_rev: 200
  microstepping: 16
panorama:
  default_mode: "stepwise"
  default_angle_deg: 180.0
  default_snap_interval_deg: 20.0
  default_rotation_velocity_dps: 10.0
  overlap_percent: 30.0
  active_timeout_ms: 5000
  odometry_poll_ms: 20
output:
  dir: "/var/lib/panbot/out"
  history_db: "/var/lib/panbot/history.db"
defaults:
  move_speed_ms: 2
  debug_level: 0
  mock_gpio: true
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Camera.Type != "nikon_d90_gpio" {
		t.Errorf("camera.type = %q, want %q", cfg.Camera.Type, "nikon_d90_gpio")
	}
	if cfg.Camera.FramesDir != "/var/lib/panbot/frames" {
		t.Errorf("camera.frames_dir = %q", cfg.Camera.FramesDir)
	}
	if cfg.Lens.FocalLengthMm != 35.0 {
		t.Errorf("lens.focal_length_mm = %v, want 35.0", cfg.Lens.FocalLengthMm)
	}
	if cfg.Sensor == nil {
		t.Fatal("sensor should not be nil")
	}
	if cfg.Sensor.WidthMm != 23.6 {
		t.Errorf("sensor.width_mm = %v, want 23.6", cfg.Sensor.WidthMm)
	}
	if cfg.Panorama.DefaultMode != "stepwise" {
		t.Errorf("default_mode = %q, want stepwise", cfg.Panorama.DefaultMode)
	}
	if cfg.Panorama.DefaultAngleDeg != 180.0 {
		t.Errorf("default_angle_deg = %v, want 180.0", cfg.Panorama.DefaultAngleDeg)
	}
	if cfg.Panorama.DefaultSnapIntervalDeg != 20.0 {
		t.Errorf("default_snap_interval_deg = %v, want 20.0", cfg.Panorama.DefaultSnapIntervalDeg)
	}
	if cfg.Panorama.DefaultRotationVelocityDPS != 10.0 {
		t.Errorf("default_rotation_velocity_dps = %v, want 10.0", cfg.Panorama.DefaultRotationVelocityDPS)
	}
	if cfg.ActiveTimeout() != 5*time.Second {
		t.Errorf("ActiveTimeout() = %v, want 5s", cfg.ActiveTimeout())
	}
	if cfg.OdometryPoll() != 20*time.Millisecond {
		t.Errorf("OdometryPoll() = %v, want 20ms", cfg.OdometryPoll())
	}
	if cfg.Output.HistoryDB != "/var/lib/panbot/history.db" {
		t.Errorf("output.history_db = %q", cfg.Output.HistoryDB)
	}
	if cfg.PanStepper.StepsPerRev != 200 {
		t.Errorf("pan_stepper.steps_per_rev = %d, want 200", cfg.PanStepper.StepsPerRev)
	}
}

func TestLoad_MissingCameraType(t *testing.T) {
	yaml := `
lens:
  focal_length_mm: 35.0
`
	path := writeConfig(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for missing camera.type, got nil")
	}
}

func TestLoad_UnknownCameraType(t *testing.T) {
	yaml := `
camera:
  type: "canon_usb"
lens:
  focal_length_mm: 35.0
`
	path := writeConfig(t, yaml)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown camera.type, got nil")
	}
}

func TestLoad_MissingFocalLength(t *testing.T) {
	yaml := `
camera:
  type: "nikon_d90_gpio"
lens:
  name: "test"
`
	path := writeConfig(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for missing focal_length_mm, got nil")
	}
}

func TestLoad_NegativeFocalLength(t *testing.T) {
	yaml := `
camera:
  type: "nikon_d90_gpio"
lens:
  focal_length_mm: -10.0
`
	path := writeConfig(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for negative focal_length_mm, got nil")
	}
}

func TestLoad_OverlapOutOfRange(t *testing.T) {
	cases := []struct {
		name    string
		overlap float64
	}{
		{"negative", -1.0},
		{"full", 100.0},
		{"over_100", 101.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			yaml := `
camera:
  type: "mock"
lens:
  focal_length_mm: 35.0
panorama:
  overlap_percent: ` + formatFloat(tc.overlap)
			path := writeConfig(t, yaml)
			_, err := Load(path)
			if err == nil {
				t.Errorf("expected error for overlap_percent=%v, got nil", tc.overlap)
			}
		})
	}
}

func TestLoad_InvalidPanoramaDefaults(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad_mode", "default_mode: spiral"},
		{"negative_angle", "default_angle_deg: -90"},
		{"negative_velocity", "default_rotation_velocity_dps: -1"},
		{"negative_interval", "default_snap_interval_deg: -5"},
		{"interval_exceeds_angle", "default_angle_deg: 60\n  default_snap_interval_deg: 90"},
		{"negative_timeout", "active_timeout_ms: -1"},
		{"nan_angle", "default_angle_deg: .nan"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			yaml := `
camera:
  type: "mock"
lens:
  focal_length_mm: 35.0
panorama:
  ` + tc.body + "\n"
			if _, err := Load(writeConfig(t, yaml)); err == nil {
				t.Errorf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	yaml := `
camera:
  type: "nikon_d90_gpio"
lens:
  focal_length_mm: 35.0
`
	path := writeConfig(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Defaults.MoveSpeedMs != 2 {
		t.Errorf("move_speed_ms default = %d, want 2", cfg.Defaults.MoveSpeedMs)
	}
	if cfg.Panorama.OverlapPercent != 30 {
		t.Errorf("overlap_percent default = %v, want 30", cfg.Panorama.OverlapPercent)
	}
	if cfg.Panorama.DefaultMode != "continuous" {
		t.Errorf("default_mode default = %q, want continuous", cfg.Panorama.DefaultMode)
	}
	if cfg.Panorama.DefaultAngleDeg != 360 {
		t.Errorf("default_angle_deg default = %v, want 360", cfg.Panorama.DefaultAngleDeg)
	}
	if cfg.Panorama.DefaultSnapIntervalDeg != 0 {
		t.Errorf("default_snap_interval_deg default = %v, want 0 (derived later)", cfg.Panorama.DefaultSnapIntervalDeg)
	}
	if cfg.Panorama.DefaultRotationVelocityDPS != 15 {
		t.Errorf("default_rotation_velocity_dps default = %v, want 15", cfg.Panorama.DefaultRotationVelocityDPS)
	}
	if cfg.ActiveTimeout() != 0 {
		t.Errorf("active timeout default = %v, want disabled", cfg.ActiveTimeout())
	}
	if cfg.OdometryPoll() != 50*time.Millisecond {
		t.Errorf("odometry poll default = %v, want 50ms", cfg.OdometryPoll())
	}
	if cfg.Output.Dir != "output" {
		t.Errorf("output.dir default = %q, want output", cfg.Output.Dir)
	}
	if cfg.Output.HistoryDB != filepath.Join("output", "history.db") {
		t.Errorf("output.history_db default = %q", cfg.Output.HistoryDB)
	}
	if cfg.Camera.FocusDelayMs != 500 {
		t.Errorf("focus_delay_ms default = %d, want 500", cfg.Camera.FocusDelayMs)
	}
	if cfg.Camera.ShutterDelayMs != 200 {
		t.Errorf("shutter_delay_ms default = %d, want 200", cfg.Camera.ShutterDelayMs)
	}
	if cfg.Camera.PostShotDelayMs != 300 {
		t.Errorf("post_shot_delay_ms default = %d, want 300", cfg.Camera.PostShotDelayMs)
	}
	if cfg.Camera.FrameWidthPx != 320 || cfg.Camera.FrameHeightPx != 240 {
		t.Errorf("frame size default = %dx%d, want 320x240", cfg.Camera.FrameWidthPx, cfg.Camera.FrameHeightPx)
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "big.yaml")
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "{{{{invalid yaml!!!!")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for empty config (camera.type missing), got nil")
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
camera:
  type: "nikon_d90_gpio"
lens:
  focal_length_mm: 35.0
unknown_section:
  foo: bar
`
	path := writeConfig(t, yaml)
	_, err := Load(path)
	if err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "nonexistent.yaml")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestLoad_RejectsPathOutsideConfigs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "panbot.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for config outside configs/, got nil")
	}
}

// ---------- Helper methods ----------

func TestConfig_MoveSpeed(t *testing.T) {
	cfg := &Config{Defaults: DefaultsConfig{MoveSpeedMs: 5}}
	got := cfg.MoveSpeed()
	want := 5 * time.Millisecond
	if got != want {
		t.Errorf("MoveSpeed() = %v, want %v", got, want)
	}
}

func TestConfig_OverlapRatio(t *testing.T) {
	cases := []struct {
		percent float64
		want    float64
	}{
		{0, 0.0},
		{30, 0.3},
		{50, 0.5},
	}
	for _, tc := range cases {
		cfg := &Config{Panorama: PanoramaConfig{OverlapPercent: tc.percent}}
		got := cfg.OverlapRatio()
		if got != tc.want {
			t.Errorf("OverlapRatio() for %v%% = %v, want %v", tc.percent, got, tc.want)
		}
	}
}

func TestConfig_CameraDelays(t *testing.T) {
	cfg := &Config{Camera: CameraConfig{
		FocusDelayMs:        500,
		ShutterDelayMs:      200,
		PostShotDelayMs:     300,
		FrameWaitMs:         1500,
		FirstFrameLatencyMs: 750,
	}}
	cases := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"FocusDelay", cfg.FocusDelay(), 500 * time.Millisecond},
		{"ShutterDelay", cfg.ShutterDelay(), 200 * time.Millisecond},
		{"PostShotDelay", cfg.PostShotDelay(), 300 * time.Millisecond},
		{"FrameWait", cfg.FrameWait(), 1500 * time.Millisecond},
		{"FirstFrameLatency", cfg.FirstFrameLatency(), 750 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("%s() = %v, want %v", tc.name, tc.got, tc.want)
			}
		})
	}
}

func TestConfig_OverlapPercent(t *testing.T) {
	cfg := &Config{Panorama: PanoramaConfig{OverlapPercent: 42.5}}
	if got := cfg.OverlapPercent(); got != 42.5 {
		t.Errorf("OverlapPercent() = %v, want 42.5", got)
	}
}

// formatFloat is a test helper for embedding floats into YAML strings.
func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
