package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/PanBot/internal/config"
	"github.com/cjeanneret/PanBot/internal/debug"
	"github.com/cjeanneret/PanBot/internal/gallery"
	"github.com/cjeanneret/PanBot/internal/history"
	"github.com/cjeanneret/PanBot/internal/hw/camera"
	"github.com/cjeanneret/PanBot/internal/hw/gpio"
	"github.com/cjeanneret/PanBot/internal/hw/stepper"
	"github.com/cjeanneret/PanBot/internal/logic/capture"
	"github.com/cjeanneret/PanBot/internal/logic/geometry"
	"github.com/cjeanneret/PanBot/internal/logic/motion"
	"github.com/cjeanneret/PanBot/internal/logic/odometry"
	"github.com/cjeanneret/PanBot/internal/logic/panorama"
)

// robot owns every long-lived component of a running PanBot.
type robot struct {
	cfg     *config.Config
	gpio    gpio.Driver
	pan     *stepper.Stepper
	worker  *capture.LocalWorker
	orch    *panorama.Orchestrator
	poller  *odometry.Poller
	gallery *gallery.Gallery
	history *history.Store
}

// newRobot builds the hardware, the capture worker and the orchestrator.
// onSummary, when set, runs after each finished session has been recorded.
func newRobot(cfg *config.Config, reporter panorama.Reporter, onSummary func(panorama.Summary)) (_ *robot, err error) {
	r := &robot{cfg: cfg}
	defer func() {
		if err != nil {
			err = multierr.Append(err, r.Close())
		}
	}()

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	if r.gpio, err = gpio.NewDriver(cfg.Defaults.MockGPIO); err != nil {
		return nil, errors.Wrap(err, "init GPIO")
	}

	debug.Step(2, "Initializing pan stepper")
	r.pan = stepper.NewStepper(r.gpio, stepper.Config{
		StepPin:       cfg.PanStepper.StepPin,
		DirPin:        cfg.PanStepper.DirPin,
		EnablePin:     cfg.PanStepper.EnablePin,
		StepsPerRev:   cfg.PanStepper.StepsPerRev,
		Microstepping: cfg.PanStepper.Microstepping,
		StepDelay:     cfg.MoveSpeed() / 2,
	})
	debug.PrintStruct("Pan stepper config", cfg.PanStepper)

	debug.Step(3, "Initializing camera")
	cam, frames, err := newCameraFromConfig(r.gpio, cfg, r.pan.HeadingDeg)
	if err != nil {
		return nil, err
	}
	debug.Value("Camera type", cfg.Camera.Type)
	debug.Value("Frames dir", cfg.Camera.FramesDir)

	debug.Step(4, "Opening output")
	if r.gallery, err = gallery.New(cfg.Output.Dir); err != nil {
		return nil, err
	}
	if r.history, err = history.Open(cfg.Output.HistoryDB); err != nil {
		return nil, err
	}

	debug.Step(5, "Creating capture worker and orchestrator")
	r.worker = capture.NewLocalWorker(cam, frames, capture.Stitcher{Overlap: cfg.OverlapRatio()}).
		WithFrameWait(cfg.FrameWait())

	defaults := defaultParams(cfg)
	warnVelocity(cfg, defaults.RotationVelocityDPS)
	debug.PrintStruct("Panorama defaults", defaults)

	r.orch = panorama.New(panorama.Config{
		Motion:        motion.NewController(r.pan),
		Capture:       r.worker,
		Defaults:      defaults,
		ActiveTimeout: cfg.ActiveTimeout(),
	}, panorama.Sinks{
		Publisher: r.gallery,
		Recorder:  r.recorder(onSummary),
		Reporter:  reporter,
	})
	r.poller = odometry.NewPoller(r.pan, cfg.OdometryPoll())
	return r, nil
}

func (r *robot) recorder(onSummary func(panorama.Summary)) panorama.Recorder {
	return panorama.RecorderFunc(func(ctx context.Context, s panorama.Summary) error {
		err := r.history.Record(ctx, s)
		if onSummary != nil {
			onSummary(s)
		}
		return err
	})
}

// run drives the orchestrator, the odometry poller and any extra service
// until ctx is cancelled or one of them fails.
func (r *robot) run(ctx context.Context, extra ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.orch.Run(ctx) })
	g.Go(func() error { return r.poller.Run(ctx, r.orch.Odometry) })
	for _, fn := range extra {
		fn := fn
		g.Go(func() error { return fn(ctx) })
	}
	return ignoreShutdown(g.Wait())
}

// Close halts the motor, lets the axis freewheel and releases every resource.
// It is safe on a partially built robot.
func (r *robot) Close() error {
	var err error
	if r.worker != nil {
		err = multierr.Append(err, r.worker.Close())
	}
	if r.pan != nil {
		err = multierr.Append(err, errors.Wrap(r.pan.Halt(), "halt pan stepper"))
		err = multierr.Append(err, errors.Wrap(r.pan.Disable(), "disable pan stepper"))
	}
	if r.history != nil {
		err = multierr.Append(err, r.history.Close())
	}
	if r.gpio != nil {
		err = multierr.Append(err, errors.Wrap(r.gpio.Close(), "close GPIO"))
	}
	return err
}

// defaultParams are the session parameters used for every field a request
// leaves out.
func defaultParams(cfg *config.Config) panorama.Params {
	return panorama.Params{
		AngleDeg:            cfg.Panorama.DefaultAngleDeg,
		SnapIntervalDeg:     geometry.DefaultSnapInterval(cfg),
		RotationVelocityDPS: cfg.Panorama.DefaultRotationVelocityDPS,
		Mode:                panorama.Mode(cfg.Panorama.DefaultMode),
	}
}

// warnVelocity logs when v is faster than the pan axis can pulse. The stepper
// clamps such commands, so odometry still reports the real rate.
func warnVelocity(cfg *config.Config, v float64) bool {
	limit := maxVelocity(cfg)
	if limit > 0 && v > limit {
		debug.Warn("rotation velocity %.2f deg/s exceeds the pan axis limit of %.2f deg/s", v, limit)
		return true
	}
	return false
}

func maxVelocity(cfg *config.Config) float64 {
	return geometry.NewStepsCalculator(cfg).MaxPanVelocityDPS()
}

// newCameraFromConfig selects the trigger and the frame source. Without a
// frames directory, frames are synthesized from the pan heading.
func newCameraFromConfig(g gpio.Driver, cfg *config.Config, heading func() float64) (camera.Camera, camera.FrameSource, error) {
	synth := camera.NewSynthetic(cfg.Camera.FrameWidthPx, cfg.Camera.FrameHeightPx).
		WithHeading(heading).
		WithFirstFrameLatency(cfg.FirstFrameLatency())

	var frames camera.FrameSource = synth
	if cfg.Camera.FramesDir != "" {
		frames = camera.NewDirSource(cfg.Camera.FramesDir)
	}

	switch cfg.Camera.Type {
	case config.CameraNikonD90GPIO:
		cam := camera.NewNikonD90GPIO(
			g,
			cfg.Camera.FocusPin,
			cfg.Camera.ShutterPin,
			cfg.FocusDelay(),
			cfg.ShutterDelay(),
		).WithPostShotDelay(cfg.PostShotDelay())
		return cam, frames, nil
	case config.CameraMock:
		return synth, frames, nil
	default:
		return nil, nil, errors.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// ignoreShutdown drops the errors every component returns on a normal exit.
func ignoreShutdown(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, panorama.ErrClosed) {
		return nil
	}
	return err
}
