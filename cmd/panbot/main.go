package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/cjeanneret/PanBot/internal/config"
	"github.com/cjeanneret/PanBot/internal/debug"
	"github.com/cjeanneret/PanBot/internal/gallery"
	"github.com/cjeanneret/PanBot/internal/logic/panorama"
	"github.com/cjeanneret/PanBot/internal/web"
)

const (
	flagConfig   = "config"
	flagPort     = "port"
	flagAngle    = "angle"
	flagInterval = "interval"
	flagVelocity = "velocity"
	flagMode     = "mode"

	defaultPort = 8080
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := newApp().RunContext(ctx, os.Args)
	debug.Sync()
	if err != nil {
		log.Fatalf("panbot: %v", err)
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    flagConfig,
		Aliases: []string{"c"},
		Value:   filepath.Join("configs", "default.yaml"),
		Usage:   "Load configuration from `FILE`",
	}

	return &cli.App{
		Name:  "panbot",
		Usage: "rotate in place and capture a panorama",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the web interface and capture panoramas on request",
				Flags: []cli.Flag{
					configFlag,
					&cli.IntFlag{
						Name:  flagPort,
						Value: defaultPort,
						Usage: "listen on `PORT`",
					},
				},
				Action: serveAction,
			},
			{
				Name:  "take",
				Usage: "capture one panorama and exit",
				Flags: []cli.Flag{
					configFlag,
					&cli.Float64Flag{Name: flagAngle, Usage: "arc to cover in degrees (0 = config default)"},
					&cli.Float64Flag{Name: flagInterval, Usage: "rotation between snapshots in degrees (0 = config default)"},
					&cli.Float64Flag{Name: flagVelocity, Usage: "rotation speed in deg/s (0 = config default)"},
					&cli.StringFlag{Name: flagMode, Usage: "continuous or stepwise (empty = config default)"},
				},
				Action: takeAction,
			},
		},
	}
}

// loadConfig reads the configuration named by --config and initializes logging.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(flagConfig)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", path)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	return cfg, nil
}

func serveAction(c *cli.Context) error {
	port := c.Int(flagPort)
	if port <= 0 || port > 65535 {
		return errors.Errorf("port must be 1-65535, got %d", port)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	rb, err := newRobot(cfg, broadcaster, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rb.Close(); cerr != nil {
			debug.Error(cerr)
		}
	}()
	rb.gallery.OnPublish(func(e gallery.Entry) {
		broadcaster.Broadcast(web.LevelImage, e.Path)
	})

	srv, err := web.NewServer(fmt.Sprintf(":%d", port), web.Deps{
		Broadcaster:  broadcaster,
		Panorama:     rb.orch,
		Images:       rb.gallery,
		History:      rb.history,
		FormDefaults: formDefaults(cfg),
	})
	if err != nil {
		return err
	}

	debug.Section("Ready")
	return rb.run(c.Context, srv.Run)
}

func takeAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	p := panorama.Params{
		AngleDeg:            c.Float64(flagAngle),
		SnapIntervalDeg:     c.Float64(flagInterval),
		RotationVelocityDPS: c.Float64(flagVelocity),
		Mode:                panorama.Mode(c.String(flagMode)),
	}
	if p.RotationVelocityDPS > 0 {
		warnVelocity(cfg, p.RotationVelocityDPS)
	}

	sum, err := takePanorama(c.Context, cfg, p)
	if err != nil {
		return err
	}
	debug.Summary("Panorama finished")
	debug.PrintStruct("Session", sum)
	if sum.Outcome != panorama.SessionSucceeded {
		return errors.Errorf("panorama %s: %s", sum.Outcome, sum.Reason)
	}
	return nil
}

// takePanorama runs one session to completion and returns its summary. The
// stitched image is in cfg.Output.Dir once it returns successfully.
func takePanorama(ctx context.Context, cfg *config.Config, p panorama.Params) (sum panorama.Summary, err error) {
	done := make(chan panorama.Summary, 1)
	rb, err := newRobot(cfg, nil, func(s panorama.Summary) {
		select {
		case done <- s:
		default:
		}
	})
	if err != nil {
		return sum, err
	}
	defer func() {
		err = multierr.Append(err, rb.Close())
	}()

	ctx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- rb.run(ctx) }()
	defer func() {
		cancel()
		err = multierr.Append(err, <-runErr)
	}()

	resp, err := rb.orch.Start(ctx, p)
	if err != nil {
		return sum, errors.Wrap(err, "start panorama")
	}
	if resp.Outcome != panorama.OutcomeStarted {
		return sum, errors.Errorf("panorama %s: %s", resp.Outcome, resp.Reason)
	}
	debug.Info("Panorama %s started", resp.Task)

	select {
	case sum = <-done:
		return sum, nil
	case <-ctx.Done():
		return sum, ctx.Err()
	}
}

func formDefaults(cfg *config.Config) web.FormConfig {
	d := defaultParams(cfg)
	return web.FormConfig{
		AngleDeg:               d.AngleDeg,
		SnapIntervalDeg:        d.SnapIntervalDeg,
		RotationVelocityDPS:    d.RotationVelocityDPS,
		Mode:                   string(d.Mode),
		MaxRotationVelocityDPS: maxVelocity(cfg),
	}
}
