package main

import (
	"context"
	"errors"
	"image/color"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"github.com/mkohda/go-weatherpanel/weatherpanel/compose"
	"github.com/mkohda/go-weatherpanel/weatherpanel/config"
	"github.com/mkohda/go-weatherpanel/weatherpanel/display"
	"github.com/mkohda/go-weatherpanel/weatherpanel/display/headless"
	"github.com/mkohda/go-weatherpanel/weatherpanel/display/sshfb"
	"github.com/mkohda/go-weatherpanel/weatherpanel/display/terminal"
	"github.com/mkohda/go-weatherpanel/weatherpanel/healthz"
	"github.com/mkohda/go-weatherpanel/weatherpanel/metrics"
	"github.com/mkohda/go-weatherpanel/weatherpanel/panel"
	"github.com/mkohda/go-weatherpanel/weatherpanel/runner"
	"github.com/mkohda/go-weatherpanel/weatherpanel/timing"
)

func main() {
	// Deployment secrets (WP_HOSTNAME, WP_SSH_KEY) may come from a .env
	// file next to the binary. Absence is fine.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	app := cli.NewApp()
	app.Name = "weatherpanel"
	app.Description = "Renders a composite weather image and pushes it to an e-paper display on a wall-clock cadence"
	app.Usage = "weatherpanel [options]"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "config.yaml",
			Usage: "Path to the configuration file",
		},
		cli.StringFlag{
			Name:  "host, s",
			Usage: "Hostname of the Raspberry Pi driving the display (overrides config)",
		},
		cli.BoolFlag{
			Name:  "one-time, O",
			Usage: "Render and push a single update, then exit",
		},
		cli.BoolFlag{
			Name:  "test, t",
			Usage: "Replace all sources with static fills (no upstream fetches)",
		},
		cli.BoolFlag{
			Name:  "preview",
			Usage: "Render to the terminal instead of the remote display",
		},
		cli.StringFlag{
			Name:  "headless-dir",
			Usage: "Write frames as PNG files to this directory instead of a display",
		},
		cli.BoolFlag{
			Name:  "debug, D",
			Usage: "Enable debug logging",
		},
	}
	app.Action = runPanel
	app.Commands = []cli.Command{
		{
			Name:  "healthz",
			Usage: "Check the liveness footprint, exit nonzero when missing or stale",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Value: "config.yaml",
					Usage: "Path to the configuration file",
				},
			},
			Action: runHealthz,
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Error running weatherpanel", "error", err)
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runPanel(c *cli.Context) error {
	setupLogging(c.Bool("debug"))

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if host := c.String("host"); host != "" {
		cfg.Display.Host = host
	}

	// Invalid timing parameters are a configuration bug; fail before the
	// loop starts rather than run with a broken schedule.
	ctrl, err := timing.NewController(cfg.TimingControllerConfig())
	if err != nil {
		return err
	}

	sources := buildSources(cfg, c.Bool("test"))
	compositor := compose.New(cfg.Panel.Device.Width, cfg.Panel.Device.Height, sources)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	backend, err := selectBackend(c, cfg)
	if err != nil {
		return err
	}
	if err := backend.Init(display.Config{
		Width:  cfg.Panel.Device.Width,
		Height: cfg.Panel.Device.Height,
		Title:  "weatherpanel",
		OnQuit: stop,
	}); err != nil {
		return err
	}
	defer backend.Cleanup()

	var recorder metrics.Recorder = metrics.Discard{}
	if cfg.Metrics.File != "" {
		fr, err := metrics.NewFileRecorder(cfg.Metrics.File)
		if err != nil {
			return err
		}
		recorder = fr
	}
	defer recorder.Close()

	slog.Info("starting update loop",
		"interval", cfg.Interval(),
		"sources", len(sources),
		"host", cfg.Display.Host,
		"one_time", c.Bool("one-time"))

	return runner.New(runner.Options{
		Controller:   ctrl,
		Compositor:   compositor,
		Backend:      backend,
		Recorder:     recorder,
		LivenessFile: cfg.Liveness.File,
		OneTime:      c.Bool("one-time"),
	}).Run(ctx)
}

// selectBackend picks the frame destination: PNG files, terminal preview,
// or the real display over SSH.
func selectBackend(c *cli.Context, cfg *config.AppConfig) (display.Backend, error) {
	if dir := c.String("headless-dir"); dir != "" {
		return headless.New(dir), nil
	}
	if c.Bool("preview") {
		return terminal.New(), nil
	}
	if cfg.Display.Host == "" {
		return nil, errors.New("display host is required (--host, config, or WP_HOSTNAME)")
	}
	return sshfb.New(cfg.Display.Host, cfg.Display.Port, cfg.Display.User, cfg.Display.KeyFile), nil
}

// buildSources returns the configured sources, or static fills in test mode
// so the layout can be checked without any upstream dependency.
func buildSources(cfg *config.AppConfig, testMode bool) []panel.Source {
	if !testMode {
		return panel.FromConfig(cfg.Panel.Sources)
	}

	sources := make([]panel.Source, 0, len(cfg.Panel.Sources))
	for i, sc := range cfg.Panel.Sources {
		fill := color.Color(color.White)
		if i%2 == 1 {
			fill = color.Gray{Y: 0xC0}
		}
		geom := panel.Geometry{X: sc.X, Y: sc.Y, Width: sc.Width, Height: sc.Height}
		sources = append(sources, panel.NewStaticSource(sc.Name, geom, fill))
	}
	return sources
}

func runHealthz(c *cli.Context) error {
	setupLogging(false)

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Liveness.File == "" {
		return errors.New("no liveness file configured")
	}

	// Two intervals of slack: one slow cycle must not page anyone.
	if err := healthz.Check(cfg.Liveness.File, 2*cfg.Interval()); err != nil {
		return err
	}

	slog.Info("OK", "file", cfg.Liveness.File)
	return nil
}
