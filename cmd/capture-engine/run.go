package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/monitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/simengine"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	addr     string
	duration time.Duration
	sessions int
	journal  bool
}

// Name implements subcommands.Command.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.
func (*runCmd) Synopsis() string {
	return "run the simulated engine and serve the monitor"
}

// Usage implements subcommands.Command.
func (*runCmd) Usage() string {
	return `run [flags] - start sessions on the simulated hardware, complete frames at
the configured rate and serve status, events and metrics over HTTP until
interrupted.
`
}

// SetFlags implements subcommands.Command.
func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "http", "", "monitor address; overrides the config file, empty disables")
	f.DurationVar(&c.duration, "duration", 0, "stop after this long; zero runs until interrupted")
	f.IntVar(&c.sessions, "sessions", 0, "number of sessions to start; overrides the config file")
	f.BoolVar(&c.journal, "journal", false, "start recording the event journal immediately")
}

// Execute implements subcommands.Command.
func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() > 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig()
	if err != nil {
		return fatalf("%v", err)
	}
	if c.addr != "" {
		cfg.Monitor.Addr = c.addr
	}
	if c.sessions > 0 {
		cfg.Sim.Sessions = c.sessions
	}
	if c.journal {
		cfg.Journal.Enabled = true
	}

	eng, err := simengine.New(cfg)
	if err != nil {
		return fatalf("engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.duration)
		defer cancel()
	}

	if c.journal {
		filename, err := eng.Journal.Start()
		if err != nil {
			return fatalf("journal: %v", err)
		}
		logger.Info("Main", "Recording events to %s", filename)
	}

	if err := eng.Open(ctx); err != nil {
		_ = eng.Close()
		return fatalf("open: %v", err)
	}
	logger.Info("Main", "%d sessions running on %d contexts at %d fps", len(eng.Sessions()), cfg.Device.Contexts, cfg.Sim.FrameRate)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	if cfg.Monitor.Addr != "" {
		srv := monitor.NewServer(cfg.Monitor, eng, eng.Fanout, eng.Journal, eng.Metrics.Handler())
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}
	runErr := g.Wait()

	logger.Info("Main", "Shutting down")
	closeErr := eng.Close()
	if runErr != nil {
		return fatalf("%v", runErr)
	}
	if closeErr != nil {
		return fatalf("close: %v", closeErr)
	}
	return subcommands.ExitSuccess
}
