package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/simengine"
)

// stressCmd implements subcommands.Command for the "bind-stress" command.
type stressCmd struct {
	workers int
	rounds  int
}

// Name implements subcommands.Command.
func (*stressCmd) Name() string {
	return "bind-stress"
}

// Synopsis implements subcommands.Command.
func (*stressCmd) Synopsis() string {
	return "race sessions for hardware contexts and report the outcomes"
}

// Usage implements subcommands.Command.
func (*stressCmd) Usage() string {
	return `bind-stress [flags] - open, start, stop and close sessions from many
goroutines at once. Fails if a hardware context is still bound at the end.
`
}

// SetFlags implements subcommands.Command.
func (c *stressCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.workers, "workers", 16, "concurrent workers")
	f.IntVar(&c.rounds, "rounds", 100, "start/stop rounds per worker")
}

// Execute implements subcommands.Command.
func (c *stressCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() > 0 || c.workers <= 0 || c.rounds <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig()
	if err != nil {
		return fatalf("%v", err)
	}
	eng, err := simengine.New(cfg)
	if err != nil {
		return fatalf("engine: %v", err)
	}

	logger.Info("Main", "bind-stress: %d workers x %d rounds on %d contexts", c.workers, c.rounds, cfg.Device.Contexts)
	rep, err := eng.Stress(ctx, c.workers, c.rounds)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)
	if err != nil {
		return fatalf("bind-stress: %v", err)
	}
	return subcommands.ExitSuccess
}
