// Command capture-engine runs the capture engine control plane against the
// simulated hardware and serves its monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file")
	logLevel   = flag.String("log-level", "", "log level (debug, info, warn, error, silent); overrides the config file")
	logColor   = flag.Bool("log-color", true, "enable colored log output")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(configCmd), "")
	subcommands.Register(new(stressCmd), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// loadConfig reads the configuration named by -config, or the defaults, and
// initializes the logger from it.
func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "log-color" {
			cfg.Log.Color = *logColor
		}
	})

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid log level: %w", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)
	return cfg, nil
}

// fatalf prints to stderr and returns ExitFailure.
func fatalf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}
