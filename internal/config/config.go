// Package config holds the runtime configuration of the capture engine
// daemon.
package config

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/device"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/monitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/statis"
)

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `toml:"level"`
	Color bool   `toml:"color"`
}

// JournalConfig controls the on-disk event journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
	// Buffer is the number of events queued for the writer before further
	// ones are dropped.
	Buffer int `toml:"buffer"`
}

// SimConfig shapes the simulated engine used when no hardware is present.
type SimConfig struct {
	// Sequencers lists the contexts wired to a command sequencer.
	Sequencers []int         `toml:"sequencers"`
	IOVABase   uint64        `toml:"iova_base"`
	IOVASize   uint64        `toml:"iova_size"`
	FrameRate  int           `toml:"frame_rate"`
	Sessions   int           `toml:"sessions"`
	Buffers    int           `toml:"buffers"`
	Width      int           `toml:"width"`
	Height     int           `toml:"height"`
	Tuning     statis.Tuning `toml:"tuning"`

	// FaultInterval injects a fault on a random context this often. Zero
	// disables injection.
	FaultInterval time.Duration `toml:"fault_interval"`
}

// Config defines the runtime configuration of the daemon.
type Config struct {
	Log     LogConfig      `toml:"log"`
	Device  device.Config  `toml:"device"`
	Monitor monitor.Config `toml:"monitor"`
	Journal JournalConfig  `toml:"journal"`
	Sim     SimConfig      `toml:"sim"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
		Device: device.DefaultConfig(),
		Monitor: monitor.DefaultConfig(),
		Journal: JournalConfig{
			Dir:    "./journal",
			Buffer: 256,
		},
		Sim: SimConfig{
			Sequencers: []int{0, 1},
			IOVABase:   0x1000_0000,
			IOVASize:   1 << 32,
			FrameRate:  30,
			Sessions:   3,
			Buffers:    4,
			Width:      1920,
			Height:     1080,
			Tuning:     statis.DefaultTuning(),
		},
	}
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	var errs []error
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := c.Device.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("device: %w", err))
	}
	if c.Monitor.Addr != "" && c.Monitor.StatusInterval <= 0 {
		errs = append(errs, errors.New("monitor.status_interval must be positive"))
	}
	if c.Monitor.EventBuffer <= 0 {
		errs = append(errs, errors.New("monitor.event_buffer must be positive"))
	}
	if c.Journal.Enabled && c.Journal.Dir == "" {
		errs = append(errs, errors.New("journal.dir is required when the journal is enabled"))
	}
	if c.Journal.Enabled && c.Journal.Buffer <= 0 {
		errs = append(errs, errors.New("journal.buffer must be positive"))
	}
	for _, hw := range c.Sim.Sequencers {
		if hw < 0 || hw >= c.Device.Contexts {
			errs = append(errs, fmt.Errorf("sim.sequencers: context %d out of range", hw))
		}
	}
	if c.Sim.Sessions > c.Device.Sessions {
		errs = append(errs, fmt.Errorf("sim.sessions (%d) exceeds device.sessions (%d)", c.Sim.Sessions, c.Device.Sessions))
	}
	if c.Sim.FaultInterval < 0 {
		errs = append(errs, errors.New("sim.fault_interval must not be negative"))
	}
	if c.Sim.FrameRate <= 0 {
		errs = append(errs, errors.New("sim.frame_rate must be positive"))
	}
	return errors.Join(errs...)
}

// Load reads a TOML file over the defaults. Keys the configuration does not
// know are an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Write encodes c as TOML.
func (c Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
