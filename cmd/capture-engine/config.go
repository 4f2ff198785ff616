package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

// configCmd implements subcommands.Command for the "config" command.
type configCmd struct{}

// Name implements subcommands.Command.
func (*configCmd) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.
func (*configCmd) Synopsis() string {
	return "print the effective configuration as TOML"
}

// Usage implements subcommands.Command.
func (*configCmd) Usage() string {
	return `config - print the configuration after defaults, the -config file and
flag overrides are applied.
`
}

// SetFlags implements subcommands.Command.
func (*configCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.
func (*configCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() > 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig()
	if err != nil {
		return fatalf("%v", err)
	}
	if err := cfg.Write(os.Stdout); err != nil {
		return fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
