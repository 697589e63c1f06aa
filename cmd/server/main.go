package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"matching/config"
)

// ConfigFlag is shared by every command that reads the config file.
type ConfigFlag struct {
	ConfigPath string `short:"c" long:"config" description:"Path to the toml config file; defaults are used when empty"`
}

func (f ConfigFlag) load() (config.Config, error) {
	if f.ConfigPath == "" {
		cfg := config.NewDefault()
		return cfg, cfg.Validate()
	}
	return config.Load(f.ConfigPath)
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func main() {
	parser := flags.NewParser(nil, flags.Default)

	cmds := []struct {
		name, short, long string
		data              any
	}{
		{"run", "Run the matching server", "Recover every instrument, then serve gRPC and Kafka commands", &runCmd},
		{"reset", "Wipe all matching state", "Delete WAL segments, snapshots and drain progress (engine.allow_reset must be set)", &resetCmd},
		{"genconfig", "Write the default config", "Write the default toml configuration to a file", &genconfigCmd},
	}
	for _, c := range cmds {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
