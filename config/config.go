// Package config is the toml configuration of the matching server.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel    LogLevel `toml:"log_level"`
	DataDir     string   `toml:"data_dir"`
	MetricsAddr string   `toml:"metrics_addr"`

	Engine   Engine   `toml:"engine"`
	WAL      WAL      `toml:"wal"`
	Snapshot Snapshot `toml:"snapshot"`
	Loader   Loader   `toml:"loader"`
	Database Database `toml:"database"`
	Kafka    Kafka    `toml:"kafka"`
	Relay    Relay    `toml:"relay"`
	GRPC     GRPC     `toml:"grpc"`
}

type Engine struct {
	QueueSize         int  `toml:"queue_size"`
	ProcessedCapacity int  `toml:"processed_capacity"`
	ReplayBatch       int  `toml:"replay_batch"`
	AllowReset        bool `toml:"allow_reset"`
}

type WAL struct {
	SegmentSize        int64 `toml:"segment_size"`
	PruneAfterSnapshot bool  `toml:"prune_after_snapshot"`
}

type Snapshot struct {
	Interval uint64 `toml:"interval"`
}

type Loader struct {
	Interval  Duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

type Database struct {
	Driver          string   `toml:"driver"`
	DSN             string   `toml:"dsn"`
	MaxOpenConns    int      `toml:"max_open_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
}

type Kafka struct {
	Brokers  []string `toml:"brokers"`
	ClientID string   `toml:"client_id"`

	// Command intake; disabled when CommandTopic is empty.
	CommandTopic string   `toml:"command_topic"`
	Partitions   []int    `toml:"partitions"`
	MaxWait      Duration `toml:"max_wait"`

	// Reset announcements; disabled when ControlTopic is empty.
	ControlTopic string `toml:"control_topic"`
}

type Relay struct {
	Enabled        bool     `toml:"enabled"`
	Interval       Duration `toml:"interval"`
	BatchSize      int      `toml:"batch_size"`
	MaxRetries     uint64   `toml:"max_retries"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

type GRPC struct {
	Address string `toml:"address"`
}

func NewDefault() Config {
	return Config{
		LogLevel:    LogLevel{Level: zapcore.InfoLevel},
		DataDir:     "./data",
		MetricsAddr: ":9102",
		Engine: Engine{
			QueueSize:         1024,
			ProcessedCapacity: 1_000_000,
			ReplayBatch:       1000,
		},
		WAL: WAL{
			SegmentSize: 64 << 20,
		},
		Snapshot: Snapshot{
			Interval: 1000,
		},
		Loader: Loader{
			Interval:  Duration{250 * time.Millisecond},
			BatchSize: 1000,
		},
		Database: Database{
			Driver:          "sqlite",
			DSN:             "./data/matching.db",
			MaxOpenConns:    8,
			ConnMaxLifetime: Duration{30 * time.Minute},
		},
		Kafka: Kafka{
			Brokers:    []string{"localhost:9092"},
			ClientID:   "matching-engine",
			Partitions: []int{0},
			MaxWait:    Duration{250 * time.Millisecond},
		},
		Relay: Relay{
			Interval:       Duration{250 * time.Millisecond},
			BatchSize:      500,
			MaxRetries:     5,
			InitialBackoff: Duration{100 * time.Millisecond},
			MaxBackoff:     Duration{5 * time.Second},
		},
		GRPC: GRPC{
			Address: ":50051",
		},
	}
}

// Load decodes path over the defaults. Keys missing from the file keep
// their default value; unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := NewDefault()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, errors.Wrapf(err, "decode %s", path)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return cfg, errors.Errorf("unknown config keys in %s: %v", path, undec)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return errors.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if (c.Kafka.CommandTopic != "" || c.Kafka.ControlTopic != "" || c.Relay.Enabled) && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is used")
	}
	return nil
}

// Encode renders c as toml.
func Encode(c Config) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(c); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return errors.Errorf("%s already exists", path)
	}
	raw, err := Encode(NewDefault())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config dir")
	}
	return errors.Wrap(os.WriteFile(path, raw, 0o644), "write config")
}
