package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaultsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, WriteDefault(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, NewDefault(), cfg)

	assert.Error(t, WriteDefault(path, false))
	assert.NoError(t, WriteDefault(path, true))
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[engine]
allow_reset = true

[loader]
interval = "1s"

[database]
driver = "postgres"
dsn = "postgres://matching@localhost/matching"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.LogLevel.Get())
	assert.True(t, cfg.Engine.AllowReset)
	assert.Equal(t, time.Second, cfg.Loader.Interval.Get())
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 1000, cfg.Loader.BatchSize)
	assert.Equal(t, uint64(1000), cfg.Snapshot.Interval)
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	unknown := filepath.Join(dir, "unknown.toml")
	require.NoError(t, os.WriteFile(unknown, []byte("colour = \"blue\"\n"), 0o644))
	_, err := Load(unknown)
	assert.Error(t, err)

	driver := filepath.Join(dir, "driver.toml")
	require.NoError(t, os.WriteFile(driver, []byte("[database]\ndriver = \"mysql\"\n"), 0o644))
	_, err = Load(driver)
	assert.Error(t, err)

	duration := filepath.Join(dir, "duration.toml")
	require.NoError(t, os.WriteFile(duration, []byte("[loader]\ninterval = \"soon\"\n"), 0o644))
	_, err = Load(duration)
	assert.Error(t, err)
}
