package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8014, cfg.App.HTTPPort)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "eventpulse", cfg.Mongo.DBName)
	assert.Equal(t, 10*time.Second, cfg.Mongo.Timeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.JWT.ExpiresIn)
	assert.Empty(t, cfg.Postgres.DSN)
}

func TestLoadConfig_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
app:
  httpport: 9000
  loglevel: debug
mongo:
  uri: mongodb://mongo:27017
postgres:
  dsn: postgres://file
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	t.Setenv("POSTGRES_DSN", "postgres://env")
	t.Setenv("NATS_URL", "nats://nats:4222")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.App.HTTPPort)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "mongodb://mongo:27017", cfg.Mongo.URI)
	assert.Equal(t, "postgres://env", cfg.Postgres.DSN)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("app: [unterminated"), 0o600))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("EVENTPULSE_TEST_KEY", "value")
	assert.Equal(t, "value", GetEnv("EVENTPULSE_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", GetEnv("EVENTPULSE_MISSING_KEY", "fallback"))
}
