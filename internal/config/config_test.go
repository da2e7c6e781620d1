package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, DriverSQLite, cfg.Worker.Queue)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 3, cfg.Engine.DeadLetterCeiling)
	assert.Equal(t, 5*time.Minute, cfg.Engine.LeaseTTL)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)

	p := cfg.RetryPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 30*time.Second, p.AttemptTimeout)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inboxflow.yaml")
	yaml := `
store:
  driver: redis
  redis_addr: cache:6379
retry:
  max_retries: 5
  base_delay: 500ms
engine:
  lease_ttl: 2m
worker:
  concurrency: 8
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("INBOXFLOW_WORKER_CONCURRENCY", "2")
	t.Setenv("INBOXFLOW_ENGINE_DEAD_LETTER_CEILING", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, DriverRedis, cfg.Worker.Queue)
	assert.Equal(t, "cache:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 2*time.Minute, cfg.Engine.LeaseTTL)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, 5, cfg.Engine.DeadLetterCeiling)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())

	cases := map[string]map[string]string{
		"unknown driver":       {"INBOXFLOW_STORE_DRIVER": "cassandra"},
		"postgres without dsn": {"INBOXFLOW_STORE_DRIVER": "postgres"},
		"zero retries":         {"INBOXFLOW_RETRY_MAX_RETRIES": "0"},
		"zero ceiling":         {"INBOXFLOW_ENGINE_DEAD_LETTER_CEILING": "0"},
		"max below base":       {"INBOXFLOW_RETRY_MAX_DELAY": "1s", "INBOXFLOW_RETRY_BASE_DELAY": "2s"},
		"threshold above one":  {"INBOXFLOW_ALERTS_ERROR_RATE_THRESHOLD": "1.5"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
