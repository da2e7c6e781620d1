// Package config loads inboxflow settings from a YAML file and INBOXFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/petrijr/inboxflow/internal/retry"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

var drivers = []string{DriverMemory, DriverSQLite, DriverPostgres, DriverRedis, DriverMongo}

// EnvPrefix prefixes every environment override, e.g. INBOXFLOW_STORE_DRIVER.
const EnvPrefix = "INBOXFLOW"

// Config holds the configuration for the application.
type Config struct {
	Store struct {
		Driver        string `mapstructure:"driver"`
		SQLitePath    string `mapstructure:"sqlite_path"`
		PostgresDSN   string `mapstructure:"postgres_dsn"`
		RedisAddr     string `mapstructure:"redis_addr"`
		RedisPrefix   string `mapstructure:"redis_prefix"`
		MongoURI      string `mapstructure:"mongo_uri"`
		MongoDatabase string `mapstructure:"mongo_database"`
	} `mapstructure:"store"`

	Retry struct {
		MaxRetries   int           `mapstructure:"max_retries"`
		BaseDelay    time.Duration `mapstructure:"base_delay"`
		MaxDelay     time.Duration `mapstructure:"max_delay"`
		StageTimeout time.Duration `mapstructure:"stage_timeout"`
		// RateLimit is calls per second across all collaborators. Zero disables it.
		RateLimit float64 `mapstructure:"rate_limit"`
		Burst     int     `mapstructure:"burst"`
	} `mapstructure:"retry"`

	Engine struct {
		DeadLetterCeiling int           `mapstructure:"dead_letter_ceiling"`
		LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
		StalledAfter      time.Duration `mapstructure:"stalled_after"`
	} `mapstructure:"engine"`

	Worker struct {
		Concurrency int `mapstructure:"concurrency"`
		// Queue selects the task queue backend. Empty means the store driver.
		Queue        string        `mapstructure:"queue"`
		MaxAttempts  int           `mapstructure:"max_attempts"`
		Backoff      time.Duration `mapstructure:"backoff"`
		RecoverEvery time.Duration `mapstructure:"recover_every"`
	} `mapstructure:"worker"`

	Alerts struct {
		ErrorRateThreshold float64       `mapstructure:"error_rate_threshold"`
		Window             time.Duration `mapstructure:"window"`
		MinSamples         int           `mapstructure:"min_samples"`
		Cooldown           time.Duration `mapstructure:"cooldown"`
	} `mapstructure:"alerts"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	OpenAI struct {
		APIKey  string `mapstructure:"api_key"`
		BaseURL string `mapstructure:"base_url"`
		Model   string `mapstructure:"model"`
	} `mapstructure:"openai"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "inboxflow.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_prefix", "inboxflow:")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "inboxflow")

	policy := retry.DefaultPolicy()
	v.SetDefault("retry.max_retries", policy.MaxRetries)
	v.SetDefault("retry.base_delay", policy.BaseDelay)
	v.SetDefault("retry.max_delay", policy.MaxDelay)
	v.SetDefault("retry.stage_timeout", 30*time.Second)
	v.SetDefault("retry.rate_limit", 0)
	v.SetDefault("retry.burst", 1)

	v.SetDefault("engine.dead_letter_ceiling", 3)
	v.SetDefault("engine.lease_ttl", 5*time.Minute)
	v.SetDefault("engine.stalled_after", 10*time.Minute)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue", "")
	v.SetDefault("worker.max_attempts", 10)
	v.SetDefault("worker.backoff", time.Second)
	v.SetDefault("worker.recover_every", time.Minute)

	v.SetDefault("alerts.error_rate_threshold", 0.1)
	v.SetDefault("alerts.window", 15*time.Minute)
	v.SetDefault("alerts.min_samples", 20)
	v.SetDefault("alerts.cooldown", 15*time.Minute)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads path, or inboxflow.yaml from the working directory and
// ./config when path is empty. A missing default file is not an error.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("inboxflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Worker.Queue == "" {
		cfg.Worker.Queue = cfg.Store.Driver
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case !slices.Contains(drivers, c.Store.Driver):
		return fmt.Errorf("config: store.driver %q is not one of %v", c.Store.Driver, drivers)
	case !slices.Contains(drivers, c.Worker.Queue):
		return fmt.Errorf("config: worker.queue %q is not one of %v", c.Worker.Queue, drivers)
	case c.Store.Driver == DriverPostgres && c.Store.PostgresDSN == "":
		return errors.New("config: store.postgres_dsn is required for the postgres driver")
	case c.Retry.MaxRetries < 1:
		return errors.New("config: retry.max_retries must be at least 1")
	case c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0:
		return errors.New("config: retry delays must not be negative")
	case c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay:
		return errors.New("config: retry.max_delay is below retry.base_delay")
	case c.Engine.DeadLetterCeiling < 1:
		return errors.New("config: engine.dead_letter_ceiling must be at least 1")
	case c.Engine.LeaseTTL <= 0:
		return errors.New("config: engine.lease_ttl must be positive")
	case c.Worker.Concurrency < 1:
		return errors.New("config: worker.concurrency must be at least 1")
	case c.Alerts.ErrorRateThreshold < 0 || c.Alerts.ErrorRateThreshold > 1:
		return errors.New("config: alerts.error_rate_threshold must be within [0, 1]")
	}
	return nil
}

// RetryPolicy returns the retry executor policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:     c.Retry.MaxRetries,
		BaseDelay:      c.Retry.BaseDelay,
		MaxDelay:       c.Retry.MaxDelay,
		AttemptTimeout: c.Retry.StageTimeout,
	}
}
