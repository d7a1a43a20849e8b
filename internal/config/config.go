// Package config loads the admitd service configuration from a YAML file
// and environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vnykmshr/admit/internal/logging"
	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
	"github.com/vnykmshr/admit/pkg/common/validation"
	"github.com/vnykmshr/admit/pkg/health"
	"github.com/vnykmshr/admit/pkg/middleware"
	"github.com/vnykmshr/admit/pkg/policy"
)

const module = "config"

// Environment variables that override the file.
const (
	EnvListenAddr       = "ADMIT_LISTEN_ADDR"
	EnvUpstreamURL      = "ADMIT_UPSTREAM_URL"
	EnvRedisAddr        = "ADMIT_REDIS_ADDR"
	EnvRedisPassword    = "ADMIT_REDIS_PASSWORD"
	EnvRedisDB          = "ADMIT_REDIS_DB"
	EnvLogLevel         = "ADMIT_LOG_LEVEL"
	EnvAccountRateLimit = "ADMIT_ACCOUNT_RATELIMIT"
)

// Config is the admitd configuration.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Redis     RedisConfig    `yaml:"redis"`
	Log       LogConfig      `yaml:"log"`
	Health    HealthConfig   `yaml:"health"`
	RateLimit policy.Options `yaml:"ratelimit"`
}

// ServerConfig configures the proxy listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	UpstreamURL     string        `yaml:"upstream_url"`
	IdentityHeader  string        `yaml:"identity_header"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// RedisConfig configures the counter store. An empty Addr runs without a
// store, which admits every request.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	Timeout  time.Duration `yaml:"timeout"`
	KeyTTL   time.Duration `yaml:"key_ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HealthConfig configures the store prober.
type HealthConfig struct {
	Schedule string        `yaml:"schedule"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":9292",
			UpstreamURL:     "http://127.0.0.1:9191",
			IdentityHeader:  middleware.DefaultIdentityHeader,
			ShutdownTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
			Path:       "/metrics",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Prefix:  "admit:",
			Timeout: 500 * time.Millisecond,
			KeyTTL:  time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
		Health: HealthConfig{
			Schedule: health.DefaultSchedule,
			Timeout:  health.DefaultTimeout,
		},
		RateLimit: policy.DefaultOptions(),
	}
}

// Load reads path (optional), applies environment overrides and validates
// the result.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvListenAddr); ok {
		cfg.Server.ListenAddr = v
	}
	if v, ok := lookup(EnvUpstreamURL); ok {
		cfg.Server.UpstreamURL = v
	}
	if v, ok := lookup(EnvRedisAddr); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := lookup(EnvRedisPassword); ok {
		cfg.Redis.Password = v
	}
	if v, ok := lookup(EnvRedisDB); ok {
		db, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return admiterrors.NewValidationError(module, EnvRedisDB, v, "not an integer")
		}
		cfg.Redis.DB = db
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookup(EnvAccountRateLimit); ok {
		rate, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return admiterrors.NewValidationError(module, EnvAccountRateLimit, v, "not a number")
		}
		cfg.RateLimit.AccountRateLimit = rate
	}
	return nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := validation.ValidateNotEmpty(module, "server.listen_addr", c.Server.ListenAddr); err != nil {
		return err
	}
	u, err := url.Parse(c.Server.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return admiterrors.NewValidationError(module, "server.upstream_url", c.Server.UpstreamURL, "not an absolute http(s) URL")
	}
	if err := validation.ValidateNotEmpty(module, "server.identity_header", c.Server.IdentityHeader); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration(module, "server.shutdown_timeout", c.Server.ShutdownTimeout); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		if err := validation.ValidateNotEmpty(module, "metrics.listen_addr", c.Metrics.ListenAddr); err != nil {
			return err
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return admiterrors.NewValidationError(module, "metrics.path", c.Metrics.Path, "must start with /")
		}
	}

	if err := validation.ValidateNonNegativeInt(module, "redis.db", c.Redis.DB); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration(module, "redis.timeout", c.Redis.Timeout); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration(module, "redis.key_ttl", c.Redis.KeyTTL); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration(module, "health.timeout", c.Health.Timeout); err != nil {
		return err
	}

	if _, err := logging.New(c.LoggingConfig()); err != nil {
		return err
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if err := c.checkKeyTTL(); err != nil {
		return err
	}
	return nil
}

// checkKeyTTL rejects a key TTL shorter than the longest debt a bucket can
// carry, which would let idle keys expire while still owed.
func (c Config) checkKeyTTL() error {
	if c.Redis.KeyTTL == 0 {
		return nil
	}
	seconds := float64(c.RateLimit.RateBufferSeconds) + c.RateLimit.MaxSleepTimeSeconds
	horizon := time.Duration(seconds * float64(time.Second))
	if c.Redis.KeyTTL < horizon {
		return admiterrors.NewValidationError(module, "redis.key_ttl", c.Redis.KeyTTL, "shorter than rate buffer plus max sleep").
			WithHint(fmt.Sprintf("use at least %v or 0 to disable expiry", horizon))
	}
	return nil
}

// Policy builds the rate limit policy from the ratelimit section.
func (c Config) Policy() (*policy.Policy, error) {
	return policy.New(c.RateLimit)
}

// LoggingConfig returns the logger configuration.
func (c Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, Output: os.Stderr}
}
