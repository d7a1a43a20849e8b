package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admitd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := LoadWithEnv("", noEnv)
	if err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.ListenAddr != ":9292" || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.RateLimit.ClockAccuracy != 1000 || cfg.RateLimit.MaxSleepTimeSeconds != 60 {
		t.Errorf("policy defaults not applied: %+v", cfg.RateLimit)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":8080"
  upstream_url: "https://images.internal:9292"
  shutdown_timeout: 5s
metrics:
  enabled: false
redis:
  addr: ""
  key_ttl: 10m
log:
  level: debug
  format: json
health:
  schedule: "*/10 * * * * *"
ratelimit:
  account_ratelimit: 5
  max_sleep_time_seconds: 2
  image_download: 1
  upload: 0.5
`)
	cfg, err := LoadWithEnv(path, noEnv)
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.IdentityHeader != "X-Auth-Token" {
		t.Errorf("identity header default lost: %q", cfg.Server.IdentityHeader)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics should be disabled")
	}
	if cfg.Redis.Addr != "" || cfg.Redis.KeyTTL != 10*time.Minute || cfg.Redis.Timeout != 500*time.Millisecond {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "debug" {
		t.Errorf("log = %+v", cfg.Log)
	}

	p, err := cfg.Policy()
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if p.AccountRateLimit() != 5 || p.MaxSleepTimeSeconds() != 2 || p.RateBufferSeconds() != 5 {
		t.Errorf("unexpected policy %+v", p.Options())
	}
	if l, _ := p.LimitFor("download"); l != 1 {
		t.Errorf("download limit = %v", l)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := LoadWithEnv("", envMap(map[string]string{
		EnvListenAddr:       ":7000",
		EnvUpstreamURL:      "http://upstream:80",
		EnvRedisAddr:        "redis:6379",
		EnvRedisPassword:    "secret",
		EnvRedisDB:          "3",
		EnvLogLevel:         "warn",
		EnvAccountRateLimit: "12.5",
	}))
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if cfg.Server.ListenAddr != ":7000" || cfg.Server.UpstreamURL != "http://upstream:80" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.Password != "secret" || cfg.Redis.DB != 3 {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Log.Level != "warn" || cfg.RateLimit.AccountRateLimit != 12.5 {
		t.Errorf("log/ratelimit overrides not applied: %+v %+v", cfg.Log, cfg.RateLimit)
	}
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{"bad db", map[string]string{EnvRedisDB: "zero"}, ""},
		{"bad rate", map[string]string{EnvAccountRateLimit: "fast"}, ""},
		{"negative rate", map[string]string{EnvAccountRateLimit: "-1"}, ""},
		{"bad level", map[string]string{EnvLogLevel: "chatty"}, ""},
		{"relative upstream", map[string]string{EnvUpstreamURL: "/images"}, ""},
		{"empty listen", map[string]string{EnvListenAddr: " "}, ""},
		{"bad metrics path", nil, "metrics:\n  path: metrics\n"},
		{"short ttl", nil, "redis:\n  key_ttl: 10s\n"},
		{"unknown action", nil, "ratelimit:\n  delete: 3\n"},
		{"negative shutdown", nil, "server:\n  shutdown_timeout: -1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeConfig(t, tt.file)
			}
			_, err := LoadWithEnv(path, envMap(tt.env))
			if !admiterrors.IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.yaml"), noEnv); err == nil {
		t.Error("expected error for missing file")
	}
	path := writeConfig(t, "server: [not, a, map]\n")
	if _, err := LoadWithEnv(path, noEnv); err == nil {
		t.Error("expected parse error")
	}
}

func TestKeyTTLDisabled(t *testing.T) {
	path := writeConfig(t, "redis:\n  key_ttl: 0s\n")
	if _, err := LoadWithEnv(path, noEnv); err != nil {
		t.Errorf("zero ttl should be accepted: %v", err)
	}
}
