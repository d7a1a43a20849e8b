package policy

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/vnykmshr/admit/pkg/classify"
	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
)

const tok = "HPAuth10_123456789"

func TestDefaultOptions(t *testing.T) {
	p, err := New(DefaultOptions())
	if err != nil {
		t.Fatalf("New(DefaultOptions()): %v", err)
	}
	if p.ClockAccuracy() != 1000 {
		t.Errorf("ClockAccuracy = %d, want 1000", p.ClockAccuracy())
	}
	if p.RateBufferSeconds() != 5 {
		t.Errorf("RateBufferSeconds = %d, want 5", p.RateBufferSeconds())
	}
	if p.MaxSleepTimeSeconds() != 60 {
		t.Errorf("MaxSleepTimeSeconds = %v, want 60", p.MaxSleepTimeSeconds())
	}
	if p.LogSleepTimeSeconds() != 0 || p.AccountRateLimit() != 0 {
		t.Error("log sleep and account rate should default to 0")
	}
	for _, a := range classify.Actions() {
		limit, err := p.LimitFor(string(a))
		if err != nil || limit != 0 {
			t.Errorf("LimitFor(%s) = %v, %v; want 0, nil", a, limit, err)
		}
	}
}

func TestBuckets(t *testing.T) {
	opts := DefaultOptions()
	opts.AccountRateLimit = 10
	opts.Actions = map[string]float64{
		"image_list":     5,
		"image_download": 5,
		"image_register": 5,
		"image_upload":   5,
		"image_update":   5,
	}
	p := MustNew(opts)

	for name := range opts.Actions {
		t.Run(name, func(t *testing.T) {
			short, _ := classify.ParseAction(name)
			got, err := p.Buckets(tok, "GET", name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := []Bucket{
				{Key: "ratelimit/" + tok, Rate: 10, Scope: ScopeAccount},
				{Key: "ratelimit/" + tok + "/" + string(short), Rate: 5, Scope: string(short)},
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("Buckets = %+v, want %+v", got, want)
			}
		})
	}
}

func TestBucketsSelection(t *testing.T) {
	opts := DefaultOptions().WithAction(classify.ActionUpload, 2)
	opts.AccountRateLimit = 4
	p := MustNew(opts)

	tests := []struct {
		name    string
		method  string
		action  string
		want    []string
		wantErr bool
	}{
		{"account and action", "PUT", "upload", []string{"ratelimit/a", "ratelimit/a/upload"}, false},
		{"no action classified", "GET", "", []string{"ratelimit/a"}, false},
		{"action without limit", "GET", "list", []string{"ratelimit/a"}, false},
		{"non limitable method", "OPTIONS", "upload", []string{"ratelimit/a/upload"}, false},
		{"unknown action keeps account bucket", "GET", "foobar", []string{"ratelimit/a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buckets, err := p.Buckets("a", tt.method, tt.action)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var keys []string
			for _, b := range buckets {
				keys = append(keys, b.Key)
			}
			if !reflect.DeepEqual(keys, tt.want) {
				t.Errorf("keys = %v, want %v", keys, tt.want)
			}
		})
	}

	empty := MustNew(DefaultOptions())
	buckets, err := empty.Buckets("a", "GET", "list")
	if err != nil || len(buckets) != 0 {
		t.Errorf("expected no buckets, got %v, %v", buckets, err)
	}
}

func TestLimitForUnknownAction(t *testing.T) {
	p := MustNew(DefaultOptions())

	for _, action := range []string{"foobar", "_list", "", "image_", "1"} {
		_, err := p.LimitFor(action)
		var cerr *ConfigurationError
		if !errors.As(err, &cerr) {
			t.Errorf("LimitFor(%q) = %v, want *ConfigurationError", action, err)
			continue
		}
		if !errors.Is(err, admiterrors.ErrUnknownAction) || !errors.Is(err, admiterrors.ErrInvalidConfiguration) {
			t.Errorf("LimitFor(%q) error does not match sentinels", action)
		}
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero clock accuracy", func(o *Options) { o.ClockAccuracy = 0 }},
		{"clock accuracy too large", func(o *Options) { o.ClockAccuracy = MaxClockAccuracy + 1 }},
		{"negative rate buffer", func(o *Options) { o.RateBufferSeconds = -1 }},
		{"zero max sleep", func(o *Options) { o.MaxSleepTimeSeconds = 0 }},
		{"negative log sleep", func(o *Options) { o.LogSleepTimeSeconds = -1 }},
		{"negative account rate", func(o *Options) { o.AccountRateLimit = -1 }},
		{"rate finer than clock", func(o *Options) { o.AccountRateLimit = 5000 }},
		{"unknown action key", func(o *Options) { o.Actions = map[string]float64{"delete": 1} }},
		{"negative action rate", func(o *Options) { o.Actions = map[string]float64{"list": -2} }},
		{"duplicate action", func(o *Options) { o.Actions = map[string]float64{"list": 1, "image_list": 2} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := New(opts)
			if !admiterrors.IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !errors.Is(err, admiterrors.ErrInvalidConfiguration) {
				t.Error("validation error should match ErrInvalidConfiguration")
			}
		})
	}
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
clock_accuracy: 100
max_sleep_time_seconds: 1
account_ratelimit: 2
image_download: 0.5
upload: 3
`)
	p, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.ClockAccuracy() != 100 || p.MaxSleepTimeSeconds() != 1 || p.AccountRateLimit() != 2 {
		t.Errorf("unexpected options %+v", p.Options())
	}
	if p.RateBufferSeconds() != DefaultRateBufferSeconds {
		t.Errorf("omitted key should keep default, got %d", p.RateBufferSeconds())
	}
	if l, _ := p.LimitFor("download"); l != 0.5 {
		t.Errorf("download limit = %v, want 0.5", l)
	}
	if l, _ := p.LimitFor("image_upload"); l != 3 {
		t.Errorf("upload limit = %v, want 3", l)
	}

	if _, err := Parse([]byte("unknown_thing: 4\n")); !admiterrors.IsValidationError(err) {
		t.Errorf("unknown key should fail validation, got %v", err)
	}
	if _, err := Parse([]byte("list: [1, 2]\n")); err == nil {
		t.Error("non-numeric rate should fail")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("account_ratelimit: 5\nlist: 10\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.AccountRateLimit() != 5 {
		t.Errorf("AccountRateLimit = %v, want 5", p.AccountRateLimit())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFromMap(t *testing.T) {
	p, err := FromMap(map[string]string{
		"clock_accuracy":         "100",
		"rate_buffer_seconds":    "3",
		"max_sleep_time_seconds": "1.5",
		"log_sleep_time_seconds": "0.25",
		"account_ratelimit":      "2",
		"image_register":         "4",
		"paste.filter_factory":   "ignored",
		"bind_port":              "9292",
	})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	want := Options{
		ClockAccuracy:       100,
		RateBufferSeconds:   3,
		MaxSleepTimeSeconds: 1.5,
		LogSleepTimeSeconds: 0.25,
		AccountRateLimit:    2,
		Actions: map[string]float64{
			"list": 0, "download": 0, "register": 4, "upload": 0, "update": 0,
		},
	}
	if got := p.Options(); !reflect.DeepEqual(got, want) {
		t.Errorf("Options = %+v, want %+v", got, want)
	}

	if _, err := FromMap(map[string]string{"clock_accuracy": "fast"}); err == nil {
		t.Error("expected parse error")
	}
	if _, err := FromMap(map[string]string{"list": "-1"}); !admiterrors.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestWithActionDoesNotAlias(t *testing.T) {
	base := DefaultOptions().WithAction(classify.ActionList, 1)
	derived := base.WithAction(classify.ActionList, 9)
	if base.Actions["list"] != 1 || derived.Actions["list"] != 9 {
		t.Errorf("WithAction mutated its receiver: base=%v derived=%v", base.Actions, derived.Actions)
	}
}
