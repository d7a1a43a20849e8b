package policy

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/vnykmshr/admit/pkg/classify"
)

// Default option values.
const (
	DefaultClockAccuracy       = 1000
	DefaultRateBufferSeconds   = 5
	DefaultMaxSleepTimeSeconds = 60.0

	// MaxClockAccuracy bounds clock_accuracy so that virtual timestamps
	// and their nanosecond conversions stay within int64.
	MaxClockAccuracy = 1_000_000
)

// Options is the raw, mutable form of a policy as read from configuration.
// Action limits are keyed by action name; the legacy image_ spelling is
// accepted. A zero rate disables the corresponding limit.
type Options struct {
	ClockAccuracy       int                `yaml:"clock_accuracy"`
	RateBufferSeconds   int                `yaml:"rate_buffer_seconds"`
	MaxSleepTimeSeconds float64            `yaml:"max_sleep_time_seconds"`
	LogSleepTimeSeconds float64            `yaml:"log_sleep_time_seconds"`
	AccountRateLimit    float64            `yaml:"account_ratelimit"`
	Actions             map[string]float64 `yaml:",inline"`
}

// DefaultOptions returns options with every limit disabled.
func DefaultOptions() Options {
	return Options{
		ClockAccuracy:       DefaultClockAccuracy,
		RateBufferSeconds:   DefaultRateBufferSeconds,
		MaxSleepTimeSeconds: DefaultMaxSleepTimeSeconds,
	}
}

// WithAction returns a copy of o with the limit for action set to rate.
func (o Options) WithAction(action classify.Action, rate float64) Options {
	actions := make(map[string]float64, len(o.Actions)+1)
	for k, v := range o.Actions {
		actions[k] = v
	}
	actions[string(action)] = rate
	o.Actions = actions
	return o
}

// Load reads a YAML policy file. Keys missing from the file keep their defaults.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a policy from YAML.
func Parse(data []byte) (*Policy, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return New(opts)
}

// FromMap builds a policy from flat string settings, as found in
// paste-deploy style filter sections. Keys that are neither options nor
// action names are ignored.
func FromMap(conf map[string]string) (*Policy, error) {
	opts := DefaultOptions()

	for key, raw := range conf {
		var err error
		switch key {
		case "clock_accuracy":
			opts.ClockAccuracy, err = strconv.Atoi(raw)
		case "rate_buffer_seconds":
			opts.RateBufferSeconds, err = strconv.Atoi(raw)
		case "max_sleep_time_seconds":
			opts.MaxSleepTimeSeconds, err = strconv.ParseFloat(raw, 64)
		case "log_sleep_time_seconds":
			opts.LogSleepTimeSeconds, err = strconv.ParseFloat(raw, 64)
		case "account_ratelimit":
			opts.AccountRateLimit, err = strconv.ParseFloat(raw, 64)
		default:
			if _, ok := classify.ParseAction(key); !ok {
				continue
			}
			var rate float64
			rate, err = strconv.ParseFloat(raw, 64)
			if err == nil {
				if opts.Actions == nil {
					opts.Actions = make(map[string]float64)
				}
				opts.Actions[key] = rate
			}
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s=%q: %w", key, raw, err)
		}
	}

	return New(opts)
}
