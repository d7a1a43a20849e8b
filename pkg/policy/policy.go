// Package policy holds the immutable rate limit policy and resolves which
// rate buckets apply to a request.
//
// A policy carries one optional account-wide rate and one optional rate per
// action, together with the clock and sleep settings the admission engine
// uses. It is built once at startup and shared read-only afterwards.
package policy

import (
	"fmt"
	"math"
	"net/http"
	"sort"

	"github.com/vnykmshr/admit/pkg/classify"
	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
	"github.com/vnykmshr/admit/pkg/common/validation"
)

const module = "policy"

// keyPrefix starts every bucket key.
const keyPrefix = "ratelimit/"

// ScopeAccount is the scope of the account-wide bucket.
const ScopeAccount = "account"

// limitableMethods are the methods counted against the account-wide rate.
var limitableMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPut:    true,
	http.MethodPost:   true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// ConfigurationError reports an action the policy knows nothing about.
type ConfigurationError struct {
	Action string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unknown action in rate limit policy: %q", e.Action)
}

// Unwrap matches both ErrUnknownAction and ErrInvalidConfiguration.
func (e *ConfigurationError) Unwrap() []error {
	return []error{admiterrors.ErrUnknownAction, admiterrors.ErrInvalidConfiguration}
}

// Bucket is one counter a request is checked against.
type Bucket struct {
	Key   string
	Rate  float64
	Scope string
}

// Policy is an immutable rate limit policy.
type Policy struct {
	clockAccuracy     int64
	rateBufferSeconds int64
	maxSleepSeconds   float64
	logSleepSeconds   float64
	accountRate       float64
	limits            map[classify.Action]float64
}

// New validates opts and builds a policy.
func New(opts Options) (*Policy, error) {
	if err := validation.ValidatePositive(module, "clock_accuracy", opts.ClockAccuracy); err != nil {
		return nil, err
	}
	if opts.ClockAccuracy > MaxClockAccuracy {
		return nil, admiterrors.NewValidationError(module, "clock_accuracy", opts.ClockAccuracy, "too large").
			WithHint(fmt.Sprintf("use at most %d units per second", MaxClockAccuracy))
	}
	if err := validation.ValidateNonNegativeInt(module, "rate_buffer_seconds", opts.RateBufferSeconds); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositiveFloat(module, "max_sleep_time_seconds", opts.MaxSleepTimeSeconds); err != nil {
		return nil, err
	}
	if err := validation.ValidateNonNegative(module, "log_sleep_time_seconds", opts.LogSleepTimeSeconds); err != nil {
		return nil, err
	}
	if err := validateRate("account_ratelimit", opts.AccountRateLimit, opts.ClockAccuracy); err != nil {
		return nil, err
	}

	p := &Policy{
		clockAccuracy:     int64(opts.ClockAccuracy),
		rateBufferSeconds: int64(opts.RateBufferSeconds),
		maxSleepSeconds:   opts.MaxSleepTimeSeconds,
		logSleepSeconds:   opts.LogSleepTimeSeconds,
		accountRate:       opts.AccountRateLimit,
		limits:            make(map[classify.Action]float64, len(classify.Actions())),
	}
	for _, a := range classify.Actions() {
		p.limits[a] = 0
	}

	seen := make(map[classify.Action]string, len(opts.Actions))
	for _, name := range sortedKeys(opts.Actions) {
		action, ok := classify.ParseAction(name)
		if !ok {
			return nil, admiterrors.NewValidationError(module, name, opts.Actions[name], "unknown option").
				WithHint(fmt.Sprintf("actions are %v", classify.Actions()))
		}
		if prev, dup := seen[action]; dup {
			return nil, admiterrors.NewValidationError(module, name, opts.Actions[name], "duplicate action").
				WithHint("already set by " + prev)
		}
		seen[action] = name
		if err := validateRate(name, opts.Actions[name], opts.ClockAccuracy); err != nil {
			return nil, err
		}
		p.limits[action] = opts.Actions[name]
	}

	return p, nil
}

// MustNew is like New but panics on invalid options.
func MustNew(opts Options) *Policy {
	p, err := New(opts)
	if err != nil {
		panic(err)
	}
	return p
}

// validateRate rejects rates whose spacing rounds to zero clock units, which
// would admit everything.
func validateRate(field string, rate float64, clockAccuracy int) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return admiterrors.NewValidationError(module, field, rate, "must be a finite number")
	}
	if err := validation.ValidateNonNegative(module, field, rate); err != nil {
		return err
	}
	if rate > 0 && math.Round(float64(clockAccuracy)/rate) < 1 {
		return admiterrors.NewValidationError(module, field, rate, "finer than clock_accuracy").
			WithHint(fmt.Sprintf("use at most %d or raise clock_accuracy", 2*clockAccuracy))
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LimitFor returns the configured rate for action. Zero means the action is
// not limited on its own. Unknown actions return a *ConfigurationError.
func (p *Policy) LimitFor(action string) (float64, error) {
	a, ok := classify.ParseAction(action)
	if !ok {
		return 0, &ConfigurationError{Action: action}
	}
	return p.limits[a], nil
}

// Buckets returns the buckets a request must pass, in evaluation order: the
// account bucket first, then the action bucket. An empty action skips the
// action bucket and legacy action names are keyed by their short form. For
// an unknown action the account bucket is still returned together with a
// *ConfigurationError.
func (p *Policy) Buckets(identity, method, action string) ([]Bucket, error) {
	var buckets []Bucket

	if p.accountRate > 0 && limitableMethods[method] {
		buckets = append(buckets, Bucket{
			Key:   AccountKey(identity),
			Rate:  p.accountRate,
			Scope: ScopeAccount,
		})
	}

	if action == "" {
		return buckets, nil
	}
	a, ok := classify.ParseAction(action)
	if !ok {
		return buckets, &ConfigurationError{Action: action}
	}
	if limit := p.limits[a]; limit > 0 {
		buckets = append(buckets, Bucket{
			Key:   ActionKey(identity, string(a)),
			Rate:  limit,
			Scope: string(a),
		})
	}
	return buckets, nil
}

// AccountKey returns the account-wide bucket key for identity.
func AccountKey(identity string) string {
	return keyPrefix + identity
}

// ActionKey returns the bucket key for identity and action.
func ActionKey(identity, action string) string {
	return keyPrefix + identity + "/" + action
}

// ClockAccuracy is the number of counter units per second.
func (p *Policy) ClockAccuracy() int64 { return p.clockAccuracy }

// RateBufferSeconds is the idle window after which accumulated debt is forgiven.
func (p *Policy) RateBufferSeconds() int64 { return p.rateBufferSeconds }

// MaxSleepTimeSeconds is the delay at which requests are rejected.
func (p *Policy) MaxSleepTimeSeconds() float64 { return p.maxSleepSeconds }

// LogSleepTimeSeconds is the delay above which a warning is logged. Zero disables it.
func (p *Policy) LogSleepTimeSeconds() float64 { return p.logSleepSeconds }

// AccountRateLimit is the account-wide rate. Zero disables it.
func (p *Policy) AccountRateLimit() float64 { return p.accountRate }

// Options returns the policy in its option form, with actions under their
// short names.
func (p *Policy) Options() Options {
	opts := Options{
		ClockAccuracy:       int(p.clockAccuracy),
		RateBufferSeconds:   int(p.rateBufferSeconds),
		MaxSleepTimeSeconds: p.maxSleepSeconds,
		LogSleepTimeSeconds: p.logSleepSeconds,
		AccountRateLimit:    p.accountRate,
		Actions:             make(map[string]float64, len(p.limits)),
	}
	for a, r := range p.limits {
		opts.Actions[string(a)] = r
	}
	return opts
}
