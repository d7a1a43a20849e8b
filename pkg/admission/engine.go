package admission

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vnykmshr/admit/internal/logging"
	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
	"github.com/vnykmshr/admit/pkg/counter"
	"github.com/vnykmshr/admit/pkg/metrics"
	"github.com/vnykmshr/admit/pkg/policy"
)

// rejectTolerance is the fraction of a second below the maximum sleep time
// that already counts as exceeding it.
const rejectTolerance = 0.01

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Sleeper waits for a duration or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithSleeper replaces the timer based wait used by Admit.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleeper = s }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine makes admission decisions against a shared counter store. It holds
// no per-bucket state and is safe for concurrent use.
type Engine struct {
	store   counter.Store
	policy  *policy.Policy
	clock   Clock
	sleeper Sleeper
	logger  logrus.FieldLogger
	metrics *metrics.Registry

	bypassWarning rate.Sometimes
}

// New creates an engine. A nil store disables rate limiting for every
// request; a nil policy limits nothing.
func New(store counter.Store, p *policy.Policy, opts ...Option) *Engine {
	if p == nil {
		p = policy.MustNew(policy.DefaultOptions())
	}
	e := &Engine{
		store:         store,
		policy:        p,
		clock:         systemClock{},
		sleeper:       timerSleeper{},
		bypassWarning: rate.Sometimes{Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}

	if e.store == nil {
		e.logger.Warn("Cannot ratelimit without a counter store, all requests will be admitted")
	}
	return e
}

// Bypassed reports whether the engine admits everything for lack of a store.
func (e *Engine) Bypassed() bool {
	return e.store == nil
}

// Policy returns the engine's policy.
func (e *Engine) Policy() *policy.Policy {
	return e.policy
}

// Decide evaluates req and reserves slots in every applicable bucket. It
// never waits; callers honour Decision.Delay themselves or use Admit.
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	if e.store == nil {
		e.bypassWarning.Do(func() {
			e.logger.Warn("Rate limiting bypassed: no counter store configured")
		})
		e.countBypass(metrics.BypassNoStore)
		return e.record(Decision{Outcome: Admit, Reason: ReasonNoStore})
	}

	if req.Identity == "" {
		e.logger.Info("No caller identity found, bypassing rate limit")
		e.countBypass(metrics.BypassNoIdentity)
		return e.record(Decision{Outcome: Admit, Reason: ReasonNoIdentity})
	}

	buckets, err := e.policy.Buckets(req.Identity, req.Method, req.Action)
	if err != nil {
		e.logger.WithError(err).WithField("action", req.Action).Error("Rate limit policy lookup failed")
		if e.metrics != nil {
			e.metrics.ConfigErrors.Inc()
		}
	}

	acc := e.policy.ClockAccuracy()
	var total int64
	for _, b := range buckets {
		need, err := e.check(ctx, b)
		if e.metrics != nil {
			e.metrics.BucketChecks.WithLabelValues(b.Scope).Inc()
		}

		var capErr *CapacityError
		if errors.As(err, &capErr) {
			e.logger.WithFields(logrus.Fields{
				"key":  b.Key,
				"wait": capErr.Wait.Seconds(),
			}).Debug("Max sleep time exceeded")
			return e.record(Decision{Outcome: Reject, Key: capErr.Key, Wait: capErr.Wait})
		}

		if logSleep := e.policy.LogSleepTimeSeconds(); logSleep > 0 && float64(need)/float64(acc) > logSleep {
			e.logger.WithFields(logrus.Fields{
				"key":   b.Key,
				"sleep": float64(need) / float64(acc),
			}).Warn("Ratelimit sleep log")
		}
		total += need
	}

	if total == 0 {
		return e.record(Decision{Outcome: Admit})
	}
	return e.record(Decision{Outcome: Delay, Delay: unitsToDuration(total, acc)})
}

// Admit decides and then waits out any delay. A rejection returns the
// decision with its *CapacityError. If ctx ends during the wait the error is
// ctx.Err() and the reserved slots stay consumed.
func (e *Engine) Admit(ctx context.Context, req Request) (Decision, error) {
	d := e.Decide(ctx, req)
	if d.Outcome == Reject {
		return d, d.Err()
	}
	if d.Delay > 0 {
		if err := e.sleeper.Sleep(ctx, d.Delay); err != nil {
			return d, err
		}
	}
	return d, nil
}

// check runs one bucket and returns the delay it requires in clock units.
// Store failures are logged and admit the bucket with no delay.
func (e *Engine) check(ctx context.Context, b policy.Bucket) (int64, error) {
	acc := e.policy.ClockAccuracy()
	perRequest := int64(math.Round(float64(acc) / b.Rate))

	running, err := e.store.IncrBy(ctx, b.Key, perRequest)
	if err != nil {
		e.storeFailure(err, b.Key, counter.OpIncr)
		return 0, nil
	}
	now := e.nowUnits()

	var need int64
	if now-running > e.policy.RateBufferSeconds()*acc {
		if err := e.store.Set(ctx, b.Key, now+perRequest); err != nil {
			e.storeFailure(err, b.Key, counter.OpSet)
			return 0, nil
		}
	} else {
		need = max(running-now-perRequest, 0)
	}

	maxSleep := e.policy.MaxSleepTimeSeconds() * float64(acc)
	if maxSleep-float64(need) <= float64(acc)*rejectTolerance {
		if _, err := e.store.DecrBy(ctx, b.Key, perRequest); err != nil {
			e.storeFailure(err, b.Key, counter.OpDecr)
			return 0, nil
		}
		return need, &CapacityError{Key: b.Key, Wait: unitsToDuration(need, acc)}
	}
	return need, nil
}

func (e *Engine) nowUnits() int64 {
	acc := e.policy.ClockAccuracy()
	t := e.clock.Now()
	return t.Unix()*acc + int64(math.Round(float64(t.Nanosecond())*float64(acc)/1e9))
}

func unitsToDuration(units, acc int64) time.Duration {
	return time.Duration(float64(units) * float64(time.Second) / float64(acc))
}

func (e *Engine) storeFailure(err error, key string, op counter.Op) {
	e.logger.WithError(err).WithFields(logrus.Fields{
		"key":       key,
		"op":        string(op),
		"retryable": admiterrors.IsRetryable(err),
	}).Error("Counter store failure, admitting request")
	if e.metrics != nil {
		e.metrics.StoreErrors.WithLabelValues(string(op)).Inc()
	}
}

func (e *Engine) countBypass(reason string) {
	if e.metrics != nil {
		e.metrics.Bypassed.WithLabelValues(reason).Inc()
	}
}

func (e *Engine) record(d Decision) Decision {
	if e.metrics == nil {
		return d
	}
	switch d.Outcome {
	case Admit:
		e.metrics.Decisions.WithLabelValues(metrics.OutcomeAdmit).Inc()
	case Delay:
		e.metrics.Decisions.WithLabelValues(metrics.OutcomeDelay).Inc()
	case Reject:
		e.metrics.Decisions.WithLabelValues(metrics.OutcomeReject).Inc()
		return d
	}
	e.metrics.DelaySeconds.Observe(d.Delay.Seconds())
	return d
}
