// Package health probes the counter store on a cron schedule.
//
// The prober only reports reachability. The admission engine never consults
// it: an unreachable store is detected per request and fails open there.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/vnykmshr/admit/internal/logging"
	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
	"github.com/vnykmshr/admit/pkg/counter"
	"github.com/vnykmshr/admit/pkg/metrics"
)

// Defaults used when Config fields are zero.
const (
	DefaultSchedule = "@every 15s"
	DefaultTimeout  = 2 * time.Second
)

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config configures a Prober.
type Config struct {
	// Schedule is a cron expression with a seconds field, or a descriptor
	// such as "@every 30s".
	Schedule string
	// Timeout bounds one probe.
	Timeout time.Duration
	Logger  logrus.FieldLogger
	Metrics *metrics.Registry
}

// DefaultConfig returns the default prober configuration.
func DefaultConfig() Config {
	return Config{
		Schedule: DefaultSchedule,
		Timeout:  DefaultTimeout,
	}
}

// Status is a snapshot of the last probe.
type Status struct {
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Prober periodically pings a counter store.
type Prober struct {
	pinger  counter.Pinger
	timeout time.Duration
	logger  logrus.FieldLogger
	metrics *metrics.Registry
	cron    *cron.Cron

	mu     sync.RWMutex
	status Status
	probed bool
}

// NewProber validates cfg and creates a stopped prober.
func NewProber(p counter.Pinger, cfg Config) (*Prober, error) {
	if p == nil {
		return nil, errors.New("health: pinger cannot be nil")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	pr := &Prober{
		pinger:  p,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	pr.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := pr.cron.AddFunc(cfg.Schedule, pr.probe); err != nil {
		return nil, fmt.Errorf("health: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return pr, nil
}

func (p *Prober) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	_ = p.Check(ctx)
}

// Check runs one probe now and records its result.
func (p *Prober) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	status := Status{Healthy: err == nil, CheckedAt: time.Now()}
	if err != nil {
		status.Error = err.Error()
	}

	p.mu.Lock()
	wasHealthy, probed := p.status.Healthy, p.probed
	p.status = status
	p.probed = true
	p.mu.Unlock()

	switch {
	case err != nil && (wasHealthy || !probed):
		p.logger.WithError(err).Error("Counter store unreachable, rate limiting fails open")
	case err == nil && !wasHealthy && probed:
		p.logger.Info("Counter store reachable again")
	}

	if p.metrics != nil {
		if err == nil {
			p.metrics.StoreUp.Set(1)
		} else {
			p.metrics.StoreUp.Set(0)
		}
	}
	if err != nil {
		return admiterrors.NewOperationError("health", "Check", err).
			WithContext(fmt.Sprintf("timeout %s", p.timeout))
	}
	return nil
}

// Healthy reports the result of the last probe. It is false before the first probe.
func (p *Prober) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.Healthy
}

// Status returns the last probe result.
func (p *Prober) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Start runs one probe immediately and then follows the schedule.
func (p *Prober) Start() {
	p.probe()
	p.cron.Start()
}

// Stop stops the schedule and waits for a running probe to finish.
func (p *Prober) Stop() {
	<-p.cron.Stop().Done()
}

// Handler serves the last probe result as JSON, with 503 when unhealthy.
func (p *Prober) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := p.Status()
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
