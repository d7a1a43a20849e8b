package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/vnykmshr/admit/internal/testutil"
	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
	"github.com/vnykmshr/admit/pkg/counter"
	"github.com/vnykmshr/admit/pkg/metrics"
)

type fakePinger struct {
	mu    sync.Mutex
	err   error
	calls atomic.Int32
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakePinger) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestNewProberValidation(t *testing.T) {
	if _, err := NewProber(nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil pinger")
	}
	if _, err := NewProber(&fakePinger{}, Config{Schedule: "not a schedule"}); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, err := NewProber(&fakePinger{}, Config{}); err != nil {
		t.Errorf("zero config should use defaults: %v", err)
	}
	if _, err := NewProber(counter.NewMemory(), Config{Schedule: "*/5 * * * * *"}); err != nil {
		t.Errorf("seconds field should be accepted: %v", err)
	}
}

func TestCheckTransitions(t *testing.T) {
	pinger := &fakePinger{}
	logger, hook := logtest.NewNullLogger()
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	p, err := NewProber(pinger, Config{Logger: logger, Metrics: reg})
	testutil.AssertNoError(t, err)

	if p.Healthy() {
		t.Fatal("prober should not be healthy before the first probe")
	}

	ctx := context.Background()
	testutil.AssertNoError(t, p.Check(ctx))
	testutil.AssertEqual(t, p.Healthy(), true)
	testutil.AssertEqual(t, promtestutil.ToFloat64(reg.StoreUp), 1.0)
	testutil.AssertEqual(t, len(hook.AllEntries()), 0)

	refused := errors.New("connection refused")
	pinger.set(refused)
	err = p.Check(ctx)
	var opErr *admiterrors.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "Check" || !errors.Is(err, refused) {
		t.Fatalf("expected OperationError wrapping the ping failure, got %v", err)
	}
	testutil.AssertEqual(t, err.Error(), "health.Check failed: connection refused (timeout 2s)")
	testutil.AssertError(t, p.Check(ctx))
	testutil.AssertEqual(t, p.Healthy(), false)
	testutil.AssertEqual(t, p.Status().Error, "connection refused")
	testutil.AssertEqual(t, promtestutil.ToFloat64(reg.StoreUp), 0.0)

	pinger.set(nil)
	testutil.AssertNoError(t, p.Check(ctx))

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected one error and one recovery log, got %d", len(entries))
	}
	testutil.AssertEqual(t, entries[0].Level, logrus.ErrorLevel)
	testutil.AssertEqual(t, entries[1].Level, logrus.InfoLevel)
}

func TestStartRunsOnSchedule(t *testing.T) {
	pinger := &fakePinger{}
	p, err := NewProber(pinger, Config{Schedule: "* * * * * *"})
	testutil.AssertNoError(t, err)

	p.Start()
	defer p.Stop()

	testutil.AssertEqual(t, p.Healthy(), true)
	testutil.Eventually(t, func() bool { return pinger.calls.Load() >= 2 }, 3*time.Second, 50*time.Millisecond)
}

func TestHandler(t *testing.T) {
	pinger := &fakePinger{err: errors.New("down")}
	p, err := NewProber(pinger, DefaultConfig())
	testutil.AssertNoError(t, err)
	_ = p.Check(context.Background())

	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertEqual(t, w.Code, http.StatusServiceUnavailable)

	var status Status
	testutil.AssertNoError(t, json.NewDecoder(w.Body).Decode(&status))
	testutil.AssertEqual(t, status.Healthy, false)
	testutil.AssertEqual(t, status.Error, "down")

	pinger.set(nil)
	_ = p.Check(context.Background())
	w = httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertEqual(t, w.Code, http.StatusOK)
}
