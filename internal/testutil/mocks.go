package testutil

import (
	"context"
	"sync"
	"time"
)

// MockClock is a manually driven clock. It satisfies the Clock interfaces
// used by the admission engine and the health prober.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a new MockClock starting at the given time.
// If zero time is provided, uses current time.
func NewMockClock(start time.Time) *MockClock {
	if start.IsZero() {
		start = time.Now()
	}
	return &MockClock{now: start}
}

// Now returns the current mock time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock clock forward by the given duration.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock clock to a specific time.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// MockSleeper records requested sleeps and, when bound to a clock,
// advances it instead of blocking.
type MockSleeper struct {
	mu     sync.Mutex
	clock  *MockClock
	sleeps []time.Duration
}

// NewMockSleeper creates a sleeper that advances clock by each slept duration.
// clock may be nil, in which case sleeps are only recorded.
func NewMockSleeper(clock *MockClock) *MockSleeper {
	return &MockSleeper{clock: clock}
}

// Sleep records d and advances the bound clock. A done context is honoured
// before any time passes.
func (s *MockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return nil
}

// Sleeps returns a copy of the recorded durations.
func (s *MockSleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.sleeps))
	copy(out, s.sleeps)
	return out
}

// Total returns the sum of all recorded sleeps.
func (s *MockSleeper) Total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, d := range s.sleeps {
		total += d
	}
	return total
}

// Reset forgets recorded sleeps.
func (s *MockSleeper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = nil
}
