package counter

import (
	"context"
	"sync"
)

// Memory is an in-process Store. It is safe for concurrent use and supports
// failure injection for tests.
type Memory struct {
	mu       sync.Mutex
	values   map[string]int64
	ops      int
	failErr  error
	failOps  map[Op]bool
	nextIncr *int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]int64)}
}

// IncrBy implements Store.
func (m *Memory) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return m.add(ctx, OpIncr, key, delta)
}

// DecrBy implements Store.
func (m *Memory) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return m.add(ctx, OpDecr, key, -delta)
}

func (m *Memory) add(ctx context.Context, op Op, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops++
	if err := m.failure(ctx, op); err != nil {
		return 0, &StoreError{Op: op, Key: key, Err: err}
	}

	if op == OpIncr && m.nextIncr != nil {
		v := *m.nextIncr
		m.nextIncr = nil
		return v, nil
	}

	m.values[key] += delta
	return m.values[key], nil
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops++
	if err := m.failure(ctx, OpSet); err != nil {
		return &StoreError{Op: OpSet, Key: key, Err: err}
	}
	m.values[key] = value
	return nil
}

// Ping implements Pinger.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure(ctx, OpPing); err != nil {
		return &StoreError{Op: OpPing, Err: err}
	}
	return nil
}

func (m *Memory) failure(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failErr != nil && (len(m.failOps) == 0 || m.failOps[op]) {
		return m.failErr
	}
	return nil
}

// FailWith makes subsequent calls fail with err. When ops is empty every
// operation fails, otherwise only the listed ones. A nil err clears the failure.
func (m *Memory) FailWith(err error, ops ...Op) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failErr = err
	m.failOps = nil
	if err == nil || len(ops) == 0 {
		return
	}
	m.failOps = make(map[Op]bool, len(ops))
	for _, op := range ops {
		m.failOps[op] = true
	}
}

// NextIncrReturns makes the next IncrBy return v without modifying the
// stored value. It simulates a store that was flushed or restarted between
// two calls.
func (m *Memory) NextIncrReturns(v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextIncr = &v
}

// Get returns the stored value for key.
func (m *Memory) Get(key string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Ops returns the number of IncrBy, DecrBy and Set calls made so far.
func (m *Memory) Ops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops
}

// Reset drops all keys, counters and injected failures.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]int64)
	m.ops = 0
	m.failErr = nil
	m.failOps = nil
	m.nextIncr = nil
}
