package counter

import (
	"context"
	"errors"

	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
)

// Store is an atomically incrementable integer store shared by every
// process that enforces the same limits.
type Store interface {
	// IncrBy atomically adds delta to key and returns the new value.
	// A missing key counts as zero.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// DecrBy atomically subtracts delta from key and returns the new value.
	DecrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Set overwrites key with value.
	Set(ctx context.Context, key string, value int64) error
}

// Pinger is implemented by stores that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Op names a store operation in errors, logs and metrics.
type Op string

const (
	OpIncr Op = "incrby"
	OpDecr Op = "decrby"
	OpSet  Op = "set"
	OpPing Op = "ping"
)

// StoreError reports a failed store operation.
type StoreError struct {
	Op  Op
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return "counter store error in " + string(e.Op) + ": " + e.Err.Error()
	}
	return "counter store error in " + string(e.Op) + " " + e.Key + ": " + e.Err.Error()
}

// Unwrap exposes ErrStoreUnavailable and the underlying cause, plus
// ErrTimeout when the operation ran past its deadline.
func (e *StoreError) Unwrap() []error {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return []error{admiterrors.ErrStoreUnavailable, admiterrors.ErrTimeout, e.Err}
	}
	return []error{admiterrors.ErrStoreUnavailable, e.Err}
}
