package admission

import (
	"fmt"
	"time"

	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
)

// Outcome is the kind of an admission decision.
type Outcome int

const (
	// Admit lets the request through immediately.
	Admit Outcome = iota
	// Delay lets the request through after Decision.Delay.
	Delay
	// Reject refuses the request.
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Admit:
		return "admit"
	case Delay:
		return "delay"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Bypass reasons reported in Decision.Reason.
const (
	ReasonNoIdentity = "no_identity"
	ReasonNoStore    = "no_store"
)

// Request identifies who is asking and for what.
type Request struct {
	// Identity is the caller's token. Empty bypasses rate limiting.
	Identity string
	// Method is the HTTP method, used to decide if the account bucket applies.
	Method string
	// Action is the classified action, empty when none matched.
	Action string
}

// Decision is the result of evaluating a request.
type Decision struct {
	Outcome Outcome
	// Delay is the total wait owed before proceeding.
	Delay time.Duration
	// Key is the bucket that rejected the request.
	Key string
	// Wait is the delay the rejecting bucket would have required.
	Wait time.Duration
	// Reason is set when rate limiting was bypassed.
	Reason string
}

// Admitted reports whether the request may proceed.
func (d Decision) Admitted() bool {
	return d.Outcome != Reject
}

// Bypassed reports whether no bucket was consulted.
func (d Decision) Bypassed() bool {
	return d.Reason != ""
}

// Err returns a *CapacityError for rejected decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Outcome != Reject {
		return nil
	}
	return &CapacityError{Key: d.Key, Wait: d.Wait}
}

// CapacityError reports that a bucket would have required sleeping at or
// beyond the maximum sleep time.
type CapacityError struct {
	Key  string
	Wait time.Duration
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("max sleep time exceeded for %s: %.2f", e.Key, e.Wait.Seconds())
}

// Unwrap matches ErrCapacityExceeded and ErrRateLimited.
func (e *CapacityError) Unwrap() []error {
	return []error{admiterrors.ErrCapacityExceeded, admiterrors.ErrRateLimited}
}
