// Package counter defines the shared counter store used to coordinate rate
// limiting across processes that share no memory.
//
// The admission engine only needs three operations on an integer keyed by a
// string: an atomic increment that returns the post-increment value, a
// decrement (an increment by a negated delta) and an unconditional set.
// Store captures exactly that contract so the engine never depends on a
// particular cache product.
//
// # Implementations
//
//   - Redis: the production store. Increments run inside a Lua script that
//     also refreshes the key expiry, so the increment stays a single atomic
//     step and keys of idle callers expire on their own.
//   - Memory: a mutex-guarded map with failure injection. It is deterministic
//     and intended for tests and single-process demos; it does not coordinate
//     between processes.
//
// # Errors
//
// Every failure is reported as a *StoreError, which matches
// errors.ErrStoreUnavailable through errors.Is as well as the underlying
// cause (for example context.DeadlineExceeded).
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := counter.NewRedis(rdb,
//		counter.WithPrefix("admit:"),
//		counter.WithTimeout(200*time.Millisecond),
//	)
//	next, err := store.IncrBy(ctx, "ratelimit/token", 200)
package counter
