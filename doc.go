/*
Package admit rate limits API callers across independent server processes
that share nothing but a counter store.

Packages:
  - pkg/counter: the shared counter store contract, Redis and in-memory stores
  - pkg/classify: maps method and path to a rate-limitable action
  - pkg/policy: immutable per-action and account-wide limits
  - pkg/admission: the admission engine (admit, delay or reject)
  - pkg/middleware: net/http adapter answering 429 "Slow down"
  - pkg/health: cron-scheduled counter store probes
  - pkg/metrics: Prometheus instrumentation

Commands:
  - cmd/admitd: reverse proxy enforcing limits in front of an upstream API
  - cmd/admitload: load generator running several engines against one store

Example usage:

	import (
		"github.com/vnykmshr/admit/pkg/admission"
		"github.com/vnykmshr/admit/pkg/counter"
		"github.com/vnykmshr/admit/pkg/middleware"
		"github.com/vnykmshr/admit/pkg/policy"
	)

	opts := policy.DefaultOptions()
	opts.AccountRateLimit = 10 // requests per second per token
	pol, _ := policy.New(opts)

	store := counter.NewRedis(redis.NewClient(&redis.Options{Addr: "localhost:6379"}))
	engine := admission.New(store, pol)

	handler := middleware.Middleware(middleware.Options{Engine: engine})(api)

Requests that fit the rate pass at once, requests slightly over it are
delayed until their slot is due, and requests that would wait longer than
max_sleep_time_seconds are rejected. When the store is unreachable every
request is admitted.
*/
package admit
