// Command admitload drives several independent admission engines against
// one shared counter store and reports how much traffic got through.
//
// Each simulated process owns its engine and shares nothing but the store,
// which makes it a quick way to observe the global rate holding across
// processes:
//
//	admitload -redis localhost:6379 -processes 4 -requests 50 -account-ratelimit 10
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vnykmshr/admit/internal/logging"
	"github.com/vnykmshr/admit/pkg/admission"
	"github.com/vnykmshr/admit/pkg/classify"
	admitctx "github.com/vnykmshr/admit/pkg/common/context"
	"github.com/vnykmshr/admit/pkg/counter"
	"github.com/vnykmshr/admit/pkg/policy"
)

type options struct {
	redisAddr    string
	processes    int
	requests     int
	sendRate     float64
	accountRate  float64
	action       string
	actionRate   float64
	maxSleep     float64
	identity     string
	method       string
	logLevel     string
	overallLimit time.Duration
}

type result struct {
	admitted  atomic.Int64
	delayed   atomic.Int64
	rejected  atomic.Int64
	cancelled atomic.Int64
	waitNanos atomic.Int64
}

func main() {
	var opts options
	flag.StringVar(&opts.redisAddr, "redis", "", "Redis address; empty uses an in-process store")
	flag.IntVar(&opts.processes, "processes", 4, "number of independent engines")
	flag.IntVar(&opts.requests, "requests", 25, "requests sent by each engine")
	flag.Float64Var(&opts.sendRate, "rate", 0, "requests per second sent by each engine, 0 for no pacing")
	flag.Float64Var(&opts.accountRate, "account-ratelimit", 10, "account-wide limit in requests per second")
	flag.StringVar(&opts.action, "action", "", "action to classify requests as")
	flag.Float64Var(&opts.actionRate, "action-ratelimit", 0, "limit for -action in requests per second")
	flag.Float64Var(&opts.maxSleep, "max-sleep", policy.DefaultMaxSleepTimeSeconds, "maximum delay before rejecting, in seconds")
	flag.StringVar(&opts.identity, "identity", "", "caller identity; empty generates one")
	flag.StringVar(&opts.method, "method", "GET", "HTTP method of the simulated requests")
	flag.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	flag.DurationVar(&opts.overallLimit, "timeout", 5*time.Minute, "overall run time limit")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "admitload: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	logger, err := logging.New(logging.Config{Level: opts.logLevel, Output: os.Stderr})
	if err != nil {
		return err
	}

	pol, err := buildPolicy(opts)
	if err != nil {
		return err
	}

	var store counter.Store = counter.NewMemory()
	if opts.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		defer func() { _ = rdb.Close() }()
		store = counter.NewRedis(rdb, counter.WithPrefix("admitload:"))
	}

	if opts.identity == "" {
		opts.identity = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.overallLimit)
	defer cancel()

	var (
		res   result
		wg    sync.WaitGroup
		start = time.Now()
	)
	for i := 0; i < opts.processes; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			engine := admission.New(store, pol,
				admission.WithLogger(logger.WithField("process", id)),
			)
			drive(ctx, engine, opts, &res)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	report(opts, pol, &res, elapsed, logger)
	return nil
}

func buildPolicy(opts options) (*policy.Policy, error) {
	po := policy.DefaultOptions()
	po.AccountRateLimit = opts.accountRate
	po.MaxSleepTimeSeconds = opts.maxSleep
	if opts.action != "" {
		action, ok := classify.ParseAction(opts.action)
		if !ok {
			return nil, fmt.Errorf("unknown action %q, want one of %v", opts.action, classify.Actions())
		}
		po = po.WithAction(action, opts.actionRate)
	}
	return policy.New(po)
}

func drive(ctx context.Context, engine *admission.Engine, opts options, res *result) {
	limit := rate.Inf
	if opts.sendRate > 0 {
		limit = rate.Limit(opts.sendRate)
	}
	pacer := rate.NewLimiter(limit, 1)

	req := admission.Request{
		Identity: opts.identity,
		Method:   opts.method,
		Action:   opts.action,
	}
	for i := 0; i < opts.requests && !admitctx.IsCanceled(ctx); i++ {
		if err := pacer.Wait(ctx); err != nil {
			return
		}
		d, err := engine.Admit(ctx, req)
		switch {
		case d.Outcome == admission.Reject:
			res.rejected.Add(1)
		case admitctx.IsCancellation(err):
			res.cancelled.Add(1)
			return
		case d.Outcome == admission.Delay:
			res.delayed.Add(1)
			res.admitted.Add(1)
			res.waitNanos.Add(int64(d.Delay))
		default:
			res.admitted.Add(1)
		}
	}
}

func report(opts options, pol *policy.Policy, res *result, elapsed time.Duration, logger logrus.FieldLogger) {
	admitted := res.admitted.Load()
	throughput := float64(admitted) / elapsed.Seconds()

	logger.WithFields(logrus.Fields{
		"identity":  opts.identity,
		"processes": opts.processes,
	}).Info("Load run finished")

	fmt.Printf("processes:          %d\n", opts.processes)
	fmt.Printf("requests:           %d\n", opts.processes*opts.requests)
	fmt.Printf("admitted:           %d (%d delayed)\n", admitted, res.delayed.Load())
	fmt.Printf("rejected:           %d\n", res.rejected.Load())
	fmt.Printf("cancelled:          %d\n", res.cancelled.Load())
	fmt.Printf("total wait:         %v\n", time.Duration(res.waitNanos.Load()))
	fmt.Printf("elapsed:            %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("throughput:         %.2f req/s\n", throughput)
	if limit := pol.AccountRateLimit(); limit > 0 {
		fmt.Printf("account ratelimit:  %.2f req/s\n", limit)
	}
}
