// Command admitd is a reverse proxy that rate limits API callers before
// forwarding their requests upstream.
//
// Every instance shares its counters through Redis, so any number of
// admitd processes can front the same API and enforce one set of limits.
//
//	admitd -config /etc/admit/admitd.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vnykmshr/admit/internal/config"
	"github.com/vnykmshr/admit/internal/logging"
	"github.com/vnykmshr/admit/pkg/admission"
	"github.com/vnykmshr/admit/pkg/classify"
	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
	"github.com/vnykmshr/admit/pkg/counter"
	"github.com/vnykmshr/admit/pkg/health"
	"github.com/vnykmshr/admit/pkg/metrics"
	"github.com/vnykmshr/admit/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "admitd: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates configuration mistakes (2) from runtime failures (1).
func exitCode(err error) int {
	if admiterrors.IsValidationError(err) {
		return 2
	}
	return 1
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return err
	}
	pol, err := cfg.Policy()
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg := metrics.Config{Enabled: cfg.Metrics.Enabled, Registry: promRegistry}.Build()

	var (
		store  counter.Store
		prober *health.Prober
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		rs := counter.NewRedis(rdb,
			counter.WithPrefix(cfg.Redis.Prefix),
			counter.WithTimeout(cfg.Redis.Timeout),
			counter.WithKeyTTL(cfg.Redis.KeyTTL),
		)
		store = rs

		prober, err = health.NewProber(rs, health.Config{
			Schedule: cfg.Health.Schedule,
			Timeout:  cfg.Health.Timeout,
			Logger:   logger.WithField("component", "health"),
			Metrics:  reg,
		})
		if err != nil {
			return err
		}
		prober.Start()
		defer prober.Stop()
	}

	engine := admission.New(store, pol,
		admission.WithLogger(logger.WithField("component", "admission")),
		admission.WithMetrics(reg),
	)

	upstream, err := url.Parse(cfg.Server.UpstreamURL)
	if err != nil {
		return fmt.Errorf("parse upstream url: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.WithError(err).WithField("path", r.URL.Path).Error("Upstream request failed")
		w.WriteHeader(http.StatusBadGateway)
	}

	handler := middleware.Middleware(middleware.Options{
		Engine:         engine,
		Classifier:     classify.New(),
		IdentityHeader: cfg.Server.IdentityHeader,
		Logger:         logger.WithField("component", "http"),
		Metrics:        reg,
	})(proxy)

	servers := []*http.Server{{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.Metrics.Enabled {
		admin := http.NewServeMux()
		admin.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		admin.Handle("/healthz", healthHandler(prober))
		servers = append(servers, &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           admin,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.WithField("addr", srv.Addr).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	logger.WithFields(logrus.Fields{
		"upstream":          cfg.Server.UpstreamURL,
		"account_ratelimit": pol.AccountRateLimit(),
		"store_enabled":     store != nil,
	}).Info("admitd started")

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
		logger.WithError(err).Error("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.WithError(serr).WithField("addr", srv.Addr).Warn("Shutdown error")
		}
	}
	return err
}

func healthHandler(prober *health.Prober) http.Handler {
	if prober != nil {
		return prober.Handler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy": true,
			"error":   "no counter store configured, rate limiting disabled",
		})
	})
}
