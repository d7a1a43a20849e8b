// Package middleware adapts the admission engine to net/http.
//
// The middleware extracts the caller identity from a request header,
// classifies the request into an action, asks the engine for a decision
// and either forwards the request after any required delay or answers
// with 429 and a short body.
package middleware

import (
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vnykmshr/admit/internal/logging"
	"github.com/vnykmshr/admit/pkg/admission"
	"github.com/vnykmshr/admit/pkg/classify"
	admitctx "github.com/vnykmshr/admit/pkg/common/context"
	admiterrors "github.com/vnykmshr/admit/pkg/common/errors"
	"github.com/vnykmshr/admit/pkg/metrics"
)

// Defaults applied by Middleware.
const (
	DefaultIdentityHeader = "X-Auth-Token"
	DefaultRejectBody     = "Slow down"
	RequestIDHeader       = "X-Request-ID"
)

// IdentityFunc extracts the caller identity. An empty result bypasses rate limiting.
type IdentityFunc func(r *http.Request) string

// HeaderIdentity reads the identity from header. Surrounding whitespace is
// dropped, so a blank header counts as no identity.
func HeaderIdentity(header string) IdentityFunc {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(header))
	}
}

// Options configures the middleware.
type Options struct {
	Engine         *admission.Engine
	Classifier     *classify.Classifier
	IdentityHeader string
	IdentityFn     IdentityFunc
	RejectStatus   int
	RejectBody     string
	Logger         logrus.FieldLogger
	Metrics        *metrics.Registry
}

// Middleware returns an http middleware enforcing opts.Engine. A nil engine
// admits everything; a nil classifier uses the default image routes.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Engine == nil {
		opts.Engine = admission.New(nil, nil, admission.WithLogger(opts.Logger))
	}
	if opts.Classifier == nil {
		opts.Classifier = classify.New()
	}
	if opts.IdentityHeader == "" {
		opts.IdentityHeader = DefaultIdentityHeader
	}
	if opts.IdentityFn == nil {
		opts.IdentityFn = HeaderIdentity(opts.IdentityHeader)
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.RejectBody == "" {
		opts.RejectBody = DefaultRejectBody
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			log := opts.Logger.WithField("request_id", requestID)

			var action string
			if m, ok := opts.Classifier.ClassifyHTTP(r); ok {
				action = string(m.Action)
				log.WithField("action", action).Debug("Request contains rate limitable action")
			}

			decision, err := opts.Engine.Admit(r.Context(), admission.Request{
				Identity: opts.IdentityFn(r),
				Method:   r.Method,
				Action:   action,
			})

			if decision.Outcome == admission.Reject {
				log.WithFields(logrus.Fields{
					"key":    decision.Key,
					"status": opts.RejectStatus,
				}).Warn("Rejecting rate limited request")
				if opts.Metrics != nil {
					opts.Metrics.HTTPRejected.WithLabelValues(actionLabel(action)).Inc()
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision)))
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(opts.RejectStatus)
				_, _ = io.WriteString(w, opts.RejectBody)
				return
			}
			if err != nil {
				switch {
				case admitctx.IsCancellation(err):
					log.WithError(err).WithField("timed_out", admitctx.IsTimedOut(r.Context())).
						Debug("Request cancelled while waiting for admission")
				case admiterrors.IsTemporary(err):
					log.WithError(err).Warn("Admission temporarily unavailable")
					w.Header().Set("Retry-After", "1")
					http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				default:
					log.WithError(err).Error("Admission failed")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d admission.Decision) int {
	secs := int(math.Ceil(d.Wait.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func actionLabel(action string) string {
	if action == "" {
		return "none"
	}
	return action
}
