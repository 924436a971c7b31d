package mw

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-dialog/pkg/gateway/apierror"
	"github.com/vango-go/vai-dialog/pkg/gateway/config"
	"github.com/vango-go/vai-dialog/pkg/gateway/principal"
	"github.com/vango-go/vai-dialog/pkg/gateway/ratelimit"
)

// RateLimit charges each request to its principal's budget. Subscriber
// streams hold their own slot for their whole lifetime, so the subscriber
// handlers budget them instead.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, logger *slog.Logger, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if budgetExempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		id := principal.Resolve(r, cfg.TrustProxyHeaders)
		dec := limiter.AcquireRequest(id.Key, time.Now())
		if dec.Allowed {
			defer dec.Permit.Release()
			next.ServeHTTP(w, r)
			return
		}

		reqID, _ := RequestIDFrom(r.Context())
		if logger != nil {
			logger.Debug("request budget exhausted", "request_id", reqID, "principal", id, "retry_after_s", dec.RetryAfter)
		}
		retryAfter := dec.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSONError(w, http.StatusTooManyRequests, &apierror.Error{
			Type:       apierror.TypeRateLimit,
			Message:    "rate limit exceeded",
			RequestID:  reqID,
			RetryAfter: &retryAfter,
		})
	})
}

func budgetExempt(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz", r.URL.Path == "/readyz":
		return true
	case r.Method == http.MethodOptions:
		return true
	default:
		return isWebSocketUpgrade(r) || isEventStream(r)
	}
}
