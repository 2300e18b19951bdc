package auth

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/api"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay"
)

// RateLimitMiddleware enforces per-account rate limiting at the HTTP layer.
// The key is the authenticated account, falling back to the remote IP.
// On rate limit exceeded, it returns 429 with a Retry-After header.
func RateLimitMiddleware(limiter relay.Limiter, limit relay.Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limit.Unlimited() {
				next.ServeHTTP(w, r)
				return
			}

			key := "http:" + api.ClientIP(r)
			if p, err := GetPrincipal(r.Context()); err == nil {
				key = "http:" + p.Account().Hex()
			}

			d, err := limiter.Allow(r.Context(), key, limit)
			if err != nil {
				// Relay calls are limited again, fail-closed, by the forwarder.
				slog.WarnContext(r.Context(), "http rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				retry := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
				if retry < 1 {
					retry = 1
				}
				api.WriteTooManyRequests(w, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
