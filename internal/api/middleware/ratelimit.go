package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/backtrue/mitenow-sub001/internal/api/response"
	"github.com/backtrue/mitenow-sub001/internal/metrics"
	"github.com/backtrue/mitenow-sub001/internal/model"
	"github.com/backtrue/mitenow-sub001/internal/ratelimit"
)

type Limiter interface {
	Allow(ctx context.Context, clientKey, class string) (ratelimit.Decision, error)
}

// RateLimit counts each request against class for the caller's quota key.
// It must run after Auth. When the counter store is unavailable requests are
// let through.
func RateLimit(limiter Limiter, class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := GetIdentity(r.Context())
			d, err := limiter.Allow(r.Context(), id.QuotaKey(), class)
			if err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Str("class", class).Msg("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				metrics.RateLimitedTotal.WithLabelValues(class).Inc()
				response.WriteServiceError(w, r, model.RateLimitedError(d.RetryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
