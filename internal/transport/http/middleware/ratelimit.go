package httpmw

import (
	"net/http"

	"github.com/pixalio/dm-service/internal/metrics"
)

type Limiter interface {
	Allow(key string) bool
}

// RateLimit: лимит на пользователя в рамках scope; ставится после AuthMiddleware.
func RateLimit(l Limiter, scope string, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + UserIDFromCtx(r.Context())
			if l != nil && !l.Allow(key) {
				m.RateLimited(scope)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
