package middleware

import (
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/project-essentials/sockethub/pkg/config"
)

// maxTrackedAddresses caps the limiter map; past it the whole map is reset
// rather than pruned by age, which is adequate for a handshake endpoint.
const maxTrackedAddresses = 8192

// NewUpgradeRateLimiter applies a per-address token bucket to handshake
// requests, keeping reconnect storms from starving established connections.
func NewUpgradeRateLimiter(logger *slog.Logger, cfg config.UpgradeRateConfig) Middleware {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if len(limiters) > maxTrackedAddresses {
			limiters = make(map[string]*rate.Limiter)
		}
		l, ok := limiters[ip]
		if !ok {
			l = rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)
			limiters[ip] = l
		}
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.PerSecond <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Rate limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if !limiterFor(reqMeta.IP).Allow() {
				logger.Warn("Upgrade rate limit exceeded", slog.String("ip", reqMeta.IP))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
