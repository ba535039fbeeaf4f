package middleware

import (
	"log/slog"
	"net/http"

	"github.com/project-essentials/sockethub/pkg/config"
)

// AddressConnectionCounter reports how many live connections an address has.
type AddressConnectionCounter func(remoteAddr string) int

// NewConnectionLimiter bounds concurrent connections per source address.
// Upgrades happen before the authenticate handshake, so the address is the
// only identity available here.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter AddressConnectionCounter,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerIP <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if count := counter(reqMeta.IP); count >= cfg.MaxPerIP {
				logger.Warn("Address connection limit reached",
					slog.String("ip", reqMeta.IP),
					slog.Int("count", count),
				)
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
