package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/jobgate/internal/api/response"
	"github.com/kiranshivaraju/jobgate/internal/cache"
)

const rateWindow = 60 * time.Second

// RateLimit provides fixed-window rate limiting per client address via Redis.
type RateLimit struct {
	counter        cache.Counter
	requestsPerMin int
}

// NewRateLimit creates a new RateLimit middleware. A non-positive limit
// disables it.
func NewRateLimit(c cache.Counter, requestsPerMin int) *RateLimit {
	return &RateLimit{counter: c, requestsPerMin: requestsPerMin}
}

// Limit counts requests by the host part of RemoteAddr. Forwarding headers
// are not consulted here; see api.Dependencies.TrustProxy.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.requestsPerMin <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.counter.IncrWithExpiry(r.Context(), cache.RateLimitKey(clientIP(r)), rateWindow)
		if err != nil {
			// On Redis error, allow the request (fail open)
			slog.WarnContext(r.Context(), "rate limit check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.requestsPerMin - int(count)
		if remaining < 0 {
			remaining = 0
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(rateWindow).Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			w.Header().Set("Retry-After", "60")
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
