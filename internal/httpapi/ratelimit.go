package httpapi

import (
	"net"
	"net/http"
	"strings"

	"qms/antrian-service/internal/ratelimit"
)

type RateLimitConfig struct {
	IPPerMinute       int
	IPBurst           int
	OperatorPerMinute int
	OperatorBurst     int
}

// RateLimiter throttles kiosks and displays per client IP and staff
// consoles per operator id.
type RateLimiter struct {
	ipLimiter       *ratelimit.TokenBucket
	operatorLimiter *ratelimit.TokenBucket
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:       ratelimit.NewTokenBucket(cfg.IPPerMinute, cfg.IPBurst),
		operatorLimiter: ratelimit.NewTokenBucket(cfg.OperatorPerMinute, cfg.OperatorBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFromRequest(r)
		if operatorID := operatorIDFromRequest(r); operatorID != "" {
			if !l.operatorLimiter.Allow(operatorID) {
				writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.Allow(ip) {
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
