// Package middleware provides HTTP middleware for the ingestion surface.
package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a per-client-IP request budget on the ingestion
// endpoint. A token bucket per IP refills at MaxPerMinute/60 tokens per
// second with Burst tokens of headroom, so brief spikes pass and
// sustained overload is shed before it reaches the broker.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	perMin   int
	burst    int
	interval time.Duration // refill bookkeeping granularity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewRateLimiter creates a limiter with the given per-minute budget and
// burst allowance. Zero values fall back to the platform defaults.
func NewRateLimiter(maxPerMinute, burst int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 100
	}
	if burst <= 0 {
		burst = 10
	}
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		perMin:   maxPerMinute,
		burst:    burst,
		interval: 5 * time.Minute,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from ip fits the budget.
func (rl *RateLimiter) Allow(ip string) bool {
	now := time.Now()
	capacity := float64(rl.perMin + rl.burst)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: capacity, lastFill: now}
		rl.buckets[ip] = b
	}

	refill := now.Sub(b.lastFill).Minutes() * float64(rl.perMin)
	b.tokens += refill
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rejects over-budget requests with 429 before the handler runs.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error_code":"rate_limited","error_message":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the gateway-supplied forwarded address; the platform's
// ingress always sets it, direct connections fall back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanup drops buckets that have fully refilled and gone idle so the map
// does not grow with one entry per client ever seen.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.interval)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-2 * time.Minute)
		for ip, b := range rl.buckets {
			if b.lastFill.Before(cutoff) {
				delete(rl.buckets, ip)
			}
		}
		rl.mu.Unlock()
	}
}
