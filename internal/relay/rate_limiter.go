package relay

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"forgerelay/pkg/logging"
)

// Fixed-window rate limiting defaults: 100 requests per source address
// per 15-minute window.
const (
	RateLimit            = 100
	RateWindow           = 15 * time.Minute
	limiterSweepInterval = time.Minute
)

// rateWindow is the counter for one source address in the current
// window.
type rateWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window per-address request limiter. Windows
// reset lazily on access; a background sweep drops addresses whose
// window has lapsed so the table does not grow with address churn.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow

	limit  int
	window time.Duration

	stopSweep chan struct{}
}

// NewRateLimiter creates a limiter allowing limit requests per window
// per source address and starts its sweep loop.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	l := &RateLimiter{
		windows:   make(map[string]*rateWindow),
		limit:     limit,
		window:    window,
		stopSweep: make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow records one request from addr and reports whether it is within
// the current window's budget. A lapsed window is reset in place.
func (l *RateLimiter) Allow(addr string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[addr]
	if !ok || now.After(w.resetAt) {
		l.windows[addr] = &rateWindow{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Middleware wraps next with the rate check. Rejections are terminal
// 429 responses with a Retry-After hint.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := sourceAddr(r)
		if !l.Allow(addr) {
			logging.Warn("RateLimiter", "Rejected request from %s: window budget exhausted", addr)
			w.Header().Set("Retry-After", "900")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded, try again later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop terminates the sweep loop.
func (l *RateLimiter) Stop() {
	close(l.stopSweep)
}

func (l *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopSweep:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *RateLimiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, addr)
		}
	}
}

// sourceAddr extracts the client address used as the rate key, without
// the ephemeral port.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
