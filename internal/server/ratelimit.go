// ratelimit.go - Sliding-window rate limiter middleware by client IP.
package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimiter is a sliding-window limiter keyed by client IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests allowed per window
	window   time.Duration // time window for rate limiting

	done     chan struct{}
	stopOnce sync.Once
}

// visitor tracks request timestamps for a single IP address
type visitor struct {
	requests []time.Time
	mu       sync.Mutex
}

// newRateLimiter creates a rate limiter that allows 'rate' requests per 'window'.
// Example: newRateLimiter(100, time.Minute) allows 100 requests per minute per IP.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		done:     make(chan struct{}),
	}
	go rl.cleanup(time.Minute)
	return rl
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(getClientIP(r)) {
			w.Header().Set("Retry-After", retryAfter(rl.window))
			writeError(w, http.StatusTooManyRequests, kindRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow checks if a request from the given IP should be allowed
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{requests: make([]time.Time, 0, rl.rate)}
		rl.visitors[ip] = v
	}
	rl.mu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	// Drop requests older than the window, in place.
	kept := v.requests[:0]
	for _, t := range v.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.requests = kept

	if len(v.requests) >= rl.rate {
		return false
	}
	v.requests = append(v.requests, now)
	return true
}

// cleanup periodically removes visitors with no recent requests
func (rl *rateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.prune(now)
		}
	}
}

func (rl *rateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rl.window * 2) // Keep visitors for 2x window

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		v.mu.Lock()
		if len(v.requests) == 0 || v.requests[len(v.requests)-1].Before(cutoff) {
			delete(rl.visitors, ip)
		}
		v.mu.Unlock()
	}
}

func (rl *rateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func retryAfter(window time.Duration) string {
	secs := int(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// getClientIP returns the peer address. Forwarding headers are only
// honoured through chi's RealIP, which the router mounts when the relay is
// configured to trust its proxy; RealIP leaves RemoteAddr without a port.
func getClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
