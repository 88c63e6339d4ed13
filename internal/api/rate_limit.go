// Per-IP sliding-window rate limiting (spec.md §6.1: 120 req/min per IP
// globally, 10 req/min on /admin*), adapted from the teacher's
// submitLimiter — same trimCutoff sliding-window shape, generalized from
// per-tenant to per-client-IP since the Manager has no tenant concept.
package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

type ipRateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	byIP   map[string][]int64
}

func newIPRateLimiter(maxPerWindow int, window time.Duration) *ipRateLimiter {
	return &ipRateLimiter{
		max:    maxPerWindow,
		window: window,
		byIP:   map[string][]int64{},
	}
}

func (l *ipRateLimiter) allow(ip string, now time.Time) bool {
	if l == nil || l.max <= 0 {
		return true
	}
	ts := now.UTC().Unix()
	cutoff := ts - int64(l.window.Seconds())

	l.mu.Lock()
	defer l.mu.Unlock()

	history := trimCutoff(l.byIP[ip], cutoff)
	if len(history) >= l.max {
		l.byIP[ip] = history
		return false
	}
	l.byIP[ip] = append(history, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}

// clientIP extracts the request's remote address, stripping the port, so
// rate-limit buckets key on IP alone.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
