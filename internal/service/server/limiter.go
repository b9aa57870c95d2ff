package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// peerLimiter keeps one token bucket per remote host.
type peerLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	limiters  map[string]*peerEntry
	lastPrune time.Time
}

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Buckets idle for this long are dropped.
const peerIdle = 10 * time.Minute

func newPeerLimiter(limit float64, burst int) *peerLimiter {
	if limit <= 0 {
		limit = float64(rate.Inf)
	}
	return &peerLimiter{
		limit:    rate.Limit(limit),
		burst:    burst,
		limiters: make(map[string]*peerEntry),
	}
}

func (p *peerLimiter) allow(peer string) bool {
	now := time.Now()

	p.mu.Lock()
	e, ok := p.limiters[peer]
	if !ok {
		e = &peerEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.limiters[peer] = e
	}
	e.lastSeen = now
	if now.Sub(p.lastPrune) > peerIdle {
		for k, other := range p.limiters {
			if now.Sub(other.lastSeen) > peerIdle {
				delete(p.limiters, k)
			}
		}
		p.lastPrune = now
	}
	p.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

func (p *peerLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !p.allow(host) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
