package httpapi

import (
	"encoding/hex"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	return remote
}

type bucketState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

// ipRateLimiter is a token bucket per client IP. When full it evicts the
// least recently seen IP.
type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTracked      int
	states          map[string]bucketState
}

func newIPRateLimiter(refillPerSecond, burst float64, maxTracked int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTracked:      maxTracked,
		states:          make(map[string]bucketState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if ip == "" {
		ip = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTracked {
			evictOldest(l.states, func(s bucketState) time.Time { return s.lastSeen })
		}
		l.states[ip] = bucketState{tokens: l.burst - 1, lastAt: now, lastSeen: now}
		return true
	}

	if elapsed := now.Sub(st.lastAt).Seconds(); elapsed > 0 {
		st.tokens = min(st.tokens+elapsed*l.refillPerSecond, l.burst)
	}
	st.lastAt = now
	st.lastSeen = now
	allowed := st.tokens >= 1
	if allowed {
		st.tokens--
	}
	l.states[ip] = st
	return allowed
}

// replayGuard remembers request digests until they could no longer pass the
// timestamp check.
type replayGuard struct {
	mu sync.Mutex

	ttl        time.Duration
	maxEntries int
	seen       map[string]time.Time
}

func newReplayGuard(ttl time.Duration, maxEntries int) *replayGuard {
	return &replayGuard{ttl: ttl, maxEntries: maxEntries, seen: make(map[string]time.Time)}
}

// Mark records digest and reports false when it was already recorded.
func (g *replayGuard) Mark(digest []byte, now time.Time) bool {
	key := hex.EncodeToString(digest)

	g.mu.Lock()
	defer g.mu.Unlock()

	if exp, ok := g.seen[key]; ok && now.Before(exp) {
		return false
	}
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	if len(g.seen) >= g.maxEntries {
		evictOldest(g.seen, func(exp time.Time) time.Time { return exp })
	}
	g.seen[key] = now.Add(g.ttl)
	return true
}

func evictOldest[V any](m map[string]V, at func(V) time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
		first     = true
	)
	for k, v := range m {
		if t := at(v); first || t.Before(oldestAt) {
			oldestKey, oldestAt, first = k, t, false
		}
	}
	if !first {
		delete(m, oldestKey)
	}
}
