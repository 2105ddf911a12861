package ingress

import (
	"sync"
	"time"
)

// ipLimiter rate limits webhook callers per client IP. Each IP gets a
// token bucket sized to the per-minute limit with continuous refill, so
// bursts up to the limit are accepted and sustained traffic levels out
// at limit/minute.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   float64 // requests per minute
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{
		buckets: make(map[string]*bucket),
		limit:   float64(perMinute),
	}
}

// Allow reports whether the client may proceed, consuming a token.
func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{tokens: l.limit, lastTime: now}
		l.buckets[ip] = b
	}

	b.tokens += now.Sub(b.lastTime).Minutes() * l.limit
	if b.tokens > l.limit {
		b.tokens = l.limit
	}
	b.lastTime = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
