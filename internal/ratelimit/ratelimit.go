// Package ratelimit wraps golang.org/x/time/rate token buckets for the two
// budget-shaped concerns in the bus: publish throughput (one global bucket)
// and poll admission (one bucket per client, reclaimed on idle), following
// the per-key-limiter-with-TTL-cleanup shape used for connection admission
// elsewhere in this codebase.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a single token bucket, used directly for publish throttling.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter creates a token bucket allowing ratePerSecond sustained events
// with bursts up to burst. A non-positive ratePerSecond disables limiting.
func NewLimiter(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether an event may proceed now, consuming a token if so.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// keyedEntry pairs a limiter with the last time it was touched, so
// PerKeyLimiter can evict buckets nobody has used in a while.
type keyedEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// PerKeyLimiter hands out one token bucket per key (e.g. per ClientID),
// used to gate long-poll admission per caller without one bucket living
// forever for every client that ever connected once.
type PerKeyLimiter struct {
	mu    sync.Mutex
	rate  rate.Limit
	burst int
	ttl   time.Duration
	keys  map[string]*keyedEntry
}

// NewPerKeyLimiter creates a keyed limiter. Entries unused for longer than
// ttl are evicted the next time Allow sweeps them.
func NewPerKeyLimiter(ratePerSecond float64, burst int, ttl time.Duration) *PerKeyLimiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PerKeyLimiter{
		rate:  rate.Limit(ratePerSecond),
		burst: burst,
		ttl:   ttl,
		keys:  make(map[string]*keyedEntry),
	}
}

// Allow reports whether key may proceed now.
func (p *PerKeyLimiter) Allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	entry, ok := p.keys[key]
	if !ok {
		entry = &keyedEntry{limiter: rate.NewLimiter(p.rate, p.burst)}
		p.keys[key] = entry
	}
	entry.lastAccess = now

	if len(p.keys) > 4096 {
		p.evictLocked(now)
	}
	return entry.limiter.Allow()
}

func (p *PerKeyLimiter) evictLocked(now time.Time) {
	for key, entry := range p.keys {
		if now.Sub(entry.lastAccess) > p.ttl {
			delete(p.keys, key)
		}
	}
}
