package commander

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet is a keyed set of independent token buckets, one per key
// seen, reaped lazily on access (mirrors the per-peer leaky bucket in
// internal/media/router.go, generalized from one channel to an
// arbitrary string key).
type limiterSet struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	idleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterSet(r rate.Limit, burst int) *limiterSet {
	return &limiterSet{limit: r, burst: burst, buckets: make(map[string]*bucket), idleTTL: 10 * time.Minute}
}

// Allow reports whether key may proceed, consuming one token from its
// bucket (creating the bucket on first sight).
func (s *limiterSet) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = time.Now()
	s.reapLocked()
	return b.limiter.Allow()
}

// reapLocked drops buckets that haven't been touched within idleTTL,
// bounding memory for a long-lived process seeing churn in source IPs
// or tokens. Caller must hold s.mu.
func (s *limiterSet) reapLocked() {
	cutoff := time.Now().Add(-s.idleTTL)
	for k, b := range s.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(s.buckets, k)
		}
	}
}

// Limiter enforces the two independent Commander budgets from spec
// §4.6: one bucket keyed by source IP, one keyed by authenticated API
// token, plus a tighter pair reserved for operations the spec marks
// "expensive" (log export, file listings).
type Limiter struct {
	byIP          *limiterSet
	byToken       *limiterSet
	expensiveByIP *limiterSet
	expensiveByTk *limiterSet
}

// NewLimiter builds the default Commander limiter: 20 req/s burst 40
// per ordinary bucket, 1 req/s burst 2 for expensive operations.
func NewLimiter() *Limiter {
	return NewLimiterWithRates(1200, 60)
}

// NewLimiterWithRates builds a Commander limiter from configured
// per-minute budgets (internal/config's RateLimits.CommanderPerMinute /
// CommanderExpensivePerMinute), converting to the per-second rate.Limit
// golang.org/x/time/rate expects. Burst is set to 1/30th of the
// per-minute budget (min 1), giving roughly two seconds of headroom at
// the steady-state rate.
func NewLimiterWithRates(perMinute, expensivePerMinute int) *Limiter {
	ordinary := rate.Limit(float64(perMinute) / 60)
	expensive := rate.Limit(float64(expensivePerMinute) / 60)
	return &Limiter{
		byIP:          newLimiterSet(ordinary, burstFor(perMinute)),
		byToken:       newLimiterSet(ordinary, burstFor(perMinute)),
		expensiveByIP: newLimiterSet(expensive, burstFor(expensivePerMinute)),
		expensiveByTk: newLimiterSet(expensive, burstFor(expensivePerMinute)),
	}
}

func burstFor(perMinute int) int {
	b := perMinute / 30
	if b < 1 {
		b = 1
	}
	return b
}

// Allow reports whether a request from ip, authenticated as tokenPrefix
// (empty if unauthenticated), may proceed. Both buckets must have a
// token available; either denial fails the whole request to keep a
// single leaked token from exhausting the IP-wide budget.
func (l *Limiter) Allow(ip, tokenPrefix string, expensive bool) bool {
	ipSet, tkSet := l.byIP, l.byToken
	if expensive {
		ipSet, tkSet = l.expensiveByIP, l.expensiveByTk
	}
	if !ipSet.Allow(ip) {
		return false
	}
	if tokenPrefix == "" {
		return true
	}
	return tkSet.Allow(tokenPrefix)
}
