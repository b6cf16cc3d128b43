package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one token bucket per participant. Idle buckets are
// dropped on access once they have been unused for ttl.
type limiterPool struct {
	mu       sync.Mutex
	m        map[int64]*limiterEntry
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	lastScan time.Time
}

func newLimiterPool(perMinute, burst int) *limiterPool {
	if perMinute <= 0 {
		return &limiterPool{limit: rate.Inf}
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiterPool{
		m:     make(map[int64]*limiterEntry),
		limit: rate.Every(time.Minute / time.Duration(perMinute)),
		burst: burst,
		ttl:   10 * time.Minute,
	}
}

func (p *limiterPool) Allow(participantID int64) bool {
	if p.limit == rate.Inf {
		return true
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastScan) > p.ttl {
		for id, e := range p.m {
			if now.Sub(e.lastSeen) > p.ttl {
				delete(p.m, id)
			}
		}
		p.lastScan = now
	}

	e, ok := p.m[participantID]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.limit, p.burst)}
		p.m[participantID] = e
	}
	e.lastSeen = now
	return e.l.AllowN(now, 1)
}
