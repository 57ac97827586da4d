package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// senderLimiter rate limits execute submissions per sender address.
// Idle limiters are swept so the map does not grow without bound.
type senderLimiter struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	visitors map[string]*visitor
	clockNow func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorIdleTTL = 5 * time.Minute

func newSenderLimiter(perSecond float64, burst int) *senderLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &senderLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		visitors:  make(map[string]*visitor),
		clockNow:  time.Now,
	}
}

// allow reports whether sender may submit now. A nil limiter allows all.
func (l *senderLimiter) allow(sender string) bool {
	if l == nil {
		return true
	}
	now := l.clockNow()

	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[sender]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[sender] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// sweep drops limiters idle for longer than visitorIdleTTL.
func (l *senderLimiter) sweep() int {
	if l == nil {
		return 0
	}
	cutoff := l.clockNow().Add(-visitorIdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for sender, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, sender)
			removed++
		}
	}
	return removed
}
