package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long an address may stay silent before its state is
// dropped.
const idleAfter = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	strikes  []time.Time // expiry of each strike
	lastSeen time.Time
}

// MemoryLimiter keeps per-address token buckets in process. It is used when
// no Redis address is configured.
type MemoryLimiter struct {
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(opts Options) *MemoryLimiter {
	return &MemoryLimiter{
		opts:     opts.withDefaults(),
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (l *MemoryLimiter) Check(ctx context.Context, ip string) (Result, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	v, ok := l.visitors[ip]
	if !ok {
		burst := int(l.opts.MaxPerSecond)
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.opts.MaxPerSecond), burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now

	live := v.strikes[:0]
	for _, exp := range v.strikes {
		if exp.After(now) {
			live = append(live, exp)
		}
	}
	v.strikes = live
	if int64(len(v.strikes)) >= l.opts.MaxBlocks {
		return blocked, nil
	}

	if v.limiter.AllowN(now, 1) {
		return allowed, nil
	}
	v.strikes = append(v.strikes, now.Add(l.opts.BlockTTL))
	return tooFast, nil
}

// sweep drops idle addresses without strikes, at most once a minute.
// Callers hold l.mu.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > idleAfter && (len(v.strikes) == 0 || v.strikes[len(v.strikes)-1].Before(now)) {
			delete(l.visitors, ip)
		}
	}
}
