package ratelimit

import (
	"context"
	"sync"
	"time"
)

type fixedWindow struct {
	start time.Time
	count int
}

type bucketState struct {
	tokens float64
	last   time.Time
}

// MemoryLimiter is a process-local Limiter with the same semantics as the
// Redis one. Suited to single-instance deployments and tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	config  Config
	now     func() time.Time
	fixed   map[string]*fixedWindow
	sliding map[string][]time.Time
	buckets map[string]*bucketState
}

// NewMemoryLimiter creates a MemoryLimiter. now defaults to time.Now.
func NewMemoryLimiter(cfg Config, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		config:  cfg,
		now:     now,
		fixed:   make(map[string]*fixedWindow),
		sliding: make(map[string][]time.Time),
		buckets: make(map[string]*bucketState),
	}
}

func (l *MemoryLimiter) Check(_ context.Context, key Key) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluate(key, false), nil
}

func (l *MemoryLimiter) Record(_ context.Context, key Key) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluate(key, true), nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key.String()
	delete(l.fixed, k)
	delete(l.sliding, k)
	delete(l.buckets, k)
	return nil
}

func (l *MemoryLimiter) evaluate(key Key, record bool) Result {
	p := l.config.PolicyFor(key.Action)
	now := l.now()

	switch p.Strategy {
	case SlidingWindow:
		return l.slidingEval(key.String(), p, now, record)
	case TokenBucket:
		return l.bucketEval(key.String(), p, now, record)
	default:
		return l.fixedEval(key.String(), p, now, record)
	}
}

func (l *MemoryLimiter) fixedEval(k string, p Policy, now time.Time, record bool) Result {
	windowStart := now.Truncate(p.Window)
	w := l.fixed[k]
	if w == nil || !w.start.Equal(windowStart) {
		w = &fixedWindow{start: windowStart}
		l.fixed[k] = w
	}

	count := w.count + 1
	if record {
		w.count = count
	}

	resetAt := windowStart.Add(p.Window)
	res := Result{
		Allowed:   count <= p.Limit,
		Limit:     p.Limit,
		Remaining: remaining(p.Limit, count),
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(now)
		res = applyProgressive(l.config.Progressive, res, count-p.Limit)
	}
	return res
}

func (l *MemoryLimiter) slidingEval(k string, p Policy, now time.Time, record bool) Result {
	cutoff := now.Add(-p.Window)
	kept := l.sliding[k][:0]
	for _, ts := range l.sliding[k] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.sliding[k] = kept

	count := len(kept)
	res := Result{
		Limit:   p.Limit,
		ResetAt: now.Add(p.Window),
	}
	if count >= p.Limit {
		if count > 0 {
			res.ResetAt = kept[0].Add(p.Window)
		}
		res.Allowed = false
		res.Remaining = 0
		res.RetryAfter = res.ResetAt.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
		return applyProgressive(l.config.Progressive, res, count-p.Limit+1)
	}

	if record {
		l.sliding[k] = append(kept, now)
		count++
	}
	res.Allowed = true
	res.Remaining = remaining(p.Limit, count)
	return res
}

func (l *MemoryLimiter) bucketEval(k string, p Policy, now time.Time, record bool) Result {
	b := l.buckets[k]
	if b == nil {
		b = &bucketState{tokens: float64(p.Capacity), last: now}
		l.buckets[k] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := b.tokens + elapsed*p.RefillRate
	if tokens > float64(p.Capacity) {
		tokens = float64(p.Capacity)
	}

	allowed := tokens >= 1
	if record {
		if allowed {
			tokens--
		}
		b.tokens = tokens
		b.last = now
	}

	res := Result{
		Allowed:   allowed,
		Limit:     p.Capacity,
		Remaining: int(tokens),
		ResetAt:   now.Add(timeToFull(p, tokens)),
	}
	if !allowed {
		if p.RefillRate > 0 {
			res.RetryAfter = time.Duration((1 - tokens) / p.RefillRate * float64(time.Second))
		}
		res = applyProgressive(l.config.Progressive, res, 1)
	}
	return res
}
