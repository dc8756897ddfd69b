package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of an admission check. RetryAfter is only set
// when Allowed is false.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter gates job admission per owner key. Denial happens strictly before
// a job exists, so denied attempts leave no trace.
type Limiter interface {
	Admit(ctx context.Context, ownerKey string) (Decision, error)
}

const window = time.Hour

// RedisLimiter counts admissions in fixed hourly windows using INCR, which
// is the atomic increment-and-check the contract requires: two concurrent
// admissions from one owner can never both read the same count.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
}

func NewRedisLimiter(client *redis.Client, prefix string, limit int) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit}
}

func (l *RedisLimiter) key(ownerKey string, windowStart int64) string {
	return fmt.Sprintf("%sratelimit:%s:%d", l.prefix, ownerKey, windowStart)
}

func (l *RedisLimiter) Admit(ctx context.Context, ownerKey string) (Decision, error) {
	if l.limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := time.Now()
	windowStart := now.Truncate(window)
	key := l.key(ownerKey, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// The window key lives a little past its window so late reads still see
	// it; it never counts beyond its own hour.
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}

	count := int(incr.Val())
	if count > l.limit {
		return Decision{
			Allowed:    false,
			RetryAfter: windowStart.Add(window).Sub(now),
		}, nil
	}
	return Decision{Allowed: true, Remaining: l.limit - count}, nil
}

// MemoryLimiter is the single-process implementation with the same fixed
// window semantics, used in tests and brokerless local runs.
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	counts map[string]*windowCount
}

type windowCount struct {
	start time.Time
	n     int
}

func NewMemoryLimiter(limit int) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, counts: make(map[string]*windowCount)}
}

func (l *MemoryLimiter) Admit(ctx context.Context, ownerKey string) (Decision, error) {
	if l.limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := time.Now()
	windowStart := now.Truncate(window)

	l.mu.Lock()
	defer l.mu.Unlock()

	wc := l.counts[ownerKey]
	if wc == nil || !wc.start.Equal(windowStart) {
		wc = &windowCount{start: windowStart}
		l.counts[ownerKey] = wc
	}

	wc.n++
	if wc.n > l.limit {
		return Decision{
			Allowed:    false,
			RetryAfter: windowStart.Add(window).Sub(now),
		}, nil
	}
	return Decision{Allowed: true, Remaining: l.limit - wc.n}, nil
}
