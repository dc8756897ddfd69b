package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is a channel-backed queue with the same lease semantics as the
// Redis implementation, for tests and brokerless local runs. Leases are
// kept per delivery, so acking a duplicate never hides the original
// in-flight delivery from recovery.
type Memory struct {
	ch     chan string
	mu     sync.Mutex
	leases map[string][]time.Time
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		ch:     make(chan string, capacity),
		leases: make(map[string][]time.Time),
	}
}

func (q *Memory) Enqueue(ctx context.Context, jobID string) error {
	select {
	case q.ch <- jobID:
		return nil
	default:
		return ErrFull
	}
}

func (q *Memory) Claim(ctx context.Context, wait time.Duration) (string, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case jobID := <-q.ch:
		q.mu.Lock()
		q.leases[jobID] = append(q.leases[jobID], time.Now())
		q.mu.Unlock()
		return jobID, nil
	case <-timer.C:
		return "", ErrEmpty
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *Memory) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	q.dropOneLease(jobID)
	q.mu.Unlock()
	return nil
}

func (q *Memory) Requeue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	q.dropOneLease(jobID)
	q.mu.Unlock()
	return q.Enqueue(ctx, jobID)
}

// dropOneLease releases a single delivery's lease; other deliveries of the
// same id keep theirs. Callers hold q.mu.
func (q *Memory) dropOneLease(jobID string) {
	times := q.leases[jobID]
	switch len(times) {
	case 0:
	case 1:
		delete(q.leases, jobID)
	default:
		q.leases[jobID] = times[:len(times)-1]
	}
}

func (q *Memory) Stale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)
	q.mu.Lock()
	defer q.mu.Unlock()

	var stale []string
	for jobID, times := range q.leases {
		for _, claimed := range times {
			if !claimed.After(cutoff) {
				stale = append(stale, jobID)
				break
			}
		}
	}
	return stale, nil
}

func (q *Memory) Pending(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// ExpireLease backdates every lease held for a job so tests can exercise
// stale recovery without sleeping through a real visibility timeout.
func (q *Memory) ExpireLease(jobID string, age time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	old := time.Now().Add(-age)
	for i := range q.leases[jobID] {
		q.leases[jobID][i] = old
	}
}
