package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the queue on two lists plus a lease hash:
//
//	LPUSH pending            enqueue
//	BRPOPLPUSH pending -> processing, HSET leases id now    claim
//	LREM processing, HDEL leases if last copy               ack
//
// BRPopLPush makes claim atomic: a crashed worker leaves its message in the
// processing list, where it ages (with or without a lease) until recovery
// requeues it.
type Redis struct {
	client     *redis.Client
	pending    string
	processing string
	leases     string
}

func NewRedis(client *redis.Client, pendingKey, processingKey string) *Redis {
	return &Redis{
		client:     client,
		pending:    pendingKey,
		processing: processingKey,
		leases:     processingKey + ":leases",
	}
}

func (q *Redis) Enqueue(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.pending, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *Redis) Claim(ctx context.Context, wait time.Duration) (string, error) {
	jobID, err := q.client.BRPopLPush(ctx, q.pending, q.processing, wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEmpty
		}
		return "", fmt.Errorf("claim job: %w", err)
	}

	if err := q.client.HSet(ctx, q.leases, jobID, time.Now().Unix()).Err(); err != nil {
		// Without a lease the message would never be recovered; push it
		// back rather than risk losing it.
		q.client.LRem(ctx, q.processing, 1, jobID)
		q.client.LPush(ctx, q.pending, jobID)
		return "", fmt.Errorf("record lease: %w", err)
	}
	return jobID, nil
}

func (q *Redis) Ack(ctx context.Context, jobID string) error {
	if err := q.client.LRem(ctx, q.processing, 1, jobID).Err(); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return q.dropLeaseIfLast(ctx, jobID)
}

func (q *Redis) Requeue(ctx context.Context, jobID string) error {
	if err := q.client.LRem(ctx, q.processing, 1, jobID).Err(); err != nil {
		return fmt.Errorf("remove from processing: %w", err)
	}
	if err := q.dropLeaseIfLast(ctx, jobID); err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pending, jobID).Err(); err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// dropLeaseIfLast clears the lease only when no copy of the message remains
// in flight. Duplicate deliveries share one lease key; erasing it while the
// original delivery is still processing would hide that delivery from
// recovery for good.
func (q *Redis) dropLeaseIfLast(ctx context.Context, jobID string) error {
	_, err := q.client.LPos(ctx, q.processing, jobID, redis.LPosArgs{}).Result()
	if err == nil {
		return nil
	}
	if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("check in-flight copies: %w", err)
	}
	if err := q.client.HDel(ctx, q.leases, jobID).Err(); err != nil {
		return fmt.Errorf("clear lease: %w", err)
	}
	return nil
}

// Stale walks the processing list itself rather than the lease hash: an
// in-flight message without a lease (claimer crashed before recording one,
// or a duplicate ack erased it) must still be recoverable.
func (q *Redis) Stale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	inflight, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list processing queue: %w", err)
	}

	leases, err := q.client.HGetAll(ctx, q.leases).Result()
	if err != nil {
		return nil, fmt.Errorf("load leases: %w", err)
	}

	cutoff := time.Now().Add(-olderThan).Unix()
	var stale []string
	seen := make(map[string]bool, len(inflight))
	for _, jobID := range inflight {
		if seen[jobID] {
			continue
		}
		seen[jobID] = true

		claimed, ok := leases[jobID]
		if !ok {
			stale = append(stale, jobID)
			continue
		}
		ts, err := strconv.ParseInt(claimed, 10, 64)
		if err != nil || ts <= cutoff {
			stale = append(stale, jobID)
		}
	}

	// Drop lease entries whose message left the processing list, so the
	// hash cannot grow without bound.
	for jobID := range leases {
		if !seen[jobID] {
			q.client.HDel(ctx, q.leases, jobID)
		}
	}
	return stale, nil
}

func (q *Redis) Pending(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
