// Package queue carries job ids from admission to the worker pool. Messages
// hold the id only; job payloads live in the status store and storage.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by Claim when no message arrived within the
	// wait window.
	ErrEmpty = errors.New("queue: no message available")

	// ErrFull is returned by Enqueue when the queue cannot accept more
	// messages (memory implementation only).
	ErrFull = errors.New("queue: at capacity")
)

// Queue is an at-least-once delivery queue with leases. A claimed message
// stays invisible until it is acked, requeued, or its lease grows older
// than the visibility timeout and recovery picks it up.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error

	// Claim blocks up to wait for a message and takes a lease on it.
	Claim(ctx context.Context, wait time.Duration) (string, error)

	// Ack removes a claimed message for good.
	Ack(ctx context.Context, jobID string) error

	// Requeue returns a claimed message to the pending queue.
	Requeue(ctx context.Context, jobID string) error

	// Stale lists claimed messages whose lease is older than the given
	// age; the dispatcher's recovery loop decides their fate.
	Stale(ctx context.Context, olderThan time.Duration) ([]string, error)

	// Pending reports the number of messages waiting to be claimed.
	Pending(ctx context.Context) (int64, error)
}
