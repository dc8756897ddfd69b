// Package status is the authoritative mapping from job id to lifecycle
// state. Every transition is a compare-and-set so only one writer can move a
// job at a time, and terminal states are never re-entered.
package status

import (
	"context"
	"errors"

	"fileconverter/models"
)

var (
	// ErrNotFound means no record exists for the id.
	ErrNotFound = errors.New("status: job not found")

	// ErrConflict means the job was not in an expected source state for
	// the attempted transition; duplicate queue deliveries surface here.
	ErrConflict = errors.New("status: conflicting job state")
)

type Store interface {
	// Create stores a new record; the job must be in StatusQueued.
	Create(ctx context.Context, job *models.Job) error

	Get(ctx context.Context, id string) (*models.Job, error)

	// StartRunning moves Queued -> Running and stamps StartedAt. Returns
	// ErrConflict if the job is not Queued, which callers treat as a
	// duplicate delivery.
	StartRunning(ctx context.Context, id string) (*models.Job, error)

	// Complete moves Running -> Succeeded and sets the output, exactly once.
	Complete(ctx context.Context, id string, output models.Output) error

	// Fail moves Queued|Running -> Failed and sets the error, exactly once.
	Fail(ctx context.Context, id string, jobErr models.JobError) error

	// Requeue moves Running -> Queued and bumps RetryCount; used only by
	// lease recovery after a worker crash.
	Requeue(ctx context.Context, id string) (*models.Job, error)

	// Expire moves Succeeded|Failed -> Expired, clearing nothing: the
	// record stays as a tombstone so polling can distinguish Expired from
	// NotFound.
	Expire(ctx context.Context, id string) error

	// Remove deletes the record entirely.
	Remove(ctx context.Context, id string) error

	// List returns all live records; the cleanup sweeper uses it to build
	// the set of storage keys still referenced by active jobs.
	List(ctx context.Context) ([]*models.Job, error)
}
