package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fileconverter/models"
)

// Redis keeps one JSON record per job under <prefix>job:<id>. Transitions
// use WATCH so a concurrent writer aborts the losing side; the loser sees
// ErrConflict, which is exactly the duplicate-delivery signal the
// dispatcher wants.
type Redis struct {
	client *redis.Client
	prefix string

	// Safety net TTL well past the retention window; the cleanup sweeper
	// is the authoritative deleter.
	recordTTL time.Duration
}

func NewRedis(client *redis.Client, prefix string, recordTTL time.Duration) *Redis {
	if recordTTL <= 0 {
		recordTTL = 24 * time.Hour
	}
	return &Redis{client: client, prefix: prefix, recordTTL: recordTTL}
}

func (r *Redis) key(id string) string {
	return r.prefix + "job:" + id
}

func (r *Redis) Create(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := r.client.Set(ctx, r.key(job.ID), data, r.recordTTL).Err(); err != nil {
		return fmt.Errorf("store job record: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*models.Job, error) {
	data, err := r.client.Get(ctx, r.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load job record: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	return &job, nil
}

func (r *Redis) transition(ctx context.Context, id string, from []models.JobStatus, mutate func(*models.Job)) (*models.Job, error) {
	key := r.key(id)
	var result *models.Job

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		var job models.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return fmt.Errorf("decode job record: %w", err)
		}

		allowed := false
		for _, s := range from {
			if job.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrConflict
		}

		mutate(&job)
		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshal job record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.recordTTL)
			return nil
		})
		if err == nil {
			result = &job
		}
		return err
	}, key)

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// Lost the race; the other writer owns this transition.
			return nil, ErrConflict
		}
		return nil, err
	}
	return result, nil
}

func (r *Redis) StartRunning(ctx context.Context, id string) (*models.Job, error) {
	return r.transition(ctx, id, []models.JobStatus{models.StatusQueued}, func(job *models.Job) {
		now := time.Now()
		job.Status = models.StatusRunning
		job.StartedAt = &now
	})
}

func (r *Redis) Complete(ctx context.Context, id string, output models.Output) error {
	_, err := r.transition(ctx, id, []models.JobStatus{models.StatusRunning}, func(job *models.Job) {
		now := time.Now()
		job.Status = models.StatusSucceeded
		job.Output = &output
		job.CompletedAt = &now
	})
	return err
}

func (r *Redis) Fail(ctx context.Context, id string, jobErr models.JobError) error {
	_, err := r.transition(ctx, id, []models.JobStatus{models.StatusQueued, models.StatusRunning}, func(job *models.Job) {
		now := time.Now()
		job.Status = models.StatusFailed
		job.Error = &jobErr
		job.CompletedAt = &now
	})
	return err
}

func (r *Redis) Requeue(ctx context.Context, id string) (*models.Job, error) {
	return r.transition(ctx, id, []models.JobStatus{models.StatusRunning}, func(job *models.Job) {
		job.Status = models.StatusQueued
		job.StartedAt = nil
		job.RetryCount++
	})
}

func (r *Redis) Expire(ctx context.Context, id string) error {
	_, err := r.transition(ctx, id, []models.JobStatus{models.StatusSucceeded, models.StatusFailed}, func(job *models.Job) {
		now := time.Now()
		job.Status = models.StatusExpired
		job.ExpiredAt = &now
	})
	return err
}

func (r *Redis) Remove(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("delete job record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) List(ctx context.Context) ([]*models.Job, error) {
	var out []*models.Job
	iter := r.client.Scan(ctx, 0, r.prefix+"job:*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("load job record: %w", err)
		}
		var job models.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			continue
		}
		out = append(out, &job)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan job records: %w", err)
	}
	return out, nil
}
