// Package cleanup reclaims storage and job records past the retention
// window. Results are expired rather than deleted outright: the record
// stays as a tombstone for a while so polling clients see EXPIRED instead
// of a confusing not-found.
package cleanup

import (
	"context"
	"errors"
	"log"
	"time"

	"fileconverter/models"
	"fileconverter/status"
	"fileconverter/storage"
)

// tombstoneTTL is how long an Expired record outlives its objects before
// the record itself is dropped.
const tombstoneTTL = 24 * time.Hour

type Sweeper struct {
	store     status.Store
	backend   storage.Backend
	retention time.Duration
	interval  time.Duration
}

func NewSweeper(store status.Store, backend storage.Backend, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		backend:   backend,
		retention: retention,
		interval:  interval,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("[Cleanup] Starting sweep loop (retention %v, every %v)", s.retention, s.interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("[Cleanup] Shutting down")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass: expire settled jobs past retention, drop old
// tombstones, then delete aged storage objects that no live job references.
func (s *Sweeper) Sweep(ctx context.Context) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		log.Printf("[Cleanup] Listing jobs failed: %v", err)
		return
	}

	now := time.Now()
	expired := 0
	removed := 0
	protected := make(map[string]bool)

	for _, job := range jobs {
		switch job.Status {
		case models.StatusSucceeded, models.StatusFailed:
			if job.CompletedAt != nil && now.Sub(*job.CompletedAt) > s.retention {
				s.expire(ctx, job)
				expired++
				continue
			}
			// Still within retention: its objects stay.
			s.protect(protected, job)

		case models.StatusExpired:
			if job.ExpiredAt != nil && now.Sub(*job.ExpiredAt) > tombstoneTTL {
				if err := s.store.Remove(ctx, job.ID); err != nil && !errors.Is(err, status.ErrNotFound) {
					log.Printf("[Cleanup] Removing tombstone %s failed: %v", job.ID, err)
					continue
				}
				removed++
			}

		default:
			// Queued or Running: inputs are needed no matter how old the
			// objects are; a job can sit queued longer than the retention
			// window under backlog.
			s.protect(protected, job)
		}
	}

	deleted := s.sweepObjects(ctx, protected)

	if expired > 0 || removed > 0 || deleted > 0 {
		log.Printf("[Cleanup] Expired %d job(s), dropped %d tombstone(s), deleted %d object(s)",
			expired, removed, deleted)
	}
}

func (s *Sweeper) protect(protected map[string]bool, job *models.Job) {
	for _, key := range job.InputKeys() {
		protected[key] = true
	}
	if job.Output != nil {
		protected[job.Output.Key] = true
	}
}

// expire deletes a settled job's objects and turns the record into a
// tombstone. Object deletion happens first so a crash between the two
// steps leaks a record, not storage.
func (s *Sweeper) expire(ctx context.Context, job *models.Job) {
	for _, key := range job.InputKeys() {
		s.deleteObject(ctx, key)
	}
	if job.Output != nil {
		s.deleteObject(ctx, job.Output.Key)
	}

	if err := s.store.Expire(ctx, job.ID); err != nil && !errors.Is(err, status.ErrConflict) {
		log.Printf("[Cleanup] Expiring job %s failed: %v", job.ID, err)
	}
}

func (s *Sweeper) deleteObject(ctx context.Context, key string) {
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("[Cleanup] Deleting object %s failed: %v", key, err)
	}
}

// sweepObjects removes aged objects nothing references anymore, catching
// strays from crashed submissions and workers.
func (s *Sweeper) sweepObjects(ctx context.Context, protected map[string]bool) int {
	objects, err := s.backend.List(ctx, s.retention)
	if err != nil {
		log.Printf("[Cleanup] Listing storage failed: %v", err)
		return 0
	}

	deleted := 0
	for _, obj := range objects {
		if protected[obj.Key] {
			continue
		}
		if err := s.backend.Delete(ctx, obj.Key); err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				log.Printf("[Cleanup] Deleting stray object %s failed: %v", obj.Key, err)
			}
			continue
		}
		deleted++
	}
	return deleted
}
