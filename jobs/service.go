// Package jobs implements job admission and the read side used by the
// status/download endpoints. Admission validates everything that can fail
// fast, stores the inputs, creates the record, and enqueues the id; it
// never waits on conversion work.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"fileconverter/converters"
	"fileconverter/models"
	"fileconverter/queue"
	"fileconverter/ratelimit"
	"fileconverter/status"
	"fileconverter/storage"
)

var (
	// ErrNotFound: no such job ever existed (or its tombstone is gone).
	ErrNotFound = errors.New("jobs: not found")

	// ErrForbidden: the job belongs to a different owner key.
	ErrForbidden = errors.New("jobs: forbidden")
)

// Upload is one file from a submission. Open is called at most once.
type Upload struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

type Service struct {
	registry *converters.Registry
	limiter  ratelimit.Limiter
	store    status.Store
	queue    queue.Queue
	backend  storage.Backend

	maxFiles    int
	maxFileSize int64
}

func NewService(
	registry *converters.Registry,
	limiter ratelimit.Limiter,
	store status.Store,
	q queue.Queue,
	backend storage.Backend,
	maxFiles int,
	maxFileSize int64,
) *Service {
	return &Service{
		registry:    registry,
		limiter:     limiter,
		store:       store,
		queue:       q,
		backend:     backend,
		maxFiles:    maxFiles,
		maxFileSize: maxFileSize,
	}
}

// Submit admits a conversion request. On success the job is Queued and its
// id is on the broker queue; on any admission error nothing persists.
func (s *Service) Submit(ctx context.Context, ownerKey string, uploads []Upload, targetFormat string) (*models.Job, error) {
	targetFormat = strings.ToLower(strings.TrimSpace(targetFormat))

	decision, err := s.limiter.Admit(ctx, ownerKey)
	if err != nil {
		log.Printf("[Admission] rate limiter unavailable: %v", err)
		return nil, models.NewAdmissionError(models.CodeServiceUnavailable, "rate limiter unavailable")
	}
	if !decision.Allowed {
		return nil, &models.AdmissionError{
			Code:       models.CodeRateLimited,
			Message:    "rate limit exceeded",
			RetryAfter: decision.RetryAfter,
		}
	}

	if len(uploads) == 0 || len(uploads) > s.maxFiles {
		return nil, models.NewAdmissionError(models.CodeTooManyFiles,
			"expected between 1 and %d files, got %d", s.maxFiles, len(uploads))
	}
	if !s.registry.KnownTarget(targetFormat) {
		return nil, models.NewAdmissionError(models.CodeInvalidFormat,
			"invalid target format: %s", targetFormat)
	}

	// Validate every file before storing any, so a rejected request leaves
	// no orphaned inputs behind.
	for _, up := range uploads {
		if _, err := storage.SanitizeName(up.Filename); err != nil {
			return nil, models.NewAdmissionError(models.CodeInvalidFormat,
				"invalid filename: %s", up.Filename)
		}
		if s.maxFileSize > 0 && up.Size > s.maxFileSize {
			return nil, models.NewAdmissionError(models.CodePayloadTooLarge,
				"%s exceeds the maximum file size of %d bytes", up.Filename, s.maxFileSize)
		}
		ext := storage.Ext(up.Filename)
		if !s.registry.KnownExtension(ext) {
			return nil, models.NewAdmissionError(models.CodeInvalidFormat,
				"file extension .%s not allowed, allowed: %s", ext, strings.Join(s.registry.Extensions(), ", "))
		}
		// Unsupported pairs fail here, before any queue slot is spent.
		if !s.registry.Supports(ext, targetFormat) {
			return nil, models.NewAdmissionError(models.CodeUnsupportedConversion,
				"cannot convert %s to %s", ext, targetFormat)
		}
	}

	inputs := make([]models.InputRef, 0, len(uploads))
	for _, up := range uploads {
		obj, err := s.storeUpload(ctx, up)
		if err != nil {
			s.discardInputs(ctx, inputs)
			if errors.Is(err, storage.ErrPayloadTooLarge) {
				return nil, models.NewAdmissionError(models.CodePayloadTooLarge,
					"%s exceeds the maximum file size", up.Filename)
			}
			log.Printf("[Admission] storing %s failed: %v", up.Filename, err)
			return nil, models.NewAdmissionError(models.CodeServiceUnavailable, "storage unavailable")
		}
		inputs = append(inputs, models.InputRef{
			Key:          obj.Key,
			OriginalName: up.Filename,
			SourceFormat: storage.Ext(up.Filename),
			SizeBytes:    obj.SizeBytes,
		})
	}

	job := &models.Job{
		ID:           uuid.New().String(),
		Status:       models.StatusQueued,
		OwnerKey:     ownerKey,
		TargetFormat: targetFormat,
		Inputs:       inputs,
		SubmittedAt:  time.Now(),
	}

	if err := s.store.Create(ctx, job); err != nil {
		s.discardInputs(ctx, inputs)
		log.Printf("[Admission] creating record for job %s failed: %v", job.ID, err)
		return nil, models.NewAdmissionError(models.CodeServiceUnavailable, "job store unavailable")
	}

	if err := s.enqueueWithRetry(ctx, job.ID); err != nil {
		s.store.Remove(ctx, job.ID)
		s.discardInputs(ctx, inputs)
		log.Printf("[Admission] enqueue of job %s failed: %v", job.ID, err)
		return nil, models.NewAdmissionError(models.CodeServiceUnavailable, "queue unavailable")
	}

	log.Printf("[Admission] queued job %s: %d file(s) -> %s for %s", job.ID, len(inputs), targetFormat, ownerKey)
	return job, nil
}

func (s *Service) storeUpload(ctx context.Context, up Upload) (storage.Object, error) {
	rc, err := up.Open()
	if err != nil {
		return storage.Object{}, fmt.Errorf("open upload: %w", err)
	}
	defer rc.Close()
	return s.backend.Put(ctx, rc, up.Filename)
}

// enqueueWithRetry absorbs transient broker hiccups with a short backoff
// before giving up; admission must stay fast.
func (s *Service) enqueueWithRetry(ctx context.Context, jobID string) error {
	var err error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.queue.Enqueue(ctx, jobID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (s *Service) discardInputs(ctx context.Context, inputs []models.InputRef) {
	for _, in := range inputs {
		if err := s.backend.Delete(ctx, in.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Printf("[Admission] discarding input %s failed: %v", in.Key, err)
		}
	}
}

// Lookup loads a job on behalf of ownerKey. Foreign owners get
// ErrForbidden regardless of job state; callers decide how to render an
// Expired record.
func (s *Service) Lookup(ctx context.Context, id, ownerKey string) (*models.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if job.OwnerKey != ownerKey {
		return nil, ErrForbidden
	}
	return job, nil
}

// OpenResult opens the result object of a succeeded job for streaming.
func (s *Service) OpenResult(ctx context.Context, job *models.Job) (io.ReadCloser, error) {
	if job.Output == nil {
		return nil, ErrNotFound
	}
	rc, err := s.backend.Get(ctx, job.Output.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rc, nil
}

// Delete removes a job's objects and record at the owner's request,
// ahead of the retention sweep. Queued/Running jobs cannot be deleted;
// their inputs are in use.
func (s *Service) Delete(ctx context.Context, id, ownerKey string) error {
	job, err := s.Lookup(ctx, id, ownerKey)
	if err != nil {
		return err
	}
	if job.Status == models.StatusQueued || job.Status == models.StatusRunning {
		return status.ErrConflict
	}

	s.discardInputs(ctx, job.Inputs)
	if job.Output != nil {
		if err := s.backend.Delete(ctx, job.Output.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Printf("[Admission] deleting output %s failed: %v", job.Output.Key, err)
		}
	}
	return s.store.Remove(ctx, id)
}
