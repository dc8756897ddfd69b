// Package workers runs the conversion dispatcher: a fixed pool of goroutines
// claiming job ids from the queue, executing conversions under a timeout, and
// a recovery loop that requeues or fails jobs whose lease went stale.
package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"fileconverter/config"
	"fileconverter/converters"
	"fileconverter/models"
	"fileconverter/queue"
	"fileconverter/status"
	"fileconverter/storage"
)

const claimWait = 30 * time.Second

type Pool struct {
	config   *config.Config
	queue    queue.Queue
	store    status.Store
	backend  storage.Backend
	registry *converters.Registry

	active int64
}

func NewPool(cfg *config.Config, q queue.Queue, store status.Store, backend storage.Backend, registry *converters.Registry) *Pool {
	return &Pool{
		config:   cfg,
		queue:    q,
		store:    store,
		backend:  backend,
		registry: registry,
	}
}

// Active reports how many jobs are being converted right now.
func (p *Pool) Active() int64 {
	return atomic.LoadInt64(&p.active)
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log.Printf("[Worker %d] Starting", workerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker %d] Shutting down", workerID)
			return
		default:
		}

		jobID, err := p.queue.Claim(ctx, claimWait)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if ctx.Err() != nil {
				log.Printf("[Worker %d] Shutting down", workerID)
				return
			}
			log.Printf("[Worker %d] Queue error: %v", workerID, err)
			time.Sleep(5 * time.Second)
			continue
		}

		p.handle(ctx, workerID, jobID)
	}
}

// handle claims the job state before doing any work. The CAS on Queued ->
// Running is what makes duplicate queue deliveries harmless: only one
// delivery wins, every other one is acked and dropped here.
func (p *Pool) handle(ctx context.Context, workerID int, jobID string) {
	job, err := p.store.StartRunning(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, status.ErrNotFound):
			log.Printf("[Worker %d] Job %s has no record, dropping", workerID, jobID)
		case errors.Is(err, status.ErrConflict):
			log.Printf("[Worker %d] Job %s already claimed or settled, dropping duplicate", workerID, jobID)
		default:
			// The store is unreachable; leave the lease in place so
			// recovery retries the job once the store is back.
			log.Printf("[Worker %d] Job %s state transition failed: %v", workerID, jobID, err)
			return
		}
		p.ack(ctx, workerID, jobID)
		return
	}

	atomic.AddInt64(&p.active, 1)
	p.process(ctx, workerID, job)
	atomic.AddInt64(&p.active, -1)

	p.ack(ctx, workerID, jobID)
}

func (p *Pool) ack(ctx context.Context, workerID int, jobID string) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		log.Printf("[Worker %d] Ack of job %s failed: %v", workerID, jobID, err)
	}
}

func (p *Pool) process(ctx context.Context, workerID int, job *models.Job) {
	log.Printf("[Worker %d] Processing job %s (%d file(s) -> %s)", workerID, job.ID, len(job.Inputs), job.TargetFormat)

	timeoutCtx, cancel := context.WithTimeout(ctx, p.config.ConversionTimeout)
	defer cancel()

	startTime := time.Now()

	workDir, err := os.MkdirTemp("", "convert-"+job.ID)
	if err != nil {
		p.fail(ctx, workerID, job, models.NewJobError(models.CodeToolFailure, "create work dir: %v", err))
		return
	}
	defer os.RemoveAll(workDir)

	staged, err := p.stageInputs(timeoutCtx, job, workDir)
	if err != nil {
		p.fail(ctx, workerID, job, converters.Classify(fmt.Errorf("stage inputs: %w", err)))
		return
	}

	outputs, err := p.convert(timeoutCtx, job, staged, workDir)
	if err != nil {
		p.fail(ctx, workerID, job, converters.Classify(err))
		return
	}
	if len(outputs) == 0 {
		p.fail(ctx, workerID, job, models.NewJobError(models.CodeToolFailure, "conversion produced no output"))
		return
	}

	output, err := p.publish(timeoutCtx, job, outputs)
	if err != nil {
		p.fail(ctx, workerID, job, models.NewJobError(models.CodeToolFailure, "store result: %v", err))
		return
	}

	if err := p.store.Complete(ctx, job.ID, output); err != nil {
		log.Printf("[Worker %d] Completing job %s failed: %v", workerID, job.ID, err)
		return
	}

	log.Printf("[Worker %d] Job %s completed: %s (%d file(s), %.2fs)",
		workerID, job.ID, output.Filename, output.FilesCount, time.Since(startTime).Seconds())
}

// stageInputs downloads every input object into workDir, preserving the
// original names so output files inherit them. Duplicate names get an index
// prefix to keep them from colliding.
func (p *Pool) stageInputs(ctx context.Context, job *models.Job, workDir string) ([]string, error) {
	paths := make([]string, 0, len(job.Inputs))
	seen := make(map[string]bool)
	for i, in := range job.Inputs {
		base := filepath.Base(in.OriginalName)
		name := base
		// An upload may itself be named like a generated candidate, so
		// keep generating until the name is actually free.
		for n := i; seen[name]; n++ {
			name = fmt.Sprintf("%d_%s", n, base)
		}
		seen[name] = true

		local := filepath.Join(workDir, name)
		if err := p.download(ctx, in.Key, local); err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Key, err)
		}
		paths = append(paths, local)
	}
	return paths, nil
}

func (p *Pool) download(ctx context.Context, key, local string) error {
	rc, err := p.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The object is gone for good; retrying will not bring it back.
			return fmt.Errorf("%w: input object missing", converters.ErrCorruptInput)
		}
		return err
	}
	defer rc.Close()

	f, err := os.Create(local)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, rc)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// convert groups staged inputs by resolved capability and runs each group
// once. An all-image batch targeting pdf resolves to a single many-to-one
// capability, so three photos become one combined document.
func (p *Pool) convert(ctx context.Context, job *models.Job, staged []string, workDir string) ([]string, error) {
	type group struct {
		conv   converters.Converter
		inputs []string
	}
	var groups []*group
	byName := make(map[string]*group)

	for i, in := range job.Inputs {
		conv, err := p.registry.Resolve(in.SourceFormat, job.TargetFormat)
		if err != nil {
			return nil, err
		}
		g, ok := byName[conv.Name()]
		if !ok {
			g = &group{conv: conv}
			byName[conv.Name()] = g
			groups = append(groups, g)
		}
		g.inputs = append(g.inputs, staged[i])
	}

	var outputs []string
	for _, g := range groups {
		outs, err := g.conv.Convert(ctx, g.inputs, job.TargetFormat, workDir)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", g.conv.Name(), err)
		}
		outputs = append(outputs, outs...)
	}
	return outputs, nil
}

// publish uploads the result: a single file as-is, several files bundled
// into one zip so the client always downloads exactly one object.
func (p *Pool) publish(ctx context.Context, job *models.Job, outputs []string) (models.Output, error) {
	if len(outputs) == 1 {
		obj, err := p.uploadFile(ctx, outputs[0], filepath.Base(outputs[0]))
		if err != nil {
			return models.Output{}, err
		}
		return models.Output{
			Type:       models.OutputSingle,
			Key:        obj.Key,
			Filename:   obj.OriginalName,
			FilesCount: 1,
			SizeBytes:  obj.SizeBytes,
		}, nil
	}

	zipName := fmt.Sprintf("converted_%s.zip", time.Now().Format("20060102_150405"))
	zipPath := filepath.Join(filepath.Dir(outputs[0]), zipName)
	if err := converters.BundleZip(outputs, zipPath); err != nil {
		return models.Output{}, fmt.Errorf("bundle outputs: %w", err)
	}

	obj, err := p.uploadFile(ctx, zipPath, zipName)
	if err != nil {
		return models.Output{}, err
	}
	return models.Output{
		Type:       models.OutputArchive,
		Key:        obj.Key,
		Filename:   obj.OriginalName,
		FilesCount: len(outputs),
		SizeBytes:  obj.SizeBytes,
	}, nil
}

func (p *Pool) uploadFile(ctx context.Context, path, name string) (storage.Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return storage.Object{}, err
	}
	defer f.Close()
	return p.backend.Put(ctx, f, name)
}

func (p *Pool) fail(ctx context.Context, workerID int, job *models.Job, jobErr *models.JobError) {
	log.Printf("[Worker %d] Job %s failed: %s", workerID, job.ID, jobErr.Error())
	if err := p.store.Fail(ctx, job.ID, *jobErr); err != nil {
		log.Printf("[Worker %d] Recording failure of job %s failed: %v", workerID, job.ID, err)
	}
}

// RecoveryLoop periodically requeues jobs whose lease outlived the
// visibility timeout, so work claimed by a crashed worker is retried
// instead of lost.
func (p *Pool) RecoveryLoop(ctx context.Context) {
	interval := p.config.LeaseTimeout / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Println("[Recovery] Starting stale job recovery loop")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Recovery] Shutting down")
			return
		case <-ticker.C:
			p.RecoverStaleJobs(ctx)
		}
	}
}

// RecoverStaleJobs runs one recovery pass. Exported so tests and operators
// can trigger it without waiting a tick.
func (p *Pool) RecoverStaleJobs(ctx context.Context) {
	stale, err := p.queue.Stale(ctx, p.config.LeaseTimeout)
	if err != nil {
		log.Printf("[Recovery] Listing stale leases failed: %v", err)
		return
	}

	recovered := 0
	for _, jobID := range stale {
		job, err := p.store.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, status.ErrNotFound) {
				p.queue.Ack(ctx, jobID)
			}
			continue
		}

		switch {
		case job.Status.Terminal():
			// Settled while the lease lingered; just drop the lease.
			p.queue.Ack(ctx, jobID)

		case job.Status == models.StatusQueued:
			// Claimed but never started: the worker died between Claim
			// and StartRunning. No retry is charged.
			if err := p.queue.Requeue(ctx, jobID); err != nil {
				log.Printf("[Recovery] Requeue of job %s failed: %v", jobID, err)
			}
			recovered++

		case job.RetryCount >= p.config.MaxRetries:
			jobErr := models.NewJobError(models.CodeMaxRetriesExceeded,
				"gave up after %d attempts", job.RetryCount+1)
			if err := p.store.Fail(ctx, jobID, *jobErr); err != nil {
				log.Printf("[Recovery] Failing job %s failed: %v", jobID, err)
				continue
			}
			p.queue.Ack(ctx, jobID)
			log.Printf("[Recovery] Job %s exhausted its retries", jobID)

		default:
			if _, err := p.store.Requeue(ctx, jobID); err != nil {
				log.Printf("[Recovery] Resetting job %s failed: %v", jobID, err)
				continue
			}
			if err := p.queue.Requeue(ctx, jobID); err != nil {
				log.Printf("[Recovery] Requeue of job %s failed: %v", jobID, err)
				continue
			}
			recovered++
		}
	}

	if recovered > 0 {
		log.Printf("[Recovery] Recovered %d stale job(s)", recovered)
	}
}
