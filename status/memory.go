package status

import (
	"context"
	"sync"
	"time"

	"fileconverter/models"
)

// Memory is the in-process store used by tests and brokerless local runs.
// A single mutex makes every transition atomic.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*models.Job)}
}

func (m *Memory) clone(job *models.Job) *models.Job {
	cp := *job
	cp.Inputs = append([]models.InputRef(nil), job.Inputs...)
	if job.Output != nil {
		out := *job.Output
		cp.Output = &out
	}
	if job.Error != nil {
		e := *job.Error
		cp.Error = &e
	}
	return &cp
}

func (m *Memory) Create(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = m.clone(job)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.clone(job), nil
}

func (m *Memory) transition(id string, from []models.JobStatus, mutate func(*models.Job)) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if job.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrConflict
	}
	mutate(job)
	return m.clone(job), nil
}

func (m *Memory) StartRunning(ctx context.Context, id string) (*models.Job, error) {
	return m.transition(id, []models.JobStatus{models.StatusQueued}, func(job *models.Job) {
		now := time.Now()
		job.Status = models.StatusRunning
		job.StartedAt = &now
	})
}

func (m *Memory) Complete(ctx context.Context, id string, output models.Output) error {
	_, err := m.transition(id, []models.JobStatus{models.StatusRunning}, func(job *models.Job) {
		now := time.Now()
		job.Status = models.StatusSucceeded
		job.Output = &output
		job.CompletedAt = &now
	})
	return err
}

func (m *Memory) Fail(ctx context.Context, id string, jobErr models.JobError) error {
	_, err := m.transition(id, []models.JobStatus{models.StatusQueued, models.StatusRunning}, func(job *models.Job) {
		now := time.Now()
		job.Status = models.StatusFailed
		job.Error = &jobErr
		job.CompletedAt = &now
	})
	return err
}

func (m *Memory) Requeue(ctx context.Context, id string) (*models.Job, error) {
	return m.transition(id, []models.JobStatus{models.StatusRunning}, func(job *models.Job) {
		job.Status = models.StatusQueued
		job.StartedAt = nil
		job.RetryCount++
	})
}

func (m *Memory) Expire(ctx context.Context, id string) error {
	_, err := m.transition(id, []models.JobStatus{models.StatusSucceeded, models.StatusFailed}, func(job *models.Job) {
		now := time.Now()
		job.Status = models.StatusExpired
		job.ExpiredAt = &now
	})
	return err
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, m.clone(job))
	}
	return out, nil
}
