package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fileconverter/models"
)

func newJob(id string) *models.Job {
	return &models.Job{
		ID:           id,
		Status:       models.StatusQueued,
		OwnerKey:     "10.0.0.1",
		TargetFormat: "pdf",
		Inputs: []models.InputRef{
			{Key: "abc_input.png", OriginalName: "input.png", SourceFormat: "png"},
		},
		SubmittedAt: time.Now(),
	}
}

func TestMemoryLifecycle(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()

	if err := s.Create(ctx, newJob("j1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("new job must be queued, got %s", got.Status)
	}
	if got.Output != nil || got.Error != nil {
		t.Fatal("new job must have neither output nor error")
	}

	running, err := s.StartRunning(ctx, "j1")
	if err != nil {
		t.Fatalf("StartRunning: %v", err)
	}
	if running.Status != models.StatusRunning || running.StartedAt == nil {
		t.Fatalf("bad running state: %+v", running)
	}

	if err := s.Complete(ctx, "j1", models.Output{Type: models.OutputSingle, Key: "k", Filename: "out.pdf", FilesCount: 1}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, _ = s.Get(ctx, "j1")
	if got.Status != models.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
	if got.Output == nil || got.Error != nil {
		t.Fatal("succeeded job must carry exactly the output")
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt must be stamped at terminal transition")
	}
}

func TestMemoryDuplicateStartIsConflict(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()
	s.Create(ctx, newJob("j1"))

	if _, err := s.StartRunning(ctx, "j1"); err != nil {
		t.Fatalf("first StartRunning: %v", err)
	}
	if _, err := s.StartRunning(ctx, "j1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second StartRunning must conflict, got %v", err)
	}
}

func TestMemoryTerminalIsFinal(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()
	s.Create(ctx, newJob("j1"))
	s.StartRunning(ctx, "j1")
	s.Fail(ctx, "j1", models.JobError{Code: models.CodeToolFailure, Message: "boom"})

	if _, err := s.StartRunning(ctx, "j1"); !errors.Is(err, ErrConflict) {
		t.Errorf("failed job must not restart, got %v", err)
	}
	if err := s.Complete(ctx, "j1", models.Output{}); !errors.Is(err, ErrConflict) {
		t.Errorf("failed job must not complete, got %v", err)
	}
	if _, err := s.Requeue(ctx, "j1"); !errors.Is(err, ErrConflict) {
		t.Errorf("failed job must not requeue, got %v", err)
	}

	got, _ := s.Get(ctx, "j1")
	if got.Output != nil || got.Error == nil {
		t.Fatal("failed job must carry exactly the error")
	}
}

func TestMemoryRequeueBumpsRetryCount(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()
	s.Create(ctx, newJob("j1"))
	s.StartRunning(ctx, "j1")

	job, err := s.Requeue(ctx, "j1")
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if job.Status != models.StatusQueued || job.RetryCount != 1 {
		t.Fatalf("bad requeued state: %+v", job)
	}
	if job.StartedAt != nil {
		t.Error("requeue must clear StartedAt")
	}
}

func TestMemoryExpireOnlyTerminal(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()
	s.Create(ctx, newJob("j1"))

	if err := s.Expire(ctx, "j1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("queued job must not expire, got %v", err)
	}

	s.StartRunning(ctx, "j1")
	s.Complete(ctx, "j1", models.Output{Type: models.OutputSingle, Key: "k", Filename: "o.pdf", FilesCount: 1})
	if err := s.Expire(ctx, "j1"); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("expired record must remain readable as a tombstone: %v", err)
	}
	if got.Status != models.StatusExpired || got.ExpiredAt == nil {
		t.Fatalf("bad expired state: %+v", got)
	}
}

func TestMemoryGetIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()
	s.Create(ctx, newJob("j1"))

	a, _ := s.Get(ctx, "j1")
	// Mutating the returned copy must not leak into the store.
	a.Status = models.StatusFailed
	a.Inputs[0].Key = "tampered"

	b, _ := s.Get(ctx, "j1")
	if b.Status != models.StatusQueued || b.Inputs[0].Key != "abc_input.png" {
		t.Fatal("Get must return isolated copies")
	}
}

func TestMemoryConcurrentStartSingleWinner(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()
	s.Create(ctx, newJob("j1"))

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.StartRunning(ctx, "j1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("exactly one claimer may move Queued->Running, got %d", wins)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
