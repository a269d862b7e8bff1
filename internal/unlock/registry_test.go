package unlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (clock *steppingClock) now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.current
}

func (clock *steppingClock) advance(delta time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.current = clock.current.Add(delta)
}

func mustRegistry(test *testing.T, options ...RegistryOption) *JobRegistry {
	test.Helper()
	registry, err := NewJobRegistry(options...)
	if err != nil {
		test.Fatalf("registry: %v", err)
	}
	return registry
}

func TestRegistryCreateReturnsPendingSnapshot(test *testing.T) {
	test.Parallel()
	registry := mustRegistry(test)
	owner := mustUserID(test, "reader-1")

	jobID, err := registry.Create(context.Background(), owner, rangeTarget(1, 40))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	job, err := registry.Get(context.Background(), jobID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if job.State != StatePending || job.OwnerUserID != owner.String() || job.Target.RangeTo != 40 {
		test.Fatalf("unexpected job %+v", job)
	}

	job.ErrorMessages = append(job.ErrorMessages, "mutated")
	again, _ := registry.Get(context.Background(), jobID)
	if len(again.ErrorMessages) != 0 {
		test.Fatalf("snapshot must not alias registry state")
	}

	if _, err := registry.Get(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		test.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRegistryRequestCancel(test *testing.T) {
	test.Parallel()
	registry := mustRegistry(test)
	owner := mustUserID(test, "reader-1")
	stranger := mustUserID(test, "reader-2")
	jobID, err := registry.Create(context.Background(), owner, rangeTarget(1, 40))
	if err != nil {
		test.Fatalf("create: %v", err)
	}

	if registry.RequestCancel("missing", owner) {
		test.Fatalf("unknown job must not be cancellable")
	}
	if registry.RequestCancel(jobID, stranger) {
		test.Fatalf("only the owner may cancel")
	}
	if registry.CancelRequested(jobID) {
		test.Fatalf("flag must stay clear after rejected requests")
	}
	if !registry.RequestCancel(jobID, owner) || !registry.CancelRequested(jobID) {
		test.Fatalf("owner cancel must set the flag")
	}

	job, _ := registry.Get(context.Background(), jobID)
	job.State = StateCancelled
	if err := registry.Publish(context.Background(), job); err != nil {
		test.Fatalf("publish: %v", err)
	}
	if registry.RequestCancel(jobID, owner) {
		test.Fatalf("terminal job must not accept cancel")
	}
}

func TestRegistryPublishGuardsTransitionsAndProgress(test *testing.T) {
	test.Parallel()
	registry := mustRegistry(test)
	owner := mustUserID(test, "reader-1")
	jobID, err := registry.Create(context.Background(), owner, rangeTarget(1, 40))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	job, _ := registry.Get(context.Background(), jobID)

	job.State = StateCompleted
	if err := registry.Publish(context.Background(), job); !errors.Is(err, ErrInvalidTransition) {
		test.Fatalf("PENDING to COMPLETED must be rejected, got %v", err)
	}

	job.State = StateProcessing
	job.TotalItemsProcessed = 20
	job.OwnerUserID = "someone-else"
	if err := registry.Publish(context.Background(), job); err != nil {
		test.Fatalf("publish processing: %v", err)
	}
	stored, _ := registry.Get(context.Background(), jobID)
	if stored.OwnerUserID != owner.String() {
		test.Fatalf("owner must be immutable, got %q", stored.OwnerUserID)
	}

	job.TotalItemsProcessed = 10
	if err := registry.Publish(context.Background(), job); !errors.Is(err, ErrProgressRegression) {
		test.Fatalf("expected ErrProgressRegression, got %v", err)
	}

	job.TotalItemsProcessed = 40
	job.State = StateCompleted
	if err := registry.Publish(context.Background(), job); err != nil {
		test.Fatalf("publish completed: %v", err)
	}
	completed, _ := registry.Get(context.Background(), jobID)
	if completed.EndTime == nil {
		test.Fatalf("terminal snapshot must carry an end time")
	}

	job.State = StateProcessing
	if err := registry.Publish(context.Background(), job); !errors.Is(err, ErrInvalidTransition) {
		test.Fatalf("terminal state must be final, got %v", err)
	}
}

func TestRegistryReapRemovesExpiredTerminalJobs(test *testing.T) {
	test.Parallel()
	clock := &steppingClock{current: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	registry := mustRegistry(test, WithRegistryClock(clock.now))
	owner := mustUserID(test, "reader-1")

	finishedID, _ := registry.Create(context.Background(), owner, rangeTarget(1, 40))
	runningID, _ := registry.Create(context.Background(), owner, rangeTarget(1, 40))
	finished, _ := registry.Get(context.Background(), finishedID)
	finished.State = StateFailed
	if err := registry.Publish(context.Background(), finished); err != nil {
		test.Fatalf("publish: %v", err)
	}

	clock.advance(time.Hour)
	if removed := registry.Reap(context.Background(), 2*time.Hour); removed != 0 {
		test.Fatalf("nothing should expire yet, removed %d", removed)
	}
	clock.advance(2 * time.Hour)
	if removed := registry.Reap(context.Background(), 2*time.Hour); removed != 1 {
		test.Fatalf("expected one reaped job, got %d", removed)
	}
	if _, err := registry.Get(context.Background(), finishedID); !errors.Is(err, ErrJobNotFound) {
		test.Fatalf("expected reaped job to be gone, got %v", err)
	}
	if _, err := registry.Get(context.Background(), runningID); err != nil {
		test.Fatalf("non-terminal job must survive reaping: %v", err)
	}
}

func TestRegistryFallsBackToJobStore(test *testing.T) {
	test.Parallel()
	clock := &steppingClock{current: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := newRecordingJobStore()
	registry := mustRegistry(test, WithJobStore(store, 4), WithRegistryClock(clock.now))
	owner := mustUserID(test, "reader-1")

	jobID, _ := registry.Create(context.Background(), owner, rangeTarget(1, 40))
	job, _ := registry.Get(context.Background(), jobID)
	job.State = StateCompleted
	job.Message = "unlocked 40 of 40 chapters"
	if err := registry.Publish(context.Background(), job); err != nil {
		test.Fatalf("publish: %v", err)
	}

	// Drop the in-memory copy only; the store keeps its snapshot.
	registry.mu.Lock()
	delete(registry.jobs, jobID)
	registry.mu.Unlock()

	for attempt := 0; attempt < 3; attempt++ {
		loaded, err := registry.Get(context.Background(), jobID)
		if err != nil {
			test.Fatalf("get from store: %v", err)
		}
		if loaded.State != StateCompleted || loaded.Message != job.Message {
			test.Fatalf("unexpected persisted job %+v", loaded)
		}
	}
	store.mu.Lock()
	loads := store.loads
	store.mu.Unlock()
	if loads != 1 {
		test.Fatalf("expected terminal snapshot to be cached after one load, got %d loads", loads)
	}
}

func TestNewJobRegistryRequiresCacheWithStore(test *testing.T) {
	test.Parallel()
	if _, err := NewJobRegistry(WithJobStore(newRecordingJobStore(), 0)); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRunReaperStopsOnCancel(test *testing.T) {
	test.Parallel()
	registry := mustRegistry(test)
	if err := registry.RunReaper(context.Background(), 0, time.Hour); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig for zero interval, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- registry.RunReaper(ctx, time.Millisecond, time.Hour)
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			test.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		test.Fatalf("reaper did not stop")
	}
}
