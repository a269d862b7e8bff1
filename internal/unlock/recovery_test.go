package unlock

import (
	"context"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
)

// restart builds a fresh registry and executor over the same stores, the way
// a new process would see them.
func (h *harness) restart(test *testing.T) (*JobRegistry, *Executor) {
	test.Helper()
	registry, err := NewJobRegistry(WithJobStore(h.jobStore, 16))
	if err != nil {
		test.Fatalf("registry: %v", err)
	}
	executor, err := NewExecutor(h.wallet, h.unlocks, h.catalog, registry, WithRetryPolicy(noWaitRetry(3)))
	if err != nil {
		test.Fatalf("executor: %v", err)
	}
	return registry, executor
}

func TestRecoverInterruptedRefundsUnconsumedCharge(test *testing.T) {
	test.Parallel()
	h := newHarness(test, 250, 10, 3000)
	ctx := context.Background()
	jobID, err := h.registry.Create(ctx, h.userID, rangeTarget(1, 250))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	charge, err := ledger.NewPositiveStones(2450)
	if err != nil {
		test.Fatalf("stones: %v", err)
	}
	if _, err := h.wallet.Debit(ctx, h.userID, charge); err != nil {
		test.Fatalf("debit: %v", err)
	}
	for number := 1; number <= 100; number++ {
		if _, err := h.unlocks.Insert(ctx, UnlockRecord{UserID: h.userID, ChapterID: int64(1000 + number), StoryID: testStoryID, JobID: jobID, Price: 10}); err != nil {
			test.Fatalf("insert: %v", err)
		}
	}
	job, err := h.registry.Get(ctx, jobID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	job.State = StateProcessing
	job.TotalItemsRequested = 250
	job.TotalItemsProcessed = 50
	job.SuccessCount = 50
	job.OriginalPrice = 2500
	job.DiscountedPrice = 2450
	job.AmountCharged = 2450
	if err := h.jobStore.SaveJob(ctx, job); err != nil {
		test.Fatalf("save: %v", err)
	}

	registry, executor := h.restart(test)
	recovered, err := executor.RecoverInterrupted(ctx)
	if err != nil || recovered != 1 {
		test.Fatalf("expected one recovered job, got %d %v", recovered, err)
	}

	if balance := h.wallet.balance(h.userID); balance != 2020 {
		test.Fatalf("expected balance 2020 after refund of 1470, got %d", balance)
	}
	entries := h.wallet.recorded()
	if len(entries) != 1 || entries[0].Amount() != -980 {
		test.Fatalf("expected one -980 entry, got %+v", entries)
	}
	if entries[0].IdempotencyKey().String() != ledgerIdempotencyPrefix+jobID {
		test.Fatalf("unexpected idempotency key %q", entries[0].IdempotencyKey())
	}
	if !strings.Contains(entries[0].Description(), "failed after 100 chapters") {
		test.Fatalf("unexpected description %q", entries[0].Description())
	}
	settled, err := registry.Get(ctx, jobID)
	if err != nil {
		test.Fatalf("get recovered: %v", err)
	}
	if settled.State != StateFailed || settled.SuccessCount != 100 || settled.AmountCharged != 980 {
		test.Fatalf("unexpected recovered job %+v", settled)
	}
	if settled.MainError != interruptedJobMessage || !strings.Contains(settled.Message, "refunded 1470") {
		test.Fatalf("unexpected messages %q %q", settled.MainError, settled.Message)
	}

	_, again := h.restart(test)
	if recovered, err := again.RecoverInterrupted(ctx); err != nil || recovered != 0 {
		test.Fatalf("second recovery must find nothing, got %d %v", recovered, err)
	}
	if balance := h.wallet.balance(h.userID); balance != 2020 {
		test.Fatalf("second recovery must not refund again, got %d", balance)
	}
}

func TestRecoverInterruptedUnchargedJob(test *testing.T) {
	test.Parallel()
	h := newHarness(test, 40, 10, 3000)
	ctx := context.Background()
	jobID, err := h.registry.Create(ctx, h.userID, rangeTarget(1, 40))
	if err != nil {
		test.Fatalf("create: %v", err)
	}

	registry, executor := h.restart(test)
	if recovered, err := executor.RecoverInterrupted(ctx); err != nil || recovered != 1 {
		test.Fatalf("expected one recovered job, got %d %v", recovered, err)
	}
	job, err := registry.Get(ctx, jobID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if job.State != StateFailed || job.Message != interruptedJobMessage || job.EndTime == nil {
		test.Fatalf("unexpected job %+v", job)
	}
	if h.wallet.balance(h.userID) != 3000 || len(h.wallet.recorded()) != 0 || h.wallet.credits != 0 {
		test.Fatalf("uncharged job must not move money")
	}
}

func TestRecoverInterruptedSkipsSettledJob(test *testing.T) {
	test.Parallel()
	h := newHarness(test, 40, 10, 3000)
	ctx := context.Background()
	completed := h.run(test, rangeTarget(1, 40))
	if completed.State != StateCompleted {
		test.Fatalf("expected COMPLETED, got %s", completed.State)
	}
	// The process stopped after the ledger entry but before the final snapshot.
	stale := completed
	stale.State = StateProcessing
	stale.EndTime = nil
	if err := h.jobStore.SaveJob(ctx, stale); err != nil {
		test.Fatalf("save: %v", err)
	}

	registry, executor := h.restart(test)
	if recovered, err := executor.RecoverInterrupted(ctx); err != nil || recovered != 1 {
		test.Fatalf("expected one recovered job, got %d %v", recovered, err)
	}
	if balance := h.wallet.balance(h.userID); balance != 2600 {
		test.Fatalf("settled charge must stand, got balance %d", balance)
	}
	if entries := h.wallet.recorded(); len(entries) != 1 || entries[0].Amount() != -400 {
		test.Fatalf("expected the original -400 entry only, got %+v", entries)
	}
	job, err := registry.Get(ctx, completed.JobID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if job.State != StateFailed || !strings.Contains(job.Message, "already settled") {
		test.Fatalf("unexpected job %s %q", job.State, job.Message)
	}
}

func TestRecoverInterruptedWithoutJobStore(test *testing.T) {
	test.Parallel()
	h := newHarness(test, 1, 10, 0)
	registry := mustRegistry(test)
	executor, err := NewExecutor(h.wallet, h.unlocks, h.catalog, registry)
	if err != nil {
		test.Fatalf("executor: %v", err)
	}
	if recovered, err := executor.RecoverInterrupted(context.Background()); err != nil || recovered != 0 {
		test.Fatalf("memory registry has nothing to recover, got %d %v", recovered, err)
	}
}
