package unlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const interruptedJobMessage = "interrupted by restart"

// RegistryOption configures a JobRegistry.
type RegistryOption func(*JobRegistry)

// WithJobStore persists every published snapshot and serves lookups for jobs
// no longer held in memory. Terminal snapshots read back from the store are
// cached in an LRU of cacheSize entries.
func WithJobStore(store JobStore, cacheSize int) RegistryOption {
	return func(registry *JobRegistry) {
		registry.store = store
		registry.cacheSize = cacheSize
	}
}

// WithRegistryClock overrides the wall clock.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(registry *JobRegistry) {
		registry.now = now
	}
}

// WithRegistryLogger wires a zap logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(registry *JobRegistry) {
		registry.logger = logger
	}
}

type jobRecord struct {
	job             Job
	cancelRequested atomic.Bool
}

// JobRegistry tracks batch unlock jobs, their owners and cancellation flags.
type JobRegistry struct {
	mu        sync.RWMutex
	jobs      map[string]*jobRecord
	store     JobStore
	cache     *lru.Cache
	cacheSize int
	now       func() time.Time
	newID     func() string
	logger    *zap.Logger
}

// NewJobRegistry builds an empty registry.
func NewJobRegistry(options ...RegistryOption) (*JobRegistry, error) {
	registry := &JobRegistry{
		jobs:   map[string]*jobRecord{},
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	if registry.store != nil {
		if registry.cacheSize <= 0 {
			return nil, fmt.Errorf("%w: job cache size must be positive", ErrInvalidConfig)
		}
		cache, err := lru.New(registry.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		registry.cache = cache
	}
	return registry, nil
}

// Create registers a PENDING job owned by owner and returns its id.
func (registry *JobRegistry) Create(ctx context.Context, owner ledger.UserID, target Target) (string, error) {
	if owner.String() == "" {
		return "", fmt.Errorf("%w: missing owner", ErrBadRequest)
	}
	now := registry.now()
	job := Job{
		JobID:         registry.newID(),
		OwnerUserID:   owner.String(),
		Target:        target,
		State:         StatePending,
		StartTime:     now,
		UpdatedAt:     now,
		ErrorMessages: []string{},
		Message:       "queued",
	}
	if registry.store != nil {
		if err := registry.store.SaveJob(ctx, job); err != nil {
			return "", err
		}
	}
	registry.mu.Lock()
	registry.jobs[job.JobID] = &jobRecord{job: job}
	registry.mu.Unlock()
	return job.JobID, nil
}

// Get returns a snapshot copy of the job.
func (registry *JobRegistry) Get(ctx context.Context, jobID string) (Job, error) {
	registry.mu.RLock()
	record, ok := registry.jobs[jobID]
	if ok {
		job := record.job.clone()
		registry.mu.RUnlock()
		return job, nil
	}
	registry.mu.RUnlock()

	if registry.store == nil {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if cached, hit := registry.cache.Get(jobID); hit {
		return cached.(Job).clone(), nil
	}
	job, err := registry.store.LoadJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.State.IsTerminal() {
		registry.cache.Add(jobID, job.clone())
	}
	return job, nil
}

// RequestCancel sets the cooperative cancellation flag. It returns false when
// the job is unknown, owned by someone else, or already terminal.
func (registry *JobRegistry) RequestCancel(jobID string, caller ledger.UserID) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	record, ok := registry.jobs[jobID]
	if !ok {
		return false
	}
	if record.job.OwnerUserID != caller.String() || record.job.State.IsTerminal() {
		return false
	}
	record.cancelRequested.Store(true)
	return true
}

// CancelRequested reports the cancellation flag of a live job.
func (registry *JobRegistry) CancelRequested(jobID string) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	record, ok := registry.jobs[jobID]
	if !ok {
		return false
	}
	return record.cancelRequested.Load()
}

// Publish replaces the snapshot of a live job. Terminal snapshots are final
// and totalItemsProcessed never moves backwards.
func (registry *JobRegistry) Publish(ctx context.Context, job Job) error {
	registry.mu.Lock()
	record, ok := registry.jobs[job.JobID]
	if !ok {
		registry.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.JobID)
	}
	current := record.job
	if !canTransition(current.State, job.State) {
		registry.mu.Unlock()
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.State, job.State)
	}
	if job.TotalItemsProcessed < current.TotalItemsProcessed {
		registry.mu.Unlock()
		return fmt.Errorf("%w: %d after %d", ErrProgressRegression, job.TotalItemsProcessed, current.TotalItemsProcessed)
	}
	job.OwnerUserID = current.OwnerUserID
	job.UpdatedAt = registry.now()
	if job.State.IsTerminal() && job.EndTime == nil {
		endTime := job.UpdatedAt
		job.EndTime = &endTime
	}
	record.job = job.clone()
	registry.mu.Unlock()

	if registry.store != nil {
		if err := registry.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
			registry.logger.Warn("job snapshot not persisted", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}
	return nil
}

// Reap drops terminal jobs whose end time is older than retention and returns
// how many in-memory jobs were removed.
func (registry *JobRegistry) Reap(ctx context.Context, retention time.Duration) int {
	cutoff := registry.now().Add(-retention)
	removed := 0
	registry.mu.Lock()
	for jobID, record := range registry.jobs {
		if !record.job.State.IsTerminal() || record.job.EndTime == nil {
			continue
		}
		if record.job.EndTime.Before(cutoff) {
			delete(registry.jobs, jobID)
			removed++
		}
	}
	registry.mu.Unlock()

	if registry.store != nil {
		deleted, err := registry.store.DeleteTerminalBefore(ctx, cutoff)
		if err != nil {
			registry.logger.Warn("persisted job reap failed", zap.Error(err))
		} else if deleted > 0 {
			registry.cache.Purge()
		}
	}
	return removed
}

// RunReaper reaps on every tick until ctx is done.
func (registry *JobRegistry) RunReaper(ctx context.Context, interval time.Duration, retention time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: reap interval must be positive", ErrInvalidConfig)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if removed := registry.Reap(ctx, retention); removed > 0 {
				registry.logger.Info("reaped unlock jobs", zap.Int("removed", removed))
			}
		}
	}
}

// interruptedJobs lists persisted jobs a previous process left non-terminal.
func (registry *JobRegistry) interruptedJobs(ctx context.Context) ([]Job, error) {
	if registry.store == nil {
		return nil, nil
	}
	return registry.store.ListInterrupted(ctx)
}

// saveRecovered persists the snapshot of a job owned by a previous process.
// Such jobs are not live in memory, so Publish does not apply to them.
func (registry *JobRegistry) saveRecovered(ctx context.Context, job Job) error {
	job.UpdatedAt = registry.now()
	if err := registry.store.SaveJob(ctx, job); err != nil {
		return err
	}
	registry.cache.Remove(job.JobID)
	return nil
}
