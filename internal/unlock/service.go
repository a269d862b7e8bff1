package unlock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrentJobs = 8
	singleUnlockKeyPrefix    = "unlock-chapter:"
)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMaxConcurrentJobs bounds how many executors run at once. Jobs beyond the
// bound stay PENDING until a slot frees up.
func WithMaxConcurrentJobs(limit int64) ServiceOption {
	return func(service *Service) {
		service.maxConcurrentJobs = limit
	}
}

// WithServiceLogger wires a zap logger.
func WithServiceLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// ChapterRange is an inclusive chapter-number range.
type ChapterRange struct {
	From int
	To   int
}

// SubmitRequest asks for an asynchronous batch unlock.
type SubmitRequest struct {
	UserID  ledger.UserID
	StoryID int64
	Mode    Mode
	Range   *ChapterRange
}

// SingleUnlockResult describes a completed single-chapter unlock.
type SingleUnlockResult struct {
	ChapterID    int64
	Price        int64
	BalanceAfter ledger.Stones
	EntryID      string
}

// UnlockQuote previews what a batch unlock would charge right now.
type UnlockQuote struct {
	StoryID    int64
	StoryTitle string
	Target     Target
	Quote      Quote
}

// ChapterLockStatus tells a reader whether a chapter needs paying for.
type ChapterLockStatus struct {
	ChapterID     int64
	StoryID       int64
	ChapterNumber int
	Price         int64
	IsLocked      bool
	IsUnlocked    bool
}

// CanRead reports whether the reader has access to the chapter.
func (status ChapterLockStatus) CanRead() bool {
	return !status.IsLocked || status.IsUnlocked
}

// Service exposes submit, poll and cancel for batch unlocks plus the
// synchronous single-chapter unlock.
type Service struct {
	catalog           Catalog
	unlocks           UnlockStore
	wallet            Wallet
	registry          *JobRegistry
	executor          *Executor
	logger            *zap.Logger
	maxConcurrentJobs int64
	slots             *semaphore.Weighted
	runContext        context.Context
	stopRuns          context.CancelFunc
	runs              sync.WaitGroup
}

// NewService wires a Service.
func NewService(catalog Catalog, unlocks UnlockStore, wallet Wallet, registry *JobRegistry, executor *Executor, options ...ServiceOption) (*Service, error) {
	if catalog == nil || unlocks == nil || wallet == nil || registry == nil || executor == nil {
		return nil, fmt.Errorf("%w: service dependencies are required", ErrInvalidConfig)
	}
	service := &Service{
		catalog:           catalog,
		unlocks:           unlocks,
		wallet:            wallet,
		registry:          registry,
		executor:          executor,
		logger:            zap.NewNop(),
		maxConcurrentJobs: defaultMaxConcurrentJobs,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.maxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("%w: max concurrent jobs must be positive", ErrInvalidConfig)
	}
	service.slots = semaphore.NewWeighted(service.maxConcurrentJobs)
	service.runContext, service.stopRuns = context.WithCancel(context.Background())
	return service, nil
}

// SubmitUnlock validates the request, registers a job and starts it in the
// background. It returns as soon as the job id exists.
func (service *Service) SubmitUnlock(ctx context.Context, request SubmitRequest) (string, error) {
	target, err := validateSubmit(request)
	if err != nil {
		return "", err
	}
	story, err := service.catalog.GetStory(ctx, request.StoryID)
	if err != nil {
		return "", err
	}
	jobID, err := service.registry.Create(ctx, request.UserID, target)
	if err != nil {
		return "", err
	}
	service.logger.Info("unlock job accepted",
		zap.String("job_id", jobID),
		zap.String("user_id", request.UserID.String()),
		zap.Int64("story_id", story.StoryID),
		zap.String("mode", string(target.Mode)),
	)
	service.runs.Add(1)
	go service.runJob(jobID, request.UserID, story)
	return jobID, nil
}

func (service *Service) runJob(jobID string, userID ledger.UserID, story Story) {
	defer service.runs.Done()
	if err := service.slots.Acquire(service.runContext, 1); err != nil {
		job, getErr := service.registry.Get(context.Background(), jobID)
		if getErr != nil {
			return
		}
		job.State = StateFailed
		job.Message = "service shutting down"
		job.MainError = job.Message
		job.ErrorMessages = append(job.ErrorMessages, job.Message)
		if publishErr := service.registry.Publish(context.Background(), job); publishErr != nil {
			service.logger.Warn("queued job not failed on shutdown", zap.String("job_id", jobID), zap.Error(publishErr))
		}
		return
	}
	defer service.slots.Release(1)
	service.executor.Run(service.runContext, jobID, userID, story)
}

// GetUnlockStatus returns the latest job snapshot.
func (service *Service) GetUnlockStatus(ctx context.Context, jobID string) (Job, error) {
	return service.registry.Get(ctx, jobID)
}

// CancelUnlock requests cooperative cancellation; see JobRegistry.RequestCancel.
func (service *Service) CancelUnlock(_ context.Context, jobID string, caller ledger.UserID) bool {
	accepted := service.registry.RequestCancel(jobID, caller)
	service.logger.Info("unlock job cancel requested",
		zap.String("job_id", jobID),
		zap.String("caller_user_id", caller.String()),
		zap.Bool("accepted", accepted),
	)
	return accepted
}

// UnlockChapter unlocks one chapter synchronously at the undiscounted price.
func (service *Service) UnlockChapter(ctx context.Context, userID ledger.UserID, chapterID int64) (SingleUnlockResult, error) {
	if userID.String() == "" {
		return SingleUnlockResult{}, fmt.Errorf("%w: missing user", ErrBadRequest)
	}
	chapter, err := service.catalog.GetChapter(ctx, chapterID)
	if err != nil {
		return SingleUnlockResult{}, err
	}
	if !chapter.IsLocked || chapter.Price <= 0 {
		return SingleUnlockResult{}, fmt.Errorf("%w: chapter %d", ErrChapterNotLocked, chapterID)
	}
	alreadyUnlocked, err := service.unlocks.IsUnlocked(ctx, userID, chapterID)
	if err != nil {
		return SingleUnlockResult{}, err
	}
	if alreadyUnlocked {
		return SingleUnlockResult{}, fmt.Errorf("%w: chapter %d", ErrAlreadyUnlocked, chapterID)
	}
	story, err := service.catalog.GetStory(ctx, chapter.StoryID)
	if err != nil {
		return SingleUnlockResult{}, err
	}

	price := Price(chapter.Price, 1, ModeSingle)
	amount, err := ledger.NewPositiveStones(price)
	if err != nil {
		return SingleUnlockResult{}, fmt.Errorf("%w: %d", ErrInvalidPrice, price)
	}
	wallet, err := service.wallet.Debit(ctx, userID, amount)
	if err != nil {
		return SingleUnlockResult{}, err
	}

	outcome, err := service.unlocks.Insert(ctx, UnlockRecord{
		UserID:     userID,
		ChapterID:  chapterID,
		StoryID:    chapter.StoryID,
		Price:      chapter.Price,
		UnlockedAt: service.executor.now(),
	})
	if err != nil || outcome == InsertAlreadyExists {
		if _, creditErr := service.wallet.Credit(context.WithoutCancel(ctx), userID, amount); creditErr != nil {
			service.logger.Error("single unlock refund failed",
				zap.String("user_id", userID.String()),
				zap.Int64("chapter_id", chapterID),
				zap.Int64("amount", price),
				zap.Error(creditErr),
			)
			return SingleUnlockResult{}, errors.Join(err, creditErr)
		}
		if err != nil {
			return SingleUnlockResult{}, err
		}
		return SingleUnlockResult{}, fmt.Errorf("%w: chapter %d", ErrAlreadyUnlocked, chapterID)
	}

	result := SingleUnlockResult{ChapterID: chapterID, Price: price, BalanceAfter: wallet.Balance()}
	entryID, err := service.recordSingleUnlock(context.WithoutCancel(ctx), userID, chapter, story, price)
	if err != nil {
		service.logger.Error("single unlock ledger entry failed",
			zap.String("user_id", userID.String()),
			zap.Int64("chapter_id", chapterID),
			zap.Int64("amount", price),
			zap.Error(err),
		)
		return result, fmt.Errorf("%w: chapter %d: %v", ErrLedgerEntryMissing, chapterID, err)
	}
	result.EntryID = entryID
	return result, nil
}

// recordSingleUnlock writes the single_unlock entry under a key derived from
// the (user, chapter) pair, which can only be bought once.
func (service *Service) recordSingleUnlock(ctx context.Context, userID ledger.UserID, chapter ChapterPriceInfo, story Story, price int64) (string, error) {
	idempotencyKey, err := ledger.NewIdempotencyKey(fmt.Sprintf("%s%s:%d", singleUnlockKeyPrefix, userID.String(), chapter.ChapterID))
	if err != nil {
		return "", err
	}
	entryInput, err := ledger.NewEntryInput(
		userID,
		ledger.Stones(price).Negated(),
		ledger.CurrencySpiritStone,
		ledger.EntryKindSingleUnlock,
		fmt.Sprintf("unlock chapter %d %q of story %q", chapter.ChapterNumber, chapter.Title, story.Title),
		idempotencyKey,
		ledger.MetadataJSON{},
		service.executor.now().Unix(),
	)
	if err != nil {
		return "", err
	}
	var entryID string
	err = service.executor.retry.Do(ctx, func(ctx context.Context) error {
		entry, err := service.wallet.RecordEntry(ctx, entryInput)
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return nil
		}
		if err != nil {
			return err
		}
		entryID = entry.EntryID().String()
		return nil
	}, func(attempt int, err error) {
		service.logger.Warn("single unlock ledger entry retry", zap.Int("attempt", attempt), zap.Error(err))
	})
	return entryID, err
}

// QuoteUnlock prices a batch unlock without charging anything. A target with
// nothing left to unlock quotes zero chapters.
func (service *Service) QuoteUnlock(ctx context.Context, request SubmitRequest) (UnlockQuote, error) {
	target, err := validateSubmit(request)
	if err != nil {
		return UnlockQuote{}, err
	}
	story, err := service.catalog.GetStory(ctx, request.StoryID)
	if err != nil {
		return UnlockQuote{}, err
	}
	quote, _, err := service.executor.resolve(ctx, request.UserID, target)
	if errors.Is(err, ErrNothingToUnlock) || errors.Is(err, ErrNoChaptersInRange) {
		quote, err = NewQuote(0, 0, target.Mode), nil
	}
	if err != nil {
		return UnlockQuote{}, err
	}
	return UnlockQuote{StoryID: story.StoryID, StoryTitle: story.Title, Target: target, Quote: quote}, nil
}

// ChapterLockStatus reports whether chapterID is locked and whether userID
// has already unlocked it.
func (service *Service) ChapterLockStatus(ctx context.Context, userID ledger.UserID, chapterID int64) (ChapterLockStatus, error) {
	chapter, err := service.catalog.GetChapter(ctx, chapterID)
	if err != nil {
		return ChapterLockStatus{}, err
	}
	status := ChapterLockStatus{
		ChapterID:     chapter.ChapterID,
		StoryID:       chapter.StoryID,
		ChapterNumber: chapter.ChapterNumber,
		Price:         chapter.Price,
		IsLocked:      chapter.IsLocked && chapter.Price > 0,
	}
	if !status.IsLocked {
		return status, nil
	}
	status.IsUnlocked, err = service.unlocks.IsUnlocked(ctx, userID, chapterID)
	if err != nil {
		return ChapterLockStatus{}, err
	}
	return status, nil
}

// ListUnlockedChapterIDs lists the chapters of a story the user has unlocked.
func (service *Service) ListUnlockedChapterIDs(ctx context.Context, userID ledger.UserID, storyID int64) ([]int64, error) {
	return service.unlocks.ListUnlockedIDs(ctx, userID, storyID)
}

// Wait blocks until every started job has finished.
func (service *Service) Wait() {
	service.runs.Wait()
}

// Shutdown waits for running jobs until ctx ends, then aborts the rest.
// Aborted jobs refund what they did not unlock.
func (service *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		service.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		service.stopRuns()
		return nil
	case <-ctx.Done():
		service.stopRuns()
		<-done
		return ctx.Err()
	}
}

func validateSubmit(request SubmitRequest) (Target, error) {
	if request.UserID.String() == "" {
		return Target{}, fmt.Errorf("%w: missing user", ErrBadRequest)
	}
	target := Target{StoryID: request.StoryID, Mode: request.Mode}
	switch request.Mode {
	case ModeFullStory:
		return target, nil
	case ModeRange:
		if request.Range == nil {
			return Target{}, fmt.Errorf("%w: range is required for %s", ErrBadRequest, ModeRange)
		}
		if request.Range.From > request.Range.To {
			return Target{}, fmt.Errorf("%w: range from %d is greater than to %d", ErrBadRequest, request.Range.From, request.Range.To)
		}
		target.RangeFrom = request.Range.From
		target.RangeTo = request.Range.To
		return target, nil
	default:
		return Target{}, fmt.Errorf("%w: mode %q is not a batch mode", ErrBadRequest, request.Mode)
	}
}
