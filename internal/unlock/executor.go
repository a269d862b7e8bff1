package unlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultChunkSize          = 50
	defaultPageSize           = 100
	ledgerIdempotencyPrefix   = "unlock-job:"
	messageResolving          = "resolving chapters"
	messageReserving          = "reserving funds"
	messageUnlocking          = "unlocking chapters"
	messageCancelledEarly     = "cancelled before payment"
	messageNothingSucceeded   = "no chapters could be unlocked"
	messageLedgerEntryMissing = "ledger entry not recorded"
)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithChunkSize sets how many unlocks share one transaction.
func WithChunkSize(size int) ExecutorOption {
	return func(executor *Executor) {
		executor.chunkSize = size
	}
}

// WithPageSize sets the page size used to resolve full-story targets.
func WithPageSize(size int) ExecutorOption {
	return func(executor *Executor) {
		executor.pageSize = size
	}
}

// WithRetryPolicy sets the chunk and ledger-write retry policy.
func WithRetryPolicy(policy RetryPolicy) ExecutorOption {
	return func(executor *Executor) {
		executor.retry = policy
	}
}

// WithExecutorLogger wires a zap logger.
func WithExecutorLogger(logger *zap.Logger) ExecutorOption {
	return func(executor *Executor) {
		executor.logger = logger
	}
}

// WithExecutorClock overrides the wall clock.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(executor *Executor) {
		executor.now = now
	}
}

// Executor runs one batch unlock job: resolve, price, debit once, unlock in
// chunks, then write a single ledger entry.
type Executor struct {
	wallet    Wallet
	unlocks   UnlockStore
	catalog   Catalog
	registry  *JobRegistry
	logger    *zap.Logger
	now       func() time.Time
	chunkSize int
	pageSize  int
	retry     RetryPolicy
}

// NewExecutor wires an Executor.
func NewExecutor(wallet Wallet, unlocks UnlockStore, catalog Catalog, registry *JobRegistry, options ...ExecutorOption) (*Executor, error) {
	if wallet == nil || unlocks == nil || catalog == nil || registry == nil {
		return nil, fmt.Errorf("%w: executor dependencies are required", ErrInvalidConfig)
	}
	executor := &Executor{
		wallet:    wallet,
		unlocks:   unlocks,
		catalog:   catalog,
		registry:  registry,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		chunkSize: defaultChunkSize,
		pageSize:  defaultPageSize,
		retry:     DefaultRetryPolicy(),
	}
	for _, option := range options {
		if option != nil {
			option(executor)
		}
	}
	if executor.chunkSize <= 0 || executor.pageSize <= 0 {
		return nil, fmt.Errorf("%w: chunk and page sizes must be positive", ErrInvalidConfig)
	}
	return executor, nil
}

// Run executes the job to a terminal state. It never returns an error; every
// outcome is published on the job snapshot.
func (executor *Executor) Run(ctx context.Context, jobID string, userID ledger.UserID, story Story) {
	job, err := executor.registry.Get(ctx, jobID)
	if err != nil {
		executor.logger.Error("unlock job vanished before start", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	run := &jobRun{
		executor: executor,
		job:      job,
		userID:   userID,
		story:    story,
		failures: newErrorAggregator(),
		logger: executor.logger.With(
			zap.String("job_id", jobID),
			zap.String("user_id", userID.String()),
			zap.Int64("story_id", story.StoryID),
			zap.String("mode", string(job.Target.Mode)),
		),
	}
	run.execute(ctx)
}

type jobRun struct {
	executor       *Executor
	job            Job
	userID         ledger.UserID
	story          Story
	quote          Quote
	debited        int64
	succeededPrice int64
	failures       *errorAggregator
	logger         *zap.Logger
}

type loopOutcome struct {
	cancelled bool
	abortErr  error
}

func (run *jobRun) execute(ctx context.Context) {
	registry := run.executor.registry
	if registry.CancelRequested(run.job.JobID) {
		run.finish(StateCancelled, messageCancelledEarly)
		return
	}
	run.job.State = StateProcessing
	run.job.StartTime = run.executor.now()
	run.job.Message = messageResolving
	if !run.publish(ctx) {
		return
	}

	quote, source, err := run.executor.resolve(ctx, run.userID, run.job.Target)
	if err != nil {
		run.fail(err.Error())
		return
	}
	run.quote = quote
	run.job.TotalItemsRequested = quote.ItemCount
	run.job.OriginalPrice = quote.OriginalTotal
	run.job.DiscountedPrice = quote.FinalTotal
	run.job.DiscountPercent = quote.DiscountPercent()
	run.job.TotalBatches = ceilDiv(quote.ItemCount, run.executor.chunkSize)
	run.job.Message = messageReserving
	run.publish(ctx)

	if registry.CancelRequested(run.job.JobID) {
		run.finish(StateCancelled, messageCancelledEarly)
		return
	}
	amount, err := ledger.NewPositiveStones(quote.FinalTotal)
	if err != nil {
		run.fail(fmt.Sprintf("%v: %d", ErrInvalidPrice, quote.FinalTotal))
		return
	}
	if _, err := run.executor.wallet.Debit(ctx, run.userID, amount); err != nil {
		run.logger.Info("unlock job debit rejected", zap.Int64("amount", quote.FinalTotal), zap.Error(err))
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			run.fail(fmt.Sprintf("%v: need %d", ledger.ErrInsufficientBalance, quote.FinalTotal))
			return
		}
		run.fail(fmt.Sprintf("debit failed: %v", err))
		return
	}
	run.debited = quote.FinalTotal
	run.job.AmountCharged = quote.FinalTotal
	run.job.Message = messageUnlocking
	run.publish(ctx)

	outcome := run.processChunks(ctx, source)
	switch {
	case outcome.abortErr != nil:
		run.compensate(fmt.Sprintf("aborted: %v", outcome.abortErr))
	case outcome.cancelled:
		run.settle(StateCancelled, fmt.Sprintf("cancelled after %d of %d chapters", run.job.TotalItemsProcessed, run.job.TotalItemsRequested))
	case run.job.SuccessCount == 0 && run.job.FailureCount > 0:
		run.compensate(messageNothingSucceeded)
	default:
		run.settle(StateCompleted, fmt.Sprintf("unlocked %d of %d chapters", run.job.SuccessCount, run.job.TotalItemsRequested))
	}
}

func (run *jobRun) processChunks(ctx context.Context, source chunkSource) loopOutcome {
	for {
		if run.executor.registry.CancelRequested(run.job.JobID) {
			return loopOutcome{cancelled: true}
		}
		if err := ctx.Err(); err != nil {
			return loopOutcome{abortErr: err}
		}
		chunk, err := source.next(ctx)
		if err != nil {
			return loopOutcome{abortErr: err}
		}
		if len(chunk) == 0 {
			return loopOutcome{}
		}
		run.job.CurrentBatch++
		if err := run.executor.unlockChunk(ctx, run.job.JobID, run.userID, run.story.StoryID, chunk, run.logger); err != nil {
			if ctx.Err() != nil {
				return loopOutcome{abortErr: ctx.Err()}
			}
			run.logger.Warn("unlock chunk failed", zap.Int("batch", run.job.CurrentBatch), zap.Int("items", len(chunk)), zap.Error(err))
			run.job.FailureCount += len(chunk)
			run.failures.add(err.Error(), len(chunk))
			run.job.ErrorMessages = run.failures.messages()
			run.job.MainError = run.failures.mainError()
		} else {
			run.job.SuccessCount += len(chunk)
			for _, chapter := range chunk {
				run.succeededPrice += chapter.Price
			}
		}
		run.job.TotalItemsProcessed += len(chunk)
		run.job.ProgressPercent = progressPercent(run.job.TotalItemsProcessed, run.job.TotalItemsRequested)
		run.publish(ctx)
	}
}

// settle keeps the upfront debit and records it as one ledger entry.
func (run *jobRun) settle(state State, message string) {
	if _, err := run.recordLedgerEntry(run.debited, run.job.TotalItemsRequested, state); err != nil {
		run.logger.Error("unlock job ledger entry failed", zap.Int64("amount", run.debited), zap.Error(err))
		run.failures.add(fmt.Sprintf("%s: %v", messageLedgerEntryMissing, err), 1)
		run.job.ErrorMessages = run.failures.messages()
		run.job.MainError = run.failures.mainError()
		run.finish(StateFailed, messageLedgerEntryMissing)
		return
	}
	run.finish(state, message)
}

// compensate runs when the job cannot proceed after debiting: the charge is
// cut down to the discounted price of what was unlocked and the rest is
// credited back. The lowered charge is published before the credit so a
// restart cannot refund twice.
func (run *jobRun) compensate(reason string) {
	ctx := context.Background()
	consumed := applyDiscount(run.succeededPrice, run.quote.DiscountBasisPoints)
	refund := run.debited - consumed
	message := reason
	run.job.AmountCharged = consumed
	run.publish(ctx)
	if refund > 0 {
		amount, _ := ledger.NewPositiveStones(refund)
		err := run.executor.retry.Do(ctx, func(ctx context.Context) error {
			_, err := run.executor.wallet.Credit(ctx, run.userID, amount)
			return err
		}, nil)
		if err != nil {
			run.logger.Error("unlock job refund failed", zap.Int64("refund", refund), zap.Error(err))
			message = fmt.Sprintf("%s; refund of %d failed", reason, refund)
		} else {
			message = fmt.Sprintf("%s; refunded %d", reason, refund)
		}
	}
	if consumed > 0 {
		if _, err := run.recordLedgerEntry(consumed, run.job.SuccessCount, StateFailed); err != nil {
			run.logger.Error("unlock job ledger entry failed", zap.Int64("amount", consumed), zap.Error(err))
			message = fmt.Sprintf("%s; %s", message, messageLedgerEntryMissing)
		}
	}
	if run.job.MainError == "" {
		run.job.MainError = reason
	}
	run.finish(StateFailed, message)
}

// recordLedgerEntry writes the job's single ledger entry under the job's
// idempotency key. It reports false when an earlier attempt already wrote it.
func (run *jobRun) recordLedgerEntry(amount int64, itemCount int, state State) (bool, error) {
	kind := ledger.EntryKindBatchUnlock
	description := fmt.Sprintf("unlock %d chapters from %d to %d of story %q", itemCount, run.job.Target.RangeFrom, run.job.Target.RangeTo, run.story.Title)
	if run.job.Target.Mode == ModeFullStory {
		kind = ledger.EntryKindFullStoryUnlock
		description = fmt.Sprintf("unlock full story %q (%d chapters)", run.story.Title, itemCount)
	}
	switch {
	case state != StateCompleted:
		description = fmt.Sprintf("%s, %s after %d chapters", description, stateWord(state), run.job.SuccessCount)
	case run.job.FailureCount > 0:
		description = fmt.Sprintf("%s, %d of %d unlocked", description, run.job.SuccessCount, itemCount)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(ledgerIdempotencyPrefix + run.job.JobID)
	if err != nil {
		return false, err
	}
	rawMetadata, err := json.Marshal(map[string]any{
		"job_id":          run.job.JobID,
		"story_id":        run.story.StoryID,
		"mode":            run.job.Target.Mode,
		"state":           state,
		"items_requested": run.job.TotalItemsRequested,
		"items_succeeded": run.job.SuccessCount,
		"original_price":  run.job.OriginalPrice,
	})
	if err != nil {
		return false, err
	}
	metadata, err := ledger.NewMetadataJSON(string(rawMetadata))
	if err != nil {
		return false, err
	}
	entryInput, err := ledger.NewEntryInput(
		run.userID,
		ledger.Stones(amount).Negated(),
		ledger.CurrencySpiritStone,
		kind,
		description,
		idempotencyKey,
		metadata,
		run.executor.now().Unix(),
	)
	if err != nil {
		return false, err
	}
	recorded := true
	err = run.executor.retry.Do(context.Background(), func(ctx context.Context) error {
		_, err := run.executor.wallet.RecordEntry(ctx, entryInput)
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			recorded = false
			return nil
		}
		return err
	}, func(attempt int, err error) {
		run.logger.Warn("ledger entry retry", zap.Int("attempt", attempt), zap.Error(err))
	})
	return recorded, err
}

func (run *jobRun) fail(message string) {
	run.failures.add(message, 1)
	run.job.ErrorMessages = run.failures.messages()
	run.job.MainError = message
	run.finish(StateFailed, message)
}

func (run *jobRun) finish(state State, message string) {
	run.job.State = state
	run.job.Message = message
	endTime := run.executor.now()
	run.job.EndTime = &endTime
	if run.publish(context.Background()) {
		run.logger.Info("unlock job finished",
			zap.String("state", string(state)),
			zap.Int("processed", run.job.TotalItemsProcessed),
			zap.Int("succeeded", run.job.SuccessCount),
			zap.Int("failed", run.job.FailureCount),
			zap.String("message", message),
		)
	}
}

func (run *jobRun) publish(ctx context.Context) bool {
	if err := run.executor.registry.Publish(ctx, run.job); err != nil {
		run.logger.Error("unlock job snapshot rejected", zap.Error(err))
		return false
	}
	return true
}

// unlockChunk inserts one chunk inside a single transaction, retrying the
// whole chunk on failure.
func (executor *Executor) unlockChunk(ctx context.Context, jobID string, userID ledger.UserID, storyID int64, chunk []EligibleChapter, logger *zap.Logger) error {
	return executor.retry.Do(ctx, func(ctx context.Context) error {
		return executor.unlocks.WithTx(ctx, func(ctx context.Context, txStore UnlockStore) error {
			unlockedAt := executor.now()
			for _, chapter := range chunk {
				if _, err := txStore.Insert(ctx, UnlockRecord{
					UserID:     userID,
					ChapterID:  chapter.ChapterID,
					StoryID:    storyID,
					JobID:      jobID,
					Price:      chapter.Price,
					UnlockedAt: unlockedAt,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}, func(attempt int, err error) {
		logger.Warn("unlock chunk retry", zap.Int("attempt", attempt), zap.Error(err))
	})
}

func (executor *Executor) resolve(ctx context.Context, userID ledger.UserID, target Target) (Quote, chunkSource, error) {
	switch target.Mode {
	case ModeRange:
		return executor.resolveRange(ctx, userID, target)
	case ModeFullStory:
		return executor.resolveFullStory(ctx, userID, target.StoryID)
	default:
		return Quote{}, nil, fmt.Errorf("%w: mode %q cannot run as a job", ErrBadRequest, target.Mode)
	}
}

func (executor *Executor) resolveRange(ctx context.Context, userID ledger.UserID, target Target) (Quote, chunkSource, error) {
	chapters, err := executor.catalog.ListChaptersInRange(ctx, target.StoryID, target.RangeFrom, target.RangeTo)
	if err != nil {
		return Quote{}, nil, err
	}
	if len(chapters) == 0 {
		return Quote{}, nil, fmt.Errorf("%w: %d to %d", ErrNoChaptersInRange, target.RangeFrom, target.RangeTo)
	}
	unlockedIDs, err := executor.unlocks.ListUnlockedIDs(ctx, userID, target.StoryID)
	if err != nil {
		return Quote{}, nil, err
	}
	unlocked := make(map[int64]struct{}, len(unlockedIDs))
	for _, chapterID := range unlockedIDs {
		unlocked[chapterID] = struct{}{}
	}
	targets := make([]EligibleChapter, 0, len(chapters))
	var originalTotal int64
	for _, chapter := range chapters {
		if !chapter.IsLocked || chapter.Price <= 0 {
			continue
		}
		if _, done := unlocked[chapter.ChapterID]; done {
			continue
		}
		targets = append(targets, EligibleChapter{
			ChapterID:     chapter.ChapterID,
			ChapterNumber: chapter.ChapterNumber,
			Title:         chapter.Title,
			Price:         chapter.Price,
		})
		originalTotal += chapter.Price
	}
	if len(targets) == 0 {
		return Quote{}, nil, ErrNothingToUnlock
	}
	return NewQuote(originalTotal, len(targets), ModeRange), &sliceSource{items: targets, size: executor.chunkSize}, nil
}

// resolveFullStory counts and prices the eligible chapters page by page. The
// highest chapter number seen bounds the later processing pass so chapters
// locked after pricing are not unlocked for free.
func (executor *Executor) resolveFullStory(ctx context.Context, userID ledger.UserID, storyID int64) (Quote, chunkSource, error) {
	var (
		count         int
		originalTotal int64
		lastNumber    int
		started       bool
	)
	for {
		page, err := executor.unlocks.FindEligibleForUnlock(ctx, EligibleQuery{
			StoryID:            storyID,
			UserID:             userID,
			AfterChapterNumber: lastNumber,
			UseCursor:          started,
			Limit:              executor.pageSize,
		})
		if err != nil {
			return Quote{}, nil, err
		}
		for _, chapter := range page {
			count++
			originalTotal += chapter.Price
		}
		if len(page) == 0 {
			break
		}
		lastNumber = page[len(page)-1].ChapterNumber
		started = true
		if len(page) < executor.pageSize {
			break
		}
	}
	if count == 0 {
		return Quote{}, nil, ErrNothingToUnlock
	}
	source := &storySource{
		store:     executor.unlocks,
		storyID:   storyID,
		userID:    userID,
		boundary:  lastNumber,
		remaining: count,
		size:      executor.chunkSize,
	}
	return NewQuote(originalTotal, count, ModeFullStory), source, nil
}

type chunkSource interface {
	next(ctx context.Context) ([]EligibleChapter, error)
}

type sliceSource struct {
	items []EligibleChapter
	size  int
}

func (source *sliceSource) next(context.Context) ([]EligibleChapter, error) {
	if len(source.items) == 0 {
		return nil, nil
	}
	size := min(source.size, len(source.items))
	chunk := source.items[:size]
	source.items = source.items[size:]
	return chunk, nil
}

// storySource pages eligible chapters by chapter-number cursor. A cursor
// rather than an offset keeps paging stable while earlier pages are being
// unlocked and therefore drop out of the eligible set.
type storySource struct {
	store     UnlockStore
	storyID   int64
	userID    ledger.UserID
	after     int
	started   bool
	boundary  int
	remaining int
	size      int
}

func (source *storySource) next(ctx context.Context) ([]EligibleChapter, error) {
	if source.remaining <= 0 {
		return nil, nil
	}
	page, err := source.store.FindEligibleForUnlock(ctx, EligibleQuery{
		StoryID:            source.storyID,
		UserID:             source.userID,
		AfterChapterNumber: source.after,
		UseCursor:          source.started,
		Limit:              min(source.size, source.remaining),
	})
	if err != nil {
		return nil, err
	}
	chunk := make([]EligibleChapter, 0, len(page))
	for _, chapter := range page {
		if chapter.ChapterNumber > source.boundary {
			break
		}
		chunk = append(chunk, chapter)
	}
	if len(chunk) == 0 {
		source.remaining = 0
		return nil, nil
	}
	source.after = chunk[len(chunk)-1].ChapterNumber
	source.started = true
	source.remaining -= len(chunk)
	return chunk, nil
}

func ceilDiv(numerator int, denominator int) int {
	if denominator <= 0 {
		return 0
	}
	return (numerator + denominator - 1) / denominator
}

func stateWord(state State) string {
	switch state {
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "completed"
	}
}
