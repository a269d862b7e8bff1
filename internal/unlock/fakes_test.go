package unlock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
)

const (
	testStoryID    int64 = 7
	testStoryTitle       = "Spirit Sword Saga"
)

type fakeCatalog struct {
	stories  map[int64]Story
	chapters []ChapterPriceInfo
}

// newFakeCatalog builds a story with chapters numbered 1..count, each priced price.
func newFakeCatalog(count int, price int64) *fakeCatalog {
	catalog := &fakeCatalog{stories: map[int64]Story{testStoryID: {StoryID: testStoryID, Title: testStoryTitle}}}
	for number := 1; number <= count; number++ {
		catalog.chapters = append(catalog.chapters, ChapterPriceInfo{
			ChapterID:     int64(1000 + number),
			StoryID:       testStoryID,
			ChapterNumber: number,
			Title:         fmt.Sprintf("Chapter %d", number),
			Price:         price,
			IsLocked:      true,
		})
	}
	return catalog
}

func (catalog *fakeCatalog) setLocked(chapterNumber int, locked bool) {
	for index := range catalog.chapters {
		if catalog.chapters[index].ChapterNumber == chapterNumber {
			catalog.chapters[index].IsLocked = locked
		}
	}
}

func (catalog *fakeCatalog) GetStory(_ context.Context, storyID int64) (Story, error) {
	story, ok := catalog.stories[storyID]
	if !ok {
		return Story{}, fmt.Errorf("%w: %d", ErrStoryNotFound, storyID)
	}
	return story, nil
}

func (catalog *fakeCatalog) GetChapter(_ context.Context, chapterID int64) (ChapterPriceInfo, error) {
	for _, chapter := range catalog.chapters {
		if chapter.ChapterID == chapterID {
			return chapter, nil
		}
	}
	return ChapterPriceInfo{}, fmt.Errorf("%w: %d", ErrChapterNotFound, chapterID)
}

func (catalog *fakeCatalog) ListChaptersInRange(_ context.Context, storyID int64, fromNumber int, toNumber int) ([]ChapterPriceInfo, error) {
	var matches []ChapterPriceInfo
	for _, chapter := range catalog.chapters {
		if chapter.StoryID == storyID && chapter.ChapterNumber >= fromNumber && chapter.ChapterNumber <= toNumber {
			matches = append(matches, chapter)
		}
	}
	return matches, nil
}

type unlockKey struct {
	userID    string
	chapterID int64
}

// fakeUnlockStore keeps committed records and applies a transaction's inserts
// only when its callback succeeds.
type fakeUnlockStore struct {
	mu      sync.Mutex
	catalog *fakeCatalog
	records map[unlockKey]UnlockRecord
	inserts int
	// failChunk returns an error for the given transaction attempt (1-based)
	// before anything is committed.
	failChunk func(transaction int) error
	// afterInsert runs outside the lock after each successful insert call.
	afterInsert  func(inserts int)
	forceExists  bool
	transactions int
}

func newFakeUnlockStore(catalog *fakeCatalog) *fakeUnlockStore {
	return &fakeUnlockStore{catalog: catalog, records: map[unlockKey]UnlockRecord{}}
}

func (store *fakeUnlockStore) count() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.records)
}

func (store *fakeUnlockStore) seed(userID ledger.UserID, chapterID int64) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.records[unlockKey{userID: userID.String(), chapterID: chapterID}] = UnlockRecord{UserID: userID, ChapterID: chapterID, StoryID: testStoryID}
}

func (store *fakeUnlockStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore UnlockStore) error) error {
	store.mu.Lock()
	store.transactions++
	transaction := store.transactions
	failChunk := store.failChunk
	store.mu.Unlock()
	if failChunk != nil {
		if err := failChunk(transaction); err != nil {
			return err
		}
	}
	tx := &fakeUnlockTx{parent: store, pending: map[unlockKey]UnlockRecord{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	store.mu.Lock()
	for key, record := range tx.pending {
		store.records[key] = record
	}
	store.mu.Unlock()
	return nil
}

func (store *fakeUnlockStore) IsUnlocked(_ context.Context, userID ledger.UserID, chapterID int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, ok := store.records[unlockKey{userID: userID.String(), chapterID: chapterID}]
	return ok, nil
}

func (store *fakeUnlockStore) Insert(_ context.Context, record UnlockRecord) (InsertOutcome, error) {
	store.mu.Lock()
	key := unlockKey{userID: record.UserID.String(), chapterID: record.ChapterID}
	outcome := InsertCreated
	if _, exists := store.records[key]; exists || store.forceExists {
		outcome = InsertAlreadyExists
	} else {
		store.records[key] = record
	}
	store.inserts++
	inserts := store.inserts
	hook := store.afterInsert
	store.mu.Unlock()
	if hook != nil {
		hook(inserts)
	}
	return outcome, nil
}

func (store *fakeUnlockStore) ListUnlockedIDs(_ context.Context, userID ledger.UserID, storyID int64) ([]int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var chapterIDs []int64
	for key, record := range store.records {
		if key.userID == userID.String() && record.StoryID == storyID {
			chapterIDs = append(chapterIDs, key.chapterID)
		}
	}
	sort.Slice(chapterIDs, func(left, right int) bool { return chapterIDs[left] < chapterIDs[right] })
	return chapterIDs, nil
}

func (store *fakeUnlockStore) SumJobUnlocks(_ context.Context, jobID string) (JobUnlockTotals, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var totals JobUnlockTotals
	for _, record := range store.records {
		if record.JobID != "" && record.JobID == jobID {
			totals.Count++
			totals.OriginalTotal += record.Price
		}
	}
	return totals, nil
}

func (store *fakeUnlockStore) FindEligibleForUnlock(_ context.Context, query EligibleQuery) ([]EligibleChapter, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var eligible []EligibleChapter
	for _, chapter := range store.catalog.chapters {
		if chapter.StoryID != query.StoryID || !chapter.IsLocked {
			continue
		}
		if query.UseCursor && chapter.ChapterNumber <= query.AfterChapterNumber {
			continue
		}
		if _, unlocked := store.records[unlockKey{userID: query.UserID.String(), chapterID: chapter.ChapterID}]; unlocked {
			continue
		}
		eligible = append(eligible, EligibleChapter{ChapterID: chapter.ChapterID, ChapterNumber: chapter.ChapterNumber, Title: chapter.Title, Price: chapter.Price})
	}
	if query.Offset >= len(eligible) {
		return nil, nil
	}
	eligible = eligible[query.Offset:]
	if query.Limit > 0 && len(eligible) > query.Limit {
		eligible = eligible[:query.Limit]
	}
	return eligible, nil
}

type fakeUnlockTx struct {
	parent  *fakeUnlockStore
	pending map[unlockKey]UnlockRecord
}

func (tx *fakeUnlockTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore UnlockStore) error) error {
	return fn(ctx, tx)
}

func (tx *fakeUnlockTx) IsUnlocked(ctx context.Context, userID ledger.UserID, chapterID int64) (bool, error) {
	if _, ok := tx.pending[unlockKey{userID: userID.String(), chapterID: chapterID}]; ok {
		return true, nil
	}
	return tx.parent.IsUnlocked(ctx, userID, chapterID)
}

func (tx *fakeUnlockTx) Insert(_ context.Context, record UnlockRecord) (InsertOutcome, error) {
	key := unlockKey{userID: record.UserID.String(), chapterID: record.ChapterID}
	tx.parent.mu.Lock()
	_, committed := tx.parent.records[key]
	tx.parent.inserts++
	inserts := tx.parent.inserts
	hook := tx.parent.afterInsert
	tx.parent.mu.Unlock()
	outcome := InsertCreated
	if _, pending := tx.pending[key]; pending || committed {
		outcome = InsertAlreadyExists
	} else {
		tx.pending[key] = record
	}
	if hook != nil {
		hook(inserts)
	}
	return outcome, nil
}

func (tx *fakeUnlockTx) ListUnlockedIDs(ctx context.Context, userID ledger.UserID, storyID int64) ([]int64, error) {
	return tx.parent.ListUnlockedIDs(ctx, userID, storyID)
}

func (tx *fakeUnlockTx) FindEligibleForUnlock(ctx context.Context, query EligibleQuery) ([]EligibleChapter, error) {
	return tx.parent.FindEligibleForUnlock(ctx, query)
}

func (tx *fakeUnlockTx) SumJobUnlocks(ctx context.Context, jobID string) (JobUnlockTotals, error) {
	return tx.parent.SumJobUnlocks(ctx, jobID)
}

type fakeWallet struct {
	mu        sync.Mutex
	balances  map[string]int64
	entries   []ledger.EntryInput
	credits   int
	creditErr error
	entryErr  error
}

func newFakeWallet(userID ledger.UserID, balance int64) *fakeWallet {
	return &fakeWallet{balances: map[string]int64{userID.String(): balance}}
}

func (wallet *fakeWallet) balance(userID ledger.UserID) int64 {
	wallet.mu.Lock()
	defer wallet.mu.Unlock()
	return wallet.balances[userID.String()]
}

func (wallet *fakeWallet) recorded() []ledger.EntryInput {
	wallet.mu.Lock()
	defer wallet.mu.Unlock()
	return append([]ledger.EntryInput(nil), wallet.entries...)
}

func (wallet *fakeWallet) Debit(_ context.Context, userID ledger.UserID, amount ledger.PositiveStones) (ledger.Wallet, error) {
	wallet.mu.Lock()
	defer wallet.mu.Unlock()
	balance := wallet.balances[userID.String()]
	if balance < amount.Int64() {
		return ledger.Wallet{}, fmt.Errorf("%w: need %d, have %d", ledger.ErrInsufficientBalance, amount.Int64(), balance)
	}
	wallet.balances[userID.String()] = balance - amount.Int64()
	return ledger.NewWallet(userID, ledger.Stones(balance-amount.Int64()), 0)
}

func (wallet *fakeWallet) Credit(_ context.Context, userID ledger.UserID, amount ledger.PositiveStones) (ledger.Wallet, error) {
	wallet.mu.Lock()
	defer wallet.mu.Unlock()
	if wallet.creditErr != nil {
		return ledger.Wallet{}, wallet.creditErr
	}
	wallet.balances[userID.String()] += amount.Int64()
	wallet.credits++
	return ledger.NewWallet(userID, ledger.Stones(wallet.balances[userID.String()]), 0)
}

func (wallet *fakeWallet) RecordEntry(_ context.Context, input ledger.EntryInput) (ledger.Entry, error) {
	wallet.mu.Lock()
	defer wallet.mu.Unlock()
	if wallet.entryErr != nil {
		return ledger.Entry{}, wallet.entryErr
	}
	for _, existing := range wallet.entries {
		if !input.IdempotencyKey().IsZero() && existing.IdempotencyKey() == input.IdempotencyKey() {
			return ledger.Entry{}, ledger.ErrDuplicateIdempotencyKey
		}
	}
	wallet.entries = append(wallet.entries, input)
	entryID, err := ledger.NewEntryID(fmt.Sprintf("entry-%d", len(wallet.entries)))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(entryID, input)
}

// recordingJobStore captures every persisted snapshot in order.
type recordingJobStore struct {
	mu     sync.Mutex
	saved  []Job
	latest map[string]Job
	loads  int
}

func newRecordingJobStore() *recordingJobStore {
	return &recordingJobStore{latest: map[string]Job{}}
}

func (store *recordingJobStore) SaveJob(_ context.Context, job Job) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.saved = append(store.saved, job.clone())
	store.latest[job.JobID] = job.clone()
	return nil
}

func (store *recordingJobStore) LoadJob(_ context.Context, jobID string) (Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.loads++
	job, ok := store.latest[jobID]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job.clone(), nil
}

func (store *recordingJobStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var deleted int64
	for jobID, job := range store.latest {
		if job.State.IsTerminal() && job.EndTime != nil && job.EndTime.Before(cutoff) {
			delete(store.latest, jobID)
			deleted++
		}
	}
	return deleted, nil
}

func (store *recordingJobStore) ListInterrupted(context.Context) ([]Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var jobs []Job
	for _, job := range store.latest {
		if !job.State.IsTerminal() {
			jobs = append(jobs, job.clone())
		}
	}
	sort.Slice(jobs, func(left, right int) bool { return jobs[left].JobID < jobs[right].JobID })
	return jobs, nil
}

func (store *recordingJobStore) snapshots() []Job {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]Job(nil), store.saved...)
}

var errTransientStorage = errors.New("storage timeout")

func noWaitRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		Attempts:  attempts,
		BaseDelay: time.Millisecond,
		wait:      func(context.Context, time.Duration) error { return nil },
	}
}

type harness struct {
	userID   ledger.UserID
	catalog  *fakeCatalog
	unlocks  *fakeUnlockStore
	wallet   *fakeWallet
	jobStore *recordingJobStore
	registry *JobRegistry
	executor *Executor
}

func newHarness(test *testing.T, chapterCount int, price int64, balance int64) *harness {
	test.Helper()
	userID := mustUserID(test, "reader-1")
	catalog := newFakeCatalog(chapterCount, price)
	unlocks := newFakeUnlockStore(catalog)
	wallet := newFakeWallet(userID, balance)
	jobStore := newRecordingJobStore()
	registry, err := NewJobRegistry(WithJobStore(jobStore, 16))
	if err != nil {
		test.Fatalf("registry: %v", err)
	}
	executor, err := NewExecutor(wallet, unlocks, catalog, registry, WithRetryPolicy(noWaitRetry(3)))
	if err != nil {
		test.Fatalf("executor: %v", err)
	}
	return &harness{
		userID:   userID,
		catalog:  catalog,
		unlocks:  unlocks,
		wallet:   wallet,
		jobStore: jobStore,
		registry: registry,
		executor: executor,
	}
}

func (h *harness) run(test *testing.T, target Target) Job {
	test.Helper()
	jobID, err := h.registry.Create(context.Background(), h.userID, target)
	if err != nil {
		test.Fatalf("create job: %v", err)
	}
	return h.runExisting(test, context.Background(), jobID)
}

func (h *harness) runExisting(test *testing.T, ctx context.Context, jobID string) Job {
	test.Helper()
	story, err := h.catalog.GetStory(ctx, testStoryID)
	if err != nil {
		test.Fatalf("story: %v", err)
	}
	h.executor.Run(ctx, jobID, h.userID, story)
	job, err := h.registry.Get(context.Background(), jobID)
	if err != nil {
		test.Fatalf("get job: %v", err)
	}
	return job
}

func rangeTarget(from int, to int) Target {
	return Target{StoryID: testStoryID, Mode: ModeRange, RangeFrom: from, RangeTo: to}
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}
