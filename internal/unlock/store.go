package unlock

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
)

// Story is the catalog view of a story.
type Story struct {
	StoryID int64
	Title   string
}

// ChapterPriceInfo is the read-only catalog fact about a chapter.
type ChapterPriceInfo struct {
	ChapterID     int64
	StoryID       int64
	ChapterNumber int
	Title         string
	Price         int64
	IsLocked      bool
}

// Catalog exposes the story and chapter pricing facts owned elsewhere.
type Catalog interface {
	GetStory(ctx context.Context, storyID int64) (Story, error)
	GetChapter(ctx context.Context, chapterID int64) (ChapterPriceInfo, error)
	// ListChaptersInRange returns chapters with fromNumber <= number <= toNumber
	// in ascending chapter number.
	ListChaptersInRange(ctx context.Context, storyID int64, fromNumber int, toNumber int) ([]ChapterPriceInfo, error)
}

// InsertOutcome reports whether an unlock insert created a record.
type InsertOutcome int

const (
	InsertCreated InsertOutcome = iota + 1
	InsertAlreadyExists
)

func (outcome InsertOutcome) String() string {
	switch outcome {
	case InsertCreated:
		return "created"
	case InsertAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// UnlockRecord is the durable (user, chapter) unlock fact. JobID is empty for
// single-chapter purchases; Price is the undiscounted catalog price paid for.
type UnlockRecord struct {
	UserID     ledger.UserID
	ChapterID  int64
	StoryID    int64
	JobID      string
	Price      int64
	UnlockedAt time.Time
}

// JobUnlockTotals sums the unlock records created by one batch job.
type JobUnlockTotals struct {
	Count         int
	OriginalTotal int64
}

// EligibleChapter is one row of a findEligibleForUnlock page.
type EligibleChapter struct {
	ChapterID     int64
	ChapterNumber int
	Title         string
	Price         int64
}

// EligibleQuery selects locked chapters the user has not unlocked.
// With UseCursor set, only chapters numbered above AfterChapterNumber are
// returned and Offset is applied after that filter.
type EligibleQuery struct {
	StoryID            int64
	UserID             ledger.UserID
	AfterChapterNumber int
	UseCursor          bool
	Offset             int
	Limit              int
}

// UnlockStore persists unlock facts. Insert must be idempotent on (user, chapter).
type UnlockStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore UnlockStore) error) error
	IsUnlocked(ctx context.Context, userID ledger.UserID, chapterID int64) (bool, error)
	Insert(ctx context.Context, record UnlockRecord) (InsertOutcome, error)
	ListUnlockedIDs(ctx context.Context, userID ledger.UserID, storyID int64) ([]int64, error)
	FindEligibleForUnlock(ctx context.Context, query EligibleQuery) ([]EligibleChapter, error)
	SumJobUnlocks(ctx context.Context, jobID string) (JobUnlockTotals, error)
}

// Wallet is the subset of the wallet ledger the engine depends on.
type Wallet interface {
	Debit(ctx context.Context, userID ledger.UserID, amount ledger.PositiveStones) (ledger.Wallet, error)
	Credit(ctx context.Context, userID ledger.UserID, amount ledger.PositiveStones) (ledger.Wallet, error)
	RecordEntry(ctx context.Context, input ledger.EntryInput) (ledger.Entry, error)
}

// JobStore persists job snapshots so status survives reaping of the
// in-memory registry and process restarts.
type JobStore interface {
	SaveJob(ctx context.Context, job Job) error
	LoadJob(ctx context.Context, jobID string) (Job, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// ListInterrupted returns the persisted snapshots that never reached a
	// terminal state.
	ListInterrupted(ctx context.Context) ([]Job, error)
}
