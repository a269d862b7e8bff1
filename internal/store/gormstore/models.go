package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table.
type Wallet struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Amount         int64          `gorm:"not null"`
	Currency       string         `gorm:"not null"`
	Kind           string         `gorm:"not null"`
	Description    string         `gorm:"not null"`
	IdempotencyKey *string        `gorm:"index:uniq_ledger_entries_idempotency_key,unique"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Story mirrors the stories table.
type Story struct {
	StoryID int64  `gorm:"primaryKey;autoIncrement:false"`
	Title   string `gorm:"not null"`
}

func (Story) TableName() string { return "stories" }

// Chapter mirrors the chapters table.
type Chapter struct {
	ChapterID     int64  `gorm:"primaryKey;autoIncrement:false"`
	StoryID       int64  `gorm:"not null;index:uniq_chapters_story_number,unique,priority:1"`
	ChapterNumber int    `gorm:"not null;index:uniq_chapters_story_number,unique,priority:2"`
	Title         string `gorm:"not null"`
	Price         int64  `gorm:"not null;default:0"`
	IsLocked      bool   `gorm:"not null;default:false"`
}

func (Chapter) TableName() string { return "chapters" }

// ChapterUnlock mirrors the chapter_unlocks table. The composite primary key
// is what makes an unlock exactly-once per (user, chapter).
type ChapterUnlock struct {
	UserID     string    `gorm:"primaryKey;index:idx_chapter_unlocks_user_story,priority:1"`
	ChapterID  int64     `gorm:"primaryKey;autoIncrement:false"`
	StoryID    int64     `gorm:"not null;index:idx_chapter_unlocks_user_story,priority:2"`
	JobID      *string   `gorm:"index"`
	Price      int64     `gorm:"not null;default:0"`
	UnlockedAt time.Time `gorm:"not null"`
}

func (ChapterUnlock) TableName() string { return "chapter_unlocks" }

// UnlockJob mirrors the unlock_jobs table holding job snapshots.
type UnlockJob struct {
	JobID       string         `gorm:"primaryKey"`
	OwnerUserID string         `gorm:"not null;index"`
	State       string         `gorm:"not null;index:idx_unlock_jobs_state_end,priority:1"`
	Snapshot    datatypes.JSON `gorm:"type:jsonb;not null"`
	EndTime     *time.Time     `gorm:"index:idx_unlock_jobs_state_end,priority:2"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (UnlockJob) TableName() string { return "unlock_jobs" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&Wallet{},
		&LedgerEntry{},
		&Story{},
		&Chapter{},
		&ChapterUnlock{},
		&UnlockJob{},
	}
}
