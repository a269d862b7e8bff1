package gormstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"
	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UnlockStore implements unlock.UnlockStore using GORM.
type UnlockStore struct {
	db *gorm.DB
}

// NewUnlockStore returns an UnlockStore backed by gorm.DB.
func NewUnlockStore(db *gorm.DB) *UnlockStore {
	return &UnlockStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *UnlockStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore unlock.UnlockStore) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &UnlockStore{db: transaction})
	})
}

func (store *UnlockStore) IsUnlocked(ctx context.Context, userID ledger.UserID, chapterID int64) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&ChapterUnlock{}).
		Where("user_id = ? AND chapter_id = ?", userID.String(), chapterID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectUnlock, errorCodeLookup, err)
	}
	return count > 0, nil
}

// Insert relies on ON CONFLICT DO NOTHING against the (user_id, chapter_id)
// primary key; zero affected rows means the unlock already existed.
func (store *UnlockStore) Insert(ctx context.Context, record unlock.UnlockRecord) (unlock.InsertOutcome, error) {
	row := ChapterUnlock{
		UserID:     record.UserID.String(),
		ChapterID:  record.ChapterID,
		StoryID:    record.StoryID,
		Price:      record.Price,
		UnlockedAt: record.UnlockedAt.UTC(),
	}
	if record.JobID != "" {
		jobID := record.JobID
		row.JobID = &jobID
	}
	if row.UnlockedAt.IsZero() {
		row.UnlockedAt = unixOrNow(0)
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectUnlock, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		return unlock.InsertAlreadyExists, nil
	}
	return unlock.InsertCreated, nil
}

func (store *UnlockStore) ListUnlockedIDs(ctx context.Context, userID ledger.UserID, storyID int64) ([]int64, error) {
	var chapterIDs []int64
	err := store.db.WithContext(ctx).
		Model(&ChapterUnlock{}).
		Where("user_id = ? AND story_id = ?", userID.String(), storyID).
		Order("chapter_id ASC").
		Pluck("chapter_id", &chapterIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUnlock, errorCodeList, err)
	}
	return chapterIDs, nil
}

type jobTotalsRow struct {
	Count         int
	OriginalTotal int64
}

// SumJobUnlocks counts the unlocks a batch job created and their catalog price.
func (store *UnlockStore) SumJobUnlocks(ctx context.Context, jobID string) (unlock.JobUnlockTotals, error) {
	var row jobTotalsRow
	err := store.db.WithContext(ctx).
		Model(&ChapterUnlock{}).
		Select("COUNT(*) AS count, COALESCE(SUM(price), 0) AS original_total").
		Where("job_id = ?", jobID).
		Scan(&row).Error
	if err != nil {
		return unlock.JobUnlockTotals{}, wrapStoreError(errorSubjectUnlock, errorCodeList, err)
	}
	return unlock.JobUnlockTotals{Count: row.Count, OriginalTotal: row.OriginalTotal}, nil
}

type eligibleRow struct {
	ChapterID     int64
	ChapterNumber int
	Title         string
	Price         int64
}

func (store *UnlockStore) FindEligibleForUnlock(ctx context.Context, query unlock.EligibleQuery) ([]unlock.EligibleChapter, error) {
	statement := store.db.WithContext(ctx).
		Table("chapters").
		Select("chapters.chapter_id, chapters.chapter_number, chapters.title, chapters.price").
		Joins("LEFT JOIN chapter_unlocks ON chapter_unlocks.chapter_id = chapters.chapter_id AND chapter_unlocks.user_id = ?", query.UserID.String()).
		Where("chapters.story_id = ? AND chapters.is_locked = ? AND chapters.price > 0", query.StoryID, true).
		Where("chapter_unlocks.chapter_id IS NULL")
	if query.UseCursor {
		statement = statement.Where("chapters.chapter_number > ?", query.AfterChapterNumber)
	}
	statement = statement.Order("chapters.chapter_number ASC")
	if query.Offset > 0 {
		statement = statement.Offset(query.Offset)
	}
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}

	var rows []eligibleRow
	if err := statement.Scan(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectUnlock, errorCodeList, err)
	}
	chapters := make([]unlock.EligibleChapter, 0, len(rows))
	for _, row := range rows {
		chapters = append(chapters, unlock.EligibleChapter{
			ChapterID:     row.ChapterID,
			ChapterNumber: row.ChapterNumber,
			Title:         row.Title,
			Price:         row.Price,
		})
	}
	return chapters, nil
}
