package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const catalogBatchSize = 100

// Catalog implements unlock.Catalog over the stories and chapters tables.
type Catalog struct {
	db *gorm.DB
}

// NewCatalog returns a Catalog backed by gorm.DB.
func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

func (catalog *Catalog) GetStory(ctx context.Context, storyID int64) (unlock.Story, error) {
	var row Story
	err := catalog.db.WithContext(ctx).Where("story_id = ?", storyID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeGet, fmt.Errorf("%w: %d", unlock.ErrStoryNotFound, storyID))
	}
	if err != nil {
		return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeGet, err)
	}
	return unlock.Story{StoryID: row.StoryID, Title: row.Title}, nil
}

func (catalog *Catalog) GetChapter(ctx context.Context, chapterID int64) (unlock.ChapterPriceInfo, error) {
	var row Chapter
	err := catalog.db.WithContext(ctx).Where("chapter_id = ?", chapterID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return unlock.ChapterPriceInfo{}, wrapStoreError(errorSubjectChapter, errorCodeGet, fmt.Errorf("%w: %d", unlock.ErrChapterNotFound, chapterID))
	}
	if err != nil {
		return unlock.ChapterPriceInfo{}, wrapStoreError(errorSubjectChapter, errorCodeGet, err)
	}
	return mapChapter(row), nil
}

func (catalog *Catalog) ListChaptersInRange(ctx context.Context, storyID int64, fromNumber int, toNumber int) ([]unlock.ChapterPriceInfo, error) {
	var rows []Chapter
	err := catalog.db.WithContext(ctx).
		Where("story_id = ? AND chapter_number BETWEEN ? AND ?", storyID, fromNumber, toNumber).
		Order("chapter_number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectChapter, errorCodeList, err)
	}
	chapters := make([]unlock.ChapterPriceInfo, 0, len(rows))
	for _, row := range rows {
		chapters = append(chapters, mapChapter(row))
	}
	return chapters, nil
}

// SaveStory inserts or renames a story.
func (catalog *Catalog) SaveStory(ctx context.Context, story unlock.Story) error {
	err := catalog.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "story_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title"}),
		}).
		Create(&Story{StoryID: story.StoryID, Title: story.Title}).Error
	if err != nil {
		return wrapStoreError(errorSubjectStory, errorCodeSave, err)
	}
	return nil
}

// SaveChapters upserts chapter pricing facts in batches.
func (catalog *Catalog) SaveChapters(ctx context.Context, chapters []unlock.ChapterPriceInfo) error {
	if len(chapters) == 0 {
		return nil
	}
	rows := make([]Chapter, 0, len(chapters))
	for _, chapter := range chapters {
		rows = append(rows, Chapter{
			ChapterID:     chapter.ChapterID,
			StoryID:       chapter.StoryID,
			ChapterNumber: chapter.ChapterNumber,
			Title:         chapter.Title,
			Price:         chapter.Price,
			IsLocked:      chapter.IsLocked,
		})
	}
	err := catalog.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chapter_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"story_id", "chapter_number", "title", "price", "is_locked"}),
		}).
		CreateInBatches(&rows, catalogBatchSize).Error
	if err != nil {
		return wrapStoreError(errorSubjectChapter, errorCodeSave, err)
	}
	return nil
}

func mapChapter(row Chapter) unlock.ChapterPriceInfo {
	return unlock.ChapterPriceInfo{
		ChapterID:     row.ChapterID,
		StoryID:       row.StoryID,
		ChapterNumber: row.ChapterNumber,
		Title:         row.Title,
		Price:         row.Price,
		IsLocked:      row.IsLocked,
	}
}
