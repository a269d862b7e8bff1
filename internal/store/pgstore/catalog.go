package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sqlSelectStory = `select story_id, title from stories where story_id = $1`

	sqlSelectChapter = `
		select chapter_id, story_id, chapter_number, title, price, is_locked
		from chapters
		where chapter_id = $1
	`

	sqlSelectChaptersInRange = `
		select chapter_id, story_id, chapter_number, title, price, is_locked
		from chapters
		where story_id = $1 and chapter_number between $2 and $3
		order by chapter_number
	`

	sqlUpsertStory = `
		insert into stories(story_id, title) values($1, $2)
		on conflict (story_id) do update set title = excluded.title
	`

	sqlUpsertChapter = `
		insert into chapters(chapter_id, story_id, chapter_number, title, price, is_locked)
		values($1, $2, $3, $4, $5, $6)
		on conflict (chapter_id) do update set
			story_id = excluded.story_id,
			chapter_number = excluded.chapter_number,
			title = excluded.title,
			price = excluded.price,
			is_locked = excluded.is_locked
	`
)

// Catalog implements unlock.Catalog over the stories and chapters tables.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog returns a Catalog backed by a pgx pool.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

func (catalog *Catalog) GetStory(ctx context.Context, storyID int64) (unlock.Story, error) {
	var story unlock.Story
	err := catalog.pool.QueryRow(ctx, sqlSelectStory, storyID).Scan(&story.StoryID, &story.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeGet, fmt.Errorf("%w: %d", unlock.ErrStoryNotFound, storyID))
	}
	if err != nil {
		return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeGet, err)
	}
	return story, nil
}

func (catalog *Catalog) GetChapter(ctx context.Context, chapterID int64) (unlock.ChapterPriceInfo, error) {
	rows, err := catalog.pool.Query(ctx, sqlSelectChapter, chapterID)
	if err != nil {
		return unlock.ChapterPriceInfo{}, wrapStoreError(errorSubjectChapter, errorCodeGet, err)
	}
	chapter, err := pgx.CollectExactlyOneRow(rows, scanChapter)
	if errors.Is(err, pgx.ErrNoRows) {
		return unlock.ChapterPriceInfo{}, wrapStoreError(errorSubjectChapter, errorCodeGet, fmt.Errorf("%w: %d", unlock.ErrChapterNotFound, chapterID))
	}
	if err != nil {
		return unlock.ChapterPriceInfo{}, wrapStoreError(errorSubjectChapter, errorCodeGet, err)
	}
	return chapter, nil
}

func (catalog *Catalog) ListChaptersInRange(ctx context.Context, storyID int64, fromNumber int, toNumber int) ([]unlock.ChapterPriceInfo, error) {
	rows, err := catalog.pool.Query(ctx, sqlSelectChaptersInRange, storyID, fromNumber, toNumber)
	if err != nil {
		return nil, wrapStoreError(errorSubjectChapter, errorCodeList, err)
	}
	chapters, err := pgx.CollectRows(rows, scanChapter)
	if err != nil {
		return nil, wrapStoreError(errorSubjectChapter, errorCodeList, err)
	}
	return chapters, nil
}

// SaveStory inserts or renames a story.
func (catalog *Catalog) SaveStory(ctx context.Context, story unlock.Story) error {
	if _, err := catalog.pool.Exec(ctx, sqlUpsertStory, story.StoryID, story.Title); err != nil {
		return wrapStoreError(errorSubjectStory, errorCodeSave, err)
	}
	return nil
}

// SaveChapters upserts chapter pricing facts in one batch round trip.
func (catalog *Catalog) SaveChapters(ctx context.Context, chapters []unlock.ChapterPriceInfo) error {
	if len(chapters) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, chapter := range chapters {
		batch.Queue(sqlUpsertChapter,
			chapter.ChapterID,
			chapter.StoryID,
			chapter.ChapterNumber,
			chapter.Title,
			chapter.Price,
			chapter.IsLocked,
		)
	}
	if err := catalog.pool.SendBatch(ctx, batch).Close(); err != nil {
		return wrapStoreError(errorSubjectChapter, errorCodeSave, err)
	}
	return nil
}

func scanChapter(row pgx.CollectableRow) (unlock.ChapterPriceInfo, error) {
	var chapter unlock.ChapterPriceInfo
	err := row.Scan(
		&chapter.ChapterID,
		&chapter.StoryID,
		&chapter.ChapterNumber,
		&chapter.Title,
		&chapter.Price,
		&chapter.IsLocked,
	)
	return chapter, err
}
