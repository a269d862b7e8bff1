package pgstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"
	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sqlInsertUnlock = `
		insert into chapter_unlocks(user_id, chapter_id, story_id, job_id, price, unlocked_at)
		values($1, $2, $3, nullif($4, ''), $5, $6)
		on conflict (user_id, chapter_id) do nothing
	`

	sqlIsUnlocked = `
		select exists(select 1 from chapter_unlocks where user_id = $1 and chapter_id = $2)
	`

	sqlListUnlockedIDs = `
		select chapter_id from chapter_unlocks
		where user_id = $1 and story_id = $2
		order by chapter_id
	`

	sqlSumJobUnlocks = `
		select count(*), coalesce(sum(price), 0)
		from chapter_unlocks
		where job_id = $1
	`

	// $3 toggles the chapter-number cursor; a zero $6 lifts the limit.
	sqlFindEligible = `
		select c.chapter_id, c.chapter_number, c.title, c.price
		from chapters c
		left join chapter_unlocks u on u.chapter_id = c.chapter_id and u.user_id = $2
		where c.story_id = $1
			and c.is_locked
			and c.price > 0
			and u.chapter_id is null
			and (not $3::boolean or c.chapter_number > $4)
		order by c.chapter_number
		offset $5
		limit nullif($6::bigint, 0)
	`
)

type unlockQueries struct {
	db querier
}

// UnlockStore implements unlock.UnlockStore using a pgx pool.
type UnlockStore struct {
	unlockQueries
	pool *pgxpool.Pool
}

// UnlockTxStore implements unlock.UnlockStore for an active transaction.
type UnlockTxStore struct {
	unlockQueries
	tx pgx.Tx
}

// NewUnlockStore returns an UnlockStore backed by a pgx pool.
func NewUnlockStore(pool *pgxpool.Pool) *UnlockStore {
	return &UnlockStore{unlockQueries: unlockQueries{db: pool}, pool: pool}
}

func (store *UnlockStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore unlock.UnlockStore) error) error {
	return runInTx(ctx, store.pool, func(tx pgx.Tx) error {
		return fn(ctx, &UnlockTxStore{unlockQueries: unlockQueries{db: tx}, tx: tx})
	})
}

func (store *UnlockTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore unlock.UnlockStore) error) error {
	return fn(ctx, store)
}

func (queries unlockQueries) IsUnlocked(ctx context.Context, userID ledger.UserID, chapterID int64) (bool, error) {
	var exists bool
	if err := queries.db.QueryRow(ctx, sqlIsUnlocked, userID.String(), chapterID).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectUnlock, errorCodeLookup, err)
	}
	return exists, nil
}

func (queries unlockQueries) Insert(ctx context.Context, record unlock.UnlockRecord) (unlock.InsertOutcome, error) {
	unlockedAt := record.UnlockedAt.UTC()
	if record.UnlockedAt.IsZero() {
		unlockedAt = nowUTC()
	}
	tag, err := queries.db.Exec(ctx, sqlInsertUnlock, record.UserID.String(), record.ChapterID, record.StoryID, record.JobID, record.Price, unlockedAt)
	if err != nil {
		return 0, wrapStoreError(errorSubjectUnlock, errorCodeInsert, err)
	}
	if tag.RowsAffected() == 0 {
		return unlock.InsertAlreadyExists, nil
	}
	return unlock.InsertCreated, nil
}

func (queries unlockQueries) ListUnlockedIDs(ctx context.Context, userID ledger.UserID, storyID int64) ([]int64, error) {
	rows, err := queries.db.Query(ctx, sqlListUnlockedIDs, userID.String(), storyID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUnlock, errorCodeList, err)
	}
	chapterIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, wrapStoreError(errorSubjectUnlock, errorCodeList, err)
	}
	return chapterIDs, nil
}

func (queries unlockQueries) SumJobUnlocks(ctx context.Context, jobID string) (unlock.JobUnlockTotals, error) {
	var totals unlock.JobUnlockTotals
	if err := queries.db.QueryRow(ctx, sqlSumJobUnlocks, jobID).Scan(&totals.Count, &totals.OriginalTotal); err != nil {
		return unlock.JobUnlockTotals{}, wrapStoreError(errorSubjectUnlock, errorCodeList, err)
	}
	return totals, nil
}

func (queries unlockQueries) FindEligibleForUnlock(ctx context.Context, query unlock.EligibleQuery) ([]unlock.EligibleChapter, error) {
	rows, err := queries.db.Query(ctx, sqlFindEligible,
		query.StoryID,
		query.UserID.String(),
		query.UseCursor,
		query.AfterChapterNumber,
		query.Offset,
		query.Limit,
	)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUnlock, errorCodeList, err)
	}
	chapters, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (unlock.EligibleChapter, error) {
		var chapter unlock.EligibleChapter
		err := row.Scan(&chapter.ChapterID, &chapter.ChapterNumber, &chapter.Title, &chapter.Price)
		return chapter, err
	})
	if err != nil {
		return nil, wrapStoreError(errorSubjectUnlock, errorCodeList, err)
	}
	return chapters, nil
}
