package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sqlUpsertJob = `
		insert into unlock_jobs(job_id, owner_user_id, state, snapshot, end_time, updated_at)
		values($1, $2, $3, $4::jsonb, $5, $6)
		on conflict (job_id) do update set
			state = excluded.state,
			snapshot = excluded.snapshot,
			end_time = excluded.end_time,
			updated_at = excluded.updated_at
	`

	sqlSelectJob = `select snapshot::text from unlock_jobs where job_id = $1`

	sqlDeleteTerminalJobs = `
		delete from unlock_jobs
		where state in ('COMPLETED', 'FAILED', 'CANCELLED') and end_time < $1
	`

	sqlSelectInterruptedJobs = `
		select snapshot::text from unlock_jobs
		where state not in ('COMPLETED', 'FAILED', 'CANCELLED')
		order by updated_at
	`
)

// JobStore implements unlock.JobStore by storing each snapshot as jsonb.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore returns a JobStore backed by a pgx pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func (store *JobStore) SaveJob(ctx context.Context, job unlock.Job) error {
	if err := saveJob(ctx, store.pool, job); err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeSave, err)
	}
	return nil
}

func (store *JobStore) LoadJob(ctx context.Context, jobID string) (unlock.Job, error) {
	var snapshot string
	err := store.pool.QueryRow(ctx, sqlSelectJob, jobID).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return unlock.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, fmt.Errorf("%w: %s", unlock.ErrJobNotFound, jobID))
	}
	if err != nil {
		return unlock.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	var job unlock.Job
	if err := json.Unmarshal([]byte(snapshot), &job); err != nil {
		return unlock.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return job, nil
}

func (store *JobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := store.pool.Exec(ctx, sqlDeleteTerminalJobs, cutoff.UTC())
	if err != nil {
		return 0, wrapStoreError(errorSubjectJob, errorCodeDelete, err)
	}
	return tag.RowsAffected(), nil
}

// ListInterrupted returns every snapshot persisted in a non-terminal state.
func (store *JobStore) ListInterrupted(ctx context.Context) ([]unlock.Job, error) {
	rows, err := store.pool.Query(ctx, sqlSelectInterruptedJobs)
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	snapshots, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	jobs := make([]unlock.Job, 0, len(snapshots))
	for _, snapshot := range snapshots {
		var job unlock.Job
		if err := json.Unmarshal([]byte(snapshot), &job); err != nil {
			return nil, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func saveJob(ctx context.Context, db querier, job unlock.Job) error {
	snapshot, err := json.Marshal(job)
	if err != nil {
		return err
	}
	updatedAt := job.UpdatedAt.UTC()
	if job.UpdatedAt.IsZero() {
		updatedAt = nowUTC()
	}
	var endTime *time.Time
	if job.EndTime != nil {
		value := job.EndTime.UTC()
		endTime = &value
	}
	_, err = db.Exec(ctx, sqlUpsertJob, job.JobID, job.OwnerUserID, string(job.State), string(snapshot), endTime, updatedAt)
	return err
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
