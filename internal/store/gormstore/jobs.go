package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var terminalStates = []string{
	string(unlock.StateCompleted),
	string(unlock.StateFailed),
	string(unlock.StateCancelled),
}

// JobStore implements unlock.JobStore by storing each snapshot as JSON.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by gorm.DB.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (store *JobStore) SaveJob(ctx context.Context, job unlock.Job) error {
	row, err := jobRow(job)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "snapshot", "end_time", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeSave, err)
	}
	return nil
}

func (store *JobStore) LoadJob(ctx context.Context, jobID string) (unlock.Job, error) {
	var row UnlockJob
	err := store.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return unlock.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, fmt.Errorf("%w: %s", unlock.ErrJobNotFound, jobID))
	}
	if err != nil {
		return unlock.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	var job unlock.Job
	if err := json.Unmarshal(row.Snapshot, &job); err != nil {
		return unlock.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return job, nil
}

func (store *JobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("state IN ? AND end_time < ?", terminalStates, cutoff.UTC()).
		Delete(&UnlockJob{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectJob, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

// ListInterrupted returns every snapshot persisted in a non-terminal state.
func (store *JobStore) ListInterrupted(ctx context.Context) ([]unlock.Job, error) {
	var rows []UnlockJob
	err := store.db.WithContext(ctx).
		Where("state NOT IN ?", terminalStates).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	jobs := make([]unlock.Job, 0, len(rows))
	for _, row := range rows {
		var job unlock.Job
		if err := json.Unmarshal(row.Snapshot, &job); err != nil {
			return nil, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func jobRow(job unlock.Job) (UnlockJob, error) {
	snapshot, err := json.Marshal(job)
	if err != nil {
		return UnlockJob{}, err
	}
	updatedAt := job.UpdatedAt.UTC()
	if job.UpdatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	var endTime *time.Time
	if job.EndTime != nil {
		value := job.EndTime.UTC()
		endTime = &value
	}
	return UnlockJob{
		JobID:       job.JobID,
		OwnerUserID: job.OwnerUserID,
		State:       string(job.State),
		Snapshot:    datatypes.JSON(snapshot),
		EndTime:     endTime,
		UpdatedAt:   updatedAt,
	}, nil
}
