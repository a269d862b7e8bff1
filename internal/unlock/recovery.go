package unlock

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"go.uber.org/zap"
)

// RecoverInterrupted settles the jobs a previous process left PENDING or
// PROCESSING. A charged job keeps the discounted price of the chapters its
// unlock records show, records that amount under the job's ledger key and
// credits back the rest. Progress is not resumed. It returns how many jobs
// were settled.
func (executor *Executor) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := executor.registry.interruptedJobs(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, job := range jobs {
		if err := executor.recoverJob(ctx, job); err != nil {
			return recovered, fmt.Errorf("recover job %s: %w", job.JobID, err)
		}
		recovered++
	}
	return recovered, nil
}

func (executor *Executor) recoverJob(ctx context.Context, job Job) error {
	logger := executor.logger.With(zap.String("job_id", job.JobID), zap.String("user_id", job.OwnerUserID))
	message := interruptedJobMessage
	if job.AmountCharged > 0 {
		settled, err := executor.settleInterrupted(ctx, &job, logger)
		if err != nil {
			return err
		}
		message = fmt.Sprintf("%s; %s", interruptedJobMessage, settled)
	}

	endTime := executor.now()
	job.State = StateFailed
	job.Message = message
	job.MainError = interruptedJobMessage
	job.ErrorMessages = append(job.ErrorMessages, interruptedJobMessage)
	job.EndTime = &endTime
	if err := executor.registry.saveRecovered(ctx, job); err != nil {
		return err
	}
	logger.Warn("interrupted unlock job settled",
		zap.Int64("charged", job.AmountCharged),
		zap.Int("unlocked", job.SuccessCount),
		zap.String("message", message),
	)
	return nil
}

// settleInterrupted charges job for what its unlock records show and returns a
// short description of the outcome.
func (executor *Executor) settleInterrupted(ctx context.Context, job *Job, logger *zap.Logger) (string, error) {
	userID, err := ledger.NewUserID(job.OwnerUserID)
	if err != nil {
		return "", err
	}
	totals, err := executor.unlocks.SumJobUnlocks(ctx, job.JobID)
	if err != nil {
		return "", err
	}
	story, err := executor.catalog.GetStory(ctx, job.Target.StoryID)
	if err != nil {
		story = Story{StoryID: job.Target.StoryID}
	}
	run := &jobRun{
		executor: executor,
		job:      *job,
		userID:   userID,
		story:    story,
		failures: newErrorAggregator(),
		logger:   logger,
	}
	run.job.SuccessCount = max(run.job.SuccessCount, totals.Count)
	run.job.TotalItemsProcessed = max(run.job.TotalItemsProcessed, totals.Count)
	defer func() { *job = run.job }()

	consumed := applyDiscount(totals.OriginalTotal, DiscountBasisPoints(job.TotalItemsRequested, job.Target.Mode))
	consumed = min(consumed, job.AmountCharged)
	if consumed > 0 {
		recorded, err := run.recordLedgerEntry(consumed, run.job.SuccessCount, StateFailed)
		if err != nil {
			return "", err
		}
		if !recorded {
			return "already settled", nil
		}
	}

	refund := job.AmountCharged - consumed
	run.job.AmountCharged = consumed
	if refund <= 0 {
		return fmt.Sprintf("charged %d", consumed), nil
	}
	// The lowered charge is stored before the credit so a second recovery
	// cannot refund twice.
	if err := executor.registry.saveRecovered(ctx, run.job); err != nil {
		return "", err
	}
	amount, err := ledger.NewPositiveStones(refund)
	if err != nil {
		return "", err
	}
	err = executor.retry.Do(ctx, func(ctx context.Context) error {
		_, err := executor.wallet.Credit(ctx, userID, amount)
		return err
	}, nil)
	if err != nil {
		logger.Error("interrupted job refund failed", zap.Int64("refund", refund), zap.Error(err))
		return fmt.Sprintf("refund of %d failed", refund), nil
	}
	return fmt.Sprintf("refunded %d", refund), nil
}
