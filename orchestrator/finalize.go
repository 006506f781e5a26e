package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lirevox.dev/common"
	"lirevox.dev/db"
)

// finalizeRetryDelay spaces out re-executions of a failed finalize task.
const finalizeRetryDelay = 5 * time.Second

// enqueueTimeout bounds control-path enqueues on their fresh context.
const enqueueTimeout = 30 * time.Second

// HandleFinalize is the broker handler for finalize tasks. A failed
// finalize re-enqueues itself up to the configured budget; past that the
// job is failed terminally so it cannot hang in processing forever.
func (o *Orchestrator) HandleFinalize(ctx context.Context, task common.TaskMessage) error {
	err := o.finalize(ctx, task)
	if err == nil {
		return nil
	}

	log := common.JobLogger(o.logger, task.JobID).WithField("attempt", task.Attempt)
	if task.Attempt+1 >= o.finalizeMaxRetries {
		log.WithError(err).Error("finalize budget exhausted, failing job")
		message := "Finalization failed"
		zero := 0
		if _, cerr := o.jobs.CompleteTerminal(task.JobID, common.JobFailed, &message, &zero, &zero, nil); cerr != nil {
			return fmt.Errorf("finalize failed and terminal commit failed: %w", cerr)
		}
		o.publisher.Publish(ctx, task.JobID)
		return err
	}

	retry := task
	retry.TaskID = uuid.NewString()
	retry.Attempt++
	if enqErr := o.enqueue(retry, finalizeRetryDelay); enqErr != nil {
		return fmt.Errorf("finalize failed and retry enqueue failed: %w", enqErr)
	}
	log.WithError(err).Warn("finalize failed, retry scheduled")
	return err
}

func (o *Orchestrator) finalize(ctx context.Context, task common.TaskMessage) error {
	job, err := o.jobs.Get(task.JobID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if job.IsCancelled {
		return o.completeCancelled(ctx, job)
	}

	rows, err := o.chunks.ListForJob(job.ID)
	if err != nil {
		return err
	}

	var successes, retryable []db.JobChunk
	failed := 0
	for _, c := range rows {
		switch {
		case c.Status == common.ChunkSuccess:
			successes = append(successes, c)
		case (c.Status == common.ChunkFailed || c.Status == common.ChunkRetryScheduled) && c.CanRetry():
			retryable = append(retryable, c)
			failed++
		default:
			// Exhausted attempt budgets, plus anything the barrier
			// released in an unexpected state.
			failed++
		}
	}

	if len(retryable) > 0 && job.RetryCount < o.maxRetryRounds {
		started, err := o.startRetryRound(ctx, job, task, retryable)
		if err != nil {
			return err
		}
		if started {
			return nil
		}
	}

	return o.completeTerminal(ctx, job, rows, successes, failed)
}

// startRetryRound re-dispatches failed chunks that still have attempt
// budget as a new barrier round with a growing countdown. Returns
// started=false when every candidate left the retryable state before it
// could be scheduled; the caller then settles the job instead.
func (o *Orchestrator) startRetryRound(ctx context.Context, job *db.Job, task common.TaskMessage, retryable []db.JobChunk) (bool, error) {
	round := task.Round + 1
	delay := retryRoundDelay(task.Round)
	log := common.JobLogger(o.logger, job.ID)

	// Schedule first, arm after: the barrier must count exactly the
	// chunks that will arrive at it.
	var scheduled []int
	for _, c := range retryable {
		ok, err := o.chunks.ScheduleForRound(job.ID, c.ChunkID, false)
		if err != nil {
			return false, err
		}
		if !ok {
			log.WithField("chunk_id", c.ChunkID).Warn("chunk left retryable state before round start")
			continue
		}
		scheduled = append(scheduled, c.ChunkID)
	}
	if len(scheduled) == 0 {
		return false, nil
	}

	if err := o.jobs.IncrementRetryRound(job.ID); err != nil {
		return true, err
	}
	step := fmt.Sprintf("Retrying %d failed chunks (round %d)", len(scheduled), round)
	if err := o.jobs.ResetProgress(job.ID, 15, step); err != nil {
		return true, err
	}
	if err := o.jobs.ArmBarrier(job.ID, len(scheduled), round); err != nil {
		return true, err
	}

	for _, chunkID := range scheduled {
		retry := common.TaskMessage{
			TaskID:  uuid.NewString(),
			Type:    common.TaskChunkProcess,
			JobID:   job.ID,
			ChunkID: chunkID,
			Round:   round,
		}
		if err := o.enqueue(retry, delay); err != nil {
			return true, fmt.Errorf("failed to enqueue retry for chunk %d: %w", chunkID, err)
		}
	}

	o.publisher.Publish(ctx, job.ID)
	log.WithFields(logrus.Fields{
		"round":  round,
		"chunks": len(scheduled),
		"delay":  delay.String(),
	}).Info("retry round started")
	return true, nil
}

// completeTerminal merges the results, settles the ledger, snapshots
// history and commits the terminal status exactly once.
func (o *Orchestrator) completeTerminal(ctx context.Context, job *db.Job, rows, successes []db.JobChunk, failed int) error {
	sentences, totalTokens := mergeResults(successes)
	actualCredits := int(math.Ceil(float64(totalTokens) * job.PricingRate))

	status := common.JobCompleted
	var errMsg *string
	switch {
	case len(successes) == 0:
		status = common.JobFailed
		message := fmt.Sprintf("All %d chunks failed", len(rows))
		errMsg = &message
	case failed > 0:
		message := fmt.Sprintf("%d chunks failed permanently after %d rounds", failed, job.RetryCount+1)
		errMsg = &message
	}

	if err := o.credits.Finalize(job.UserID, job.ID, job.EstimatedCredits, actualCredits); err != nil {
		return err
	}

	historyID, err := o.snapshotHistory(job, sentences, totalTokens)
	if err != nil {
		return err
	}

	committed, err := o.jobs.CompleteTerminal(job.ID, status, errMsg, &totalTokens, &actualCredits, historyID)
	if err != nil {
		return err
	}
	if !committed {
		return nil
	}

	o.publisher.Publish(ctx, job.ID)
	common.JobLogger(o.logger, job.ID).WithFields(logrus.Fields{
		"status":    status,
		"sentences": len(sentences),
		"tokens":    totalTokens,
		"credits":   actualCredits,
	}).Info("job finalized")
	return nil
}

// snapshotHistory writes the user-visible record for a completed or
// failed job, reusing an existing one when a finalize retry already
// created it.
func (o *Orchestrator) snapshotHistory(job *db.Job, sentences []string, totalTokens int) (*uint, error) {
	existing, err := o.history.FindByJob(job.ID)
	if err == nil {
		return &existing.ID, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	blob, err := json.Marshal(sentences)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sentence snapshot: %w", err)
	}
	h := &db.History{
		UserID:        job.UserID,
		Filename:      job.Filename,
		SentencesJSON: string(blob),
		SentenceCount: len(sentences),
		TokenCount:    totalTokens,
		SettingsJSON:  job.SettingsJSON,
		JobID:         &job.ID,
	}
	if err := o.history.Create(h); err != nil {
		return nil, err
	}
	return &h.ID, nil
}

// mergeResults concatenates chunk sentences in chunk order and drops
// duplicates introduced by page overlap. Comparison is case- and
// whitespace-insensitive; the first occurrence wins.
func mergeResults(successes []db.JobChunk) ([]string, int) {
	var sentences []string
	seen := make(map[string]bool)
	totalTokens := 0

	for _, c := range successes {
		result, ok := c.Result()
		if !ok {
			continue
		}
		totalTokens += result.Tokens
		for _, s := range result.Sentences {
			key := dedupKey(s)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			sentences = append(sentences, s)
		}
	}
	return sentences, totalTokens
}

func dedupKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
