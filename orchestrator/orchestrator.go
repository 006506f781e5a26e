// Package orchestrator drives a job from accepted upload to terminal
// state: plan, split, dispatch, retry rounds, merge, accounting.
//
// The orchestrator itself holds no job state. Everything it decides is
// read from and written back to the relational store with compare-and-set
// transitions, so a crashed orchestrator run can be re-executed and
// every terminal commit happens exactly once.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lirevox.dev/common"
	"lirevox.dev/db"
	"lirevox.dev/ledger"
	"lirevox.dev/pdf"
	"lirevox.dev/planner"
	"lirevox.dev/progress"
	"lirevox.dev/queue"
	"lirevox.dev/splitter"
	"lirevox.dev/storage"
)

// Handler executes one task inline. Used to run single-chunk jobs
// without a broker round trip.
type Handler func(ctx context.Context, task common.TaskMessage) error

// Config wires the orchestrator dependencies.
type Config struct {
	Jobs      *db.JobStore
	Chunks    *db.ChunkStore
	History   *db.HistoryStore
	Credits   *ledger.Service
	Splitter  *splitter.Splitter
	Extractor pdf.Extractor
	Broker    queue.Broker
	Publisher progress.Publisher
	Logger    *logrus.Logger

	// Payloads, when set, serves documents stored out-of-band by the
	// dispatch endpoint.
	Payloads storage.PayloadStore

	// Inline, when set, runs the chunk task of single-chunk jobs
	// synchronously instead of enqueueing it.
	Inline Handler

	// MaxRetryRounds bounds orchestrated re-dispatch rounds per job.
	MaxRetryRounds int
	// FinalizeMaxRetries bounds re-executions of the finalize task.
	FinalizeMaxRetries int
}

// Orchestrator coordinates the job pipeline.
type Orchestrator struct {
	jobs      *db.JobStore
	chunks    *db.ChunkStore
	history   *db.HistoryStore
	credits   *ledger.Service
	splitter  *splitter.Splitter
	extractor pdf.Extractor
	broker    queue.Broker
	publisher progress.Publisher
	payloads  storage.PayloadStore
	inline    Handler
	logger    *logrus.Logger

	maxRetryRounds     int
	finalizeMaxRetries int
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = common.Logger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = progress.Noop{}
	}
	finalizeMax := cfg.FinalizeMaxRetries
	if finalizeMax < 1 {
		finalizeMax = 10
	}
	return &Orchestrator{
		jobs:               cfg.Jobs,
		chunks:             cfg.Chunks,
		history:            cfg.History,
		credits:            cfg.Credits,
		splitter:           cfg.Splitter,
		extractor:          cfg.Extractor,
		broker:             cfg.Broker,
		publisher:          publisher,
		payloads:           cfg.Payloads,
		inline:             cfg.Inline,
		logger:             logger,
		maxRetryRounds:     cfg.MaxRetryRounds,
		finalizeMaxRetries: finalizeMax,
	}
}

// HandleRun is the broker handler for the primary pass. The uploaded
// document travels through the job row or the payload store, never the
// task message.
func (o *Orchestrator) HandleRun(ctx context.Context, task common.TaskMessage) error {
	log := common.JobLogger(o.logger, task.JobID)

	job, err := o.jobs.Get(task.JobID)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn("run task for unknown job, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status != common.JobPending {
		log.Debug("job already dispatched, dropping redelivery")
		return nil
	}
	if job.IsCancelled {
		return o.completeCancelled(ctx, job)
	}

	doc, err := o.loadDocument(ctx, job)
	if err != nil {
		log.WithError(err).Warn("stored document unavailable")
		return o.failEarly(ctx, job, "Could not read the uploaded PDF")
	}
	if err := o.Run(ctx, task.JobID, doc); err != nil {
		return err
	}
	o.clearDocument(ctx, job)
	return nil
}

func (o *Orchestrator) loadDocument(ctx context.Context, job *db.Job) ([]byte, error) {
	if job.DocumentB64 != "" {
		return base64.StdEncoding.DecodeString(job.DocumentB64)
	}
	if job.DocumentURL == "" {
		return nil, errors.New("job has no stored document")
	}
	if o.payloads == nil {
		return nil, errors.New("no payload store configured")
	}
	return o.payloads.Fetch(ctx, job.DocumentURL)
}

// clearDocument drops the stored upload once the chunk rows carry their
// own payloads. Best-effort; a leftover blob is only wasted space.
func (o *Orchestrator) clearDocument(ctx context.Context, job *db.Job) {
	if err := o.jobs.ClearDocument(job.ID); err != nil {
		common.JobLogger(o.logger, job.ID).WithError(err).Warn("failed to clear stored document")
	}
	if job.DocumentURL != "" && o.payloads != nil {
		if err := o.payloads.Delete(ctx, job.DocumentURL); err != nil {
			common.JobLogger(o.logger, job.ID).WithError(err).Warn("failed to delete stored document")
		}
	}
}

// Run takes a pending job through plan, split and dispatch. Re-entry for
// a job that already left pending is a no-op.
func (o *Orchestrator) Run(ctx context.Context, jobID uint, doc []byte) error {
	log := common.JobLogger(o.logger, jobID)

	job, err := o.jobs.Get(jobID)
	if err != nil {
		return err
	}

	if job.IsCancelled {
		return o.completeCancelled(ctx, job)
	}

	committed, err := o.jobs.MarkProcessing(jobID, "Analyzing PDF", 5)
	if err != nil {
		return err
	}
	if !committed {
		log.Debug("job already left pending, skipping run")
		return nil
	}
	o.publisher.Publish(ctx, jobID)

	pageCount, err := o.extractor.PageCount(ctx, doc)
	if err != nil {
		log.WithError(err).Warn("page count failed")
		return o.failEarly(ctx, job, "Could not read the uploaded PDF")
	}

	plan := planner.Compute(pageCount, job.Model)
	if err := o.jobs.SetPlan(jobID, plan.NumChunks); err != nil {
		return err
	}
	if err := o.jobs.UpdateProgress(jobID, 10, "Splitting PDF"); err != nil {
		return err
	}
	o.publisher.Publish(ctx, jobID)

	rows, err := o.splitter.Split(ctx, jobID, doc, pageCount, plan)
	if err != nil {
		log.WithError(err).Warn("split failed")
		return o.failEarly(ctx, job, "Could not split the PDF into chunks")
	}

	step := fmt.Sprintf("Processing chunks (0/%d)", len(rows))
	if err := o.jobs.UpdateProgress(jobID, 15, step); err != nil {
		return err
	}
	if err := o.jobs.ArmBarrier(jobID, len(rows), 0); err != nil {
		return err
	}
	o.publisher.Publish(ctx, jobID)

	log.WithFields(logrus.Fields{
		"pages":    pageCount,
		"chunks":   len(rows),
		"strategy": plan.Strategy,
	}).Info("job dispatched")

	if len(rows) == 1 && o.inline != nil {
		task := common.TaskMessage{
			TaskID:  uuid.NewString(),
			Type:    common.TaskChunkProcess,
			JobID:   jobID,
			ChunkID: rows[0].ChunkID,
		}
		return o.inline(ctx, task)
	}

	// Only the plan's parallel group goes out now. Workers pull the next
	// undispatched chunk each time one finishes.
	wave := plan.ParallelWorkers
	if wave < 1 || wave > len(rows) {
		wave = len(rows)
	}
	for i := 0; i < wave; i++ {
		if err := o.dispatchNext(jobID); err != nil {
			return err
		}
	}
	return nil
}

// dispatchNext stamps the lowest undispatched pending chunk with a task
// id and enqueues it.
func (o *Orchestrator) dispatchNext(jobID uint) error {
	taskID := uuid.NewString()
	chunk, ok, err := o.chunks.ClaimNextDispatch(jobID, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	task := common.TaskMessage{
		TaskID:  taskID,
		Type:    common.TaskChunkProcess,
		JobID:   jobID,
		ChunkID: chunk.ChunkID,
	}
	if err := o.enqueue(task, 0); err != nil {
		return fmt.Errorf("failed to enqueue chunk %d: %w", chunk.ChunkID, err)
	}
	return nil
}

// enqueue publishes a control task on a fresh context. Dispatch and
// retry-round enqueues must not die with the task context that
// triggered them.
func (o *Orchestrator) enqueue(task common.TaskMessage, delay time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	return o.broker.Enqueue(ctx, task, delay)
}

// failEarly terminates a job that broke before any chunk ran and gives
// the full reserve back.
func (o *Orchestrator) failEarly(ctx context.Context, job *db.Job, message string) error {
	zero := 0
	committed, err := o.jobs.CompleteTerminal(job.ID, common.JobFailed, &message, &zero, &zero, nil)
	if err != nil {
		return err
	}
	if committed {
		if err := o.credits.Refund(job.UserID, job.ID, job.EstimatedCredits); err != nil {
			return err
		}
		o.publisher.Publish(ctx, job.ID)
	}
	return nil
}

// completeCancelled commits the cancelled terminal state and refunds the
// reserve. Safe to call repeatedly.
func (o *Orchestrator) completeCancelled(ctx context.Context, job *db.Job) error {
	committed, err := o.jobs.CompleteTerminal(job.ID, common.JobCancelled, nil, nil, nil, nil)
	if err != nil {
		return err
	}
	if committed {
		if err := o.credits.Refund(job.UserID, job.ID, job.EstimatedCredits); err != nil {
			return err
		}
		o.publisher.Publish(ctx, job.ID)
		common.JobLogger(o.logger, job.ID).Info("job cancelled")
	}
	return nil
}

// retryRoundDelay is the countdown before a retry round's chunks run:
// 10s doubling per round, capped at 5 minutes.
func retryRoundDelay(completedRound int) time.Duration {
	delay := 10 * time.Second
	for i := 0; i < completedRound; i++ {
		delay *= 2
		if delay >= 300*time.Second {
			return 300 * time.Second
		}
	}
	return delay
}
