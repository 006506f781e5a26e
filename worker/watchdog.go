package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lirevox.dev/common"
	"lirevox.dev/db"
	"lirevox.dev/queue"
)

// Watchdog sweeps chunks stuck in processing past a threshold. A worker
// that died mid-chunk leaves the row in processing forever; the sweep
// either reschedules the chunk (budget permitting) or fails it and
// arrives at the barrier on its behalf.
type Watchdog struct {
	jobs      *db.JobStore
	chunks    *db.ChunkStore
	broker    queue.Broker
	threshold time.Duration
	interval  time.Duration
	logger    *logrus.Logger
}

// NewWatchdog creates the sweep.
func NewWatchdog(jobs *db.JobStore, chunks *db.ChunkStore, broker queue.Broker, threshold, interval time.Duration, logger *logrus.Logger) *Watchdog {
	if logger == nil {
		logger = common.Logger
	}
	return &Watchdog{
		jobs:      jobs,
		chunks:    chunks,
		broker:    broker,
		threshold: threshold,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.WithError(err).Error("stuck chunk sweep failed")
			}
		}
	}
}

// Sweep handles all currently stuck chunks and returns how many it
// touched.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	stuck, err := w.chunks.StuckProcessing(w.threshold)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, chunk := range stuck {
		if err := w.recover(ctx, chunk); err != nil {
			w.logger.WithError(err).WithFields(logrus.Fields{
				"job_id":   chunk.JobID,
				"chunk_id": chunk.ChunkID,
			}).Error("failed to recover stuck chunk")
			continue
		}
		handled++
	}
	return handled, nil
}

func (w *Watchdog) recover(ctx context.Context, chunk db.JobChunk) error {
	log := common.ChunkLogger(w.logger, chunk.JobID, chunk.ChunkID)

	job, err := w.jobs.Get(chunk.JobID)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn("stuck chunk for unknown job")
		return nil
	}
	if err != nil {
		return err
	}
	round := job.BarrierRound

	scheduled, err := w.chunks.MarkRetryScheduled(chunk.JobID, chunk.ChunkID,
		common.ErrCodeTimeout, "chunk exceeded stuck threshold")
	if err != nil {
		return err
	}
	if scheduled {
		task := common.TaskMessage{
			TaskID:  uuid.NewString(),
			Type:    common.TaskChunkProcess,
			JobID:   chunk.JobID,
			ChunkID: chunk.ChunkID,
			Round:   round,
		}
		if err := w.broker.Enqueue(ctx, task, 0); err != nil {
			return err
		}
		log.Warn("stuck chunk rescheduled")
		return nil
	}

	// Budget spent: fail the chunk and take its barrier arrival.
	failed, err := w.chunks.MarkFailed(chunk.JobID, chunk.ChunkID,
		common.ErrCodeTimeout, "chunk exceeded stuck threshold")
	if err != nil {
		return err
	}
	if !failed {
		return nil
	}
	log.Warn("stuck chunk failed permanently")

	last, err := w.jobs.BarrierArrive(chunk.JobID, round)
	if err != nil {
		return err
	}
	if last {
		finalize := common.TaskMessage{
			TaskID: uuid.NewString(),
			Type:   common.TaskJobFinalize,
			JobID:  chunk.JobID,
			Round:  round,
		}
		if err := w.broker.Enqueue(ctx, finalize, 0); err != nil {
			return err
		}
	}
	return nil
}
