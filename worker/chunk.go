package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lirevox.dev/common"
	"lirevox.dev/db"
	"lirevox.dev/llm"
	"lirevox.dev/pdf"
	"lirevox.dev/progress"
	"lirevox.dev/quality"
	"lirevox.dev/queue"
	"lirevox.dev/storage"
)

// maxRetryBackoff caps the in-worker exponential retry delay.
const maxRetryBackoff = 60 * time.Second

// enqueueTimeout bounds control-path enqueues (retries, finalize,
// dispatch refills). These run on a fresh context: the task context may
// already be past its soft deadline when an outcome has to be recorded.
const enqueueTimeout = 30 * time.Second

// ChunkProcessor executes one chunk task: claim, decode, extract,
// normalize, gate, persist. Every terminal outcome (success, permanent
// failure, retry budget exhausted) arrives at the job's completion
// barrier; a scheduled retry does not, the chunk is still in flight.
type ChunkProcessor struct {
	jobs      *db.JobStore
	chunks    *db.ChunkStore
	payloads  storage.PayloadStore
	extractor pdf.Extractor
	client    llm.Client
	gate      *quality.Gate
	broker    queue.Broker
	publisher progress.Publisher
	logger    *logrus.Logger

	retryDelay time.Duration
	llmTimeout time.Duration
}

// ChunkProcessorConfig wires the processor dependencies.
type ChunkProcessorConfig struct {
	Jobs      *db.JobStore
	Chunks    *db.ChunkStore
	Payloads  storage.PayloadStore
	Extractor pdf.Extractor
	Client    llm.Client
	Gate      *quality.Gate
	Broker    queue.Broker
	Publisher progress.Publisher
	Logger    *logrus.Logger

	// RetryDelay is the backoff base; attempt n waits
	// min(RetryDelay * 2^(n-1), 60s).
	RetryDelay time.Duration
	// LLMTimeout bounds one normalization call.
	LLMTimeout time.Duration
}

// NewChunkProcessor creates the processor.
func NewChunkProcessor(cfg ChunkProcessorConfig) *ChunkProcessor {
	logger := cfg.Logger
	if logger == nil {
		logger = common.Logger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = progress.Noop{}
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &ChunkProcessor{
		jobs:       cfg.Jobs,
		chunks:     cfg.Chunks,
		payloads:   cfg.Payloads,
		extractor:  cfg.Extractor,
		client:     cfg.Client,
		gate:       cfg.Gate,
		broker:     cfg.Broker,
		publisher:  publisher,
		logger:     logger,
		retryDelay: retryDelay,
		llmTimeout: cfg.LLMTimeout,
	}
}

// Process handles one chunk task end to end.
func (p *ChunkProcessor) Process(ctx context.Context, task common.TaskMessage) error {
	log := common.ChunkLogger(p.logger, task.JobID, task.ChunkID)

	chunk, err := p.chunks.Get(task.JobID, task.ChunkID)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn("chunk task for unknown chunk, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	// Redelivered task for a chunk that already finished: nothing to do.
	if chunk.Status == common.ChunkSuccess {
		log.Debug("chunk already succeeded, dropping redelivery")
		return nil
	}

	job, err := p.jobs.Get(task.JobID)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn("chunk task for unknown job, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	if job.IsCancelled {
		if ok, err := p.chunks.MarkFailed(task.JobID, task.ChunkID, common.ErrCodeCancelled, "job cancelled"); err != nil {
			return err
		} else if ok {
			return p.arrive(task, log)
		}
		return nil
	}

	claimed, ok, err := p.chunks.Claim(task.JobID, task.ChunkID, task.TaskID)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("chunk not claimable, dropping stale task")
		return nil
	}

	payload, err := p.loadPayload(ctx, claimed)
	if err != nil {
		if ctx.Err() != nil {
			return p.failChunk(task, log, common.ErrCodeTimeout, "chunk deadline exceeded")
		}
		return p.transientFailure(task, claimed, log, common.ErrCodeTransient, fmt.Sprintf("payload fetch failed: %v", err))
	}

	text, err := p.extractor.Text(ctx, payload)
	if err != nil {
		if ctx.Err() != nil {
			return p.failChunk(task, log, common.ErrCodeTimeout, "chunk deadline exceeded")
		}
		return p.failChunk(task, log, common.ErrCodeProcessing, fmt.Sprintf("text extraction failed: %v", err))
	}
	if strings.TrimSpace(text) == "" {
		return p.failChunk(task, log, common.ErrCodeNoText, "no extractable text in chunk")
	}

	settings := job.Settings()
	llmCtx := ctx
	if p.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, p.llmTimeout)
		defer cancel()
	}

	result, err := p.client.Normalize(llmCtx, text, settings)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// The task's soft deadline, not the per-call limit. The chunk
			// fails here and keeps its remaining budget for a retry round.
			return p.failChunk(task, log, common.ErrCodeTimeout, "chunk deadline exceeded")
		case errors.Is(err, context.DeadlineExceeded):
			return p.transientFailure(task, claimed, log, common.ErrCodeTransient, "normalization timed out")
		case llm.IsTransient(err):
			return p.transientFailure(task, claimed, log, common.ErrCodeTransient, fmt.Sprintf("normalization failed: %v", err))
		default:
			return p.failChunk(task, log, common.ErrCodeProcessing, fmt.Sprintf("normalization failed: %v", err))
		}
	}

	kept, rejected := p.gate.ValidateBatch(result.Sentences, quality.ConfigFromSettings(settings))
	if len(rejected) > 0 {
		log.WithFields(logrus.Fields{
			"kept":     len(kept),
			"rejected": len(rejected),
		}).Info("quality gate dropped sentences")
	}

	resultJSON, err := json.Marshal(common.ChunkResult{Sentences: kept, Tokens: result.Tokens})
	if err != nil {
		return p.failChunk(task, log, common.ErrCodeProcessing, "failed to encode chunk result")
	}

	committed, err := p.chunks.MarkSuccess(task.JobID, task.ChunkID, string(resultJSON))
	if err != nil {
		return err
	}
	if !committed {
		// Lost a race against the watchdog or a cancel; the winner
		// arrives at the barrier.
		log.Warn("chunk success not committed, state moved underneath")
		return nil
	}

	if _, err := p.jobs.NoteChunkSuccess(task.JobID); err != nil {
		return err
	}
	p.publisher.Publish(ctx, task.JobID)

	log.WithField("sentences", len(kept)).Info("chunk processed")
	return p.arrive(task, log)
}

func (p *ChunkProcessor) loadPayload(ctx context.Context, chunk *db.JobChunk) ([]byte, error) {
	if chunk.PayloadB64 != "" {
		return base64.StdEncoding.DecodeString(chunk.PayloadB64)
	}
	if chunk.PayloadURL == "" {
		return nil, errors.New("chunk has no payload")
	}
	if p.payloads == nil {
		return nil, errors.New("no payload store configured")
	}
	return p.payloads.Fetch(ctx, chunk.PayloadURL)
}

// transientFailure schedules an in-worker retry with exponential backoff,
// or fails the chunk when the attempt budget is spent.
func (p *ChunkProcessor) transientFailure(task common.TaskMessage, chunk *db.JobChunk, log *logrus.Entry, code, message string) error {
	scheduled, err := p.chunks.MarkRetryScheduled(task.JobID, task.ChunkID, code, message)
	if err != nil {
		return err
	}
	if !scheduled {
		return p.failChunk(task, log, code, message)
	}

	delay := p.backoff(chunk.Attempts)
	retry := common.TaskMessage{
		TaskID:  uuid.NewString(),
		Type:    common.TaskChunkProcess,
		JobID:   task.JobID,
		ChunkID: task.ChunkID,
		Round:   task.Round,
	}
	if err := p.enqueue(retry, delay); err != nil {
		return fmt.Errorf("failed to enqueue chunk retry: %w", err)
	}

	log.WithFields(logrus.Fields{
		"code":    code,
		"attempt": chunk.Attempts,
		"delay":   delay.String(),
	}).Warn("chunk retry scheduled")
	return nil
}

// failChunk records the failure and arrives at the barrier. Whether the
// chunk is picked up again by a retry round depends on its remaining
// attempt budget, not on the failure code.
func (p *ChunkProcessor) failChunk(task common.TaskMessage, log *logrus.Entry, code, message string) error {
	ok, err := p.chunks.MarkFailed(task.JobID, task.ChunkID, code, message)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	log.WithField("code", code).Warn("chunk failed")
	return p.arrive(task, log)
}

// arrive refills the dispatch window and decrements the job's completion
// barrier. The arrival observing zero schedules the finalize task for the
// round.
func (p *ChunkProcessor) arrive(task common.TaskMessage, log *logrus.Entry) error {
	p.dispatchNext(task.JobID, task.Round, log)

	last, err := p.jobs.BarrierArrive(task.JobID, task.Round)
	if err != nil {
		return err
	}
	if !last {
		return nil
	}

	finalize := common.TaskMessage{
		TaskID: uuid.NewString(),
		Type:   common.TaskJobFinalize,
		JobID:  task.JobID,
		Round:  task.Round,
	}
	if err := p.enqueue(finalize, 0); err != nil {
		return fmt.Errorf("failed to enqueue finalize: %w", err)
	}
	log.WithField("round", task.Round).Info("all chunks arrived, finalize scheduled")
	return nil
}

// dispatchNext hands a task to the next pending chunk that never got one.
// The primary dispatch enqueues only the plan's parallel group; every
// finished chunk pulls one more in here until the job runs dry.
func (p *ChunkProcessor) dispatchNext(jobID uint, round int, log *logrus.Entry) {
	taskID := uuid.NewString()
	chunk, ok, err := p.chunks.ClaimNextDispatch(jobID, taskID)
	if err != nil {
		log.WithError(err).Warn("failed to claim next chunk for dispatch")
		return
	}
	if !ok {
		return
	}
	next := common.TaskMessage{
		TaskID:  taskID,
		Type:    common.TaskChunkProcess,
		JobID:   jobID,
		ChunkID: chunk.ChunkID,
		Round:   round,
	}
	if err := p.enqueue(next, 0); err != nil {
		log.WithError(err).WithField("chunk_id", chunk.ChunkID).Error("failed to enqueue next chunk")
	}
}

// enqueue publishes a control task on a fresh context, detached from the
// (possibly expired) task context of the caller.
func (p *ChunkProcessor) enqueue(task common.TaskMessage, delay time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	return p.broker.Enqueue(ctx, task, delay)
}

func (p *ChunkProcessor) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}
	return delay
}
