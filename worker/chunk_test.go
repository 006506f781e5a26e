package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lirevox.dev/common"
	"lirevox.dev/db"
	"lirevox.dev/llm"
	"lirevox.dev/pdf"
	"lirevox.dev/quality"
)

func newProcessor(jobs *db.JobStore, chunks *db.ChunkStore, broker *fakeBroker, extractor pdf.Extractor, client llm.Client) *ChunkProcessor {
	return NewChunkProcessor(ChunkProcessorConfig{
		Jobs:       jobs,
		Chunks:     chunks,
		Extractor:  extractor,
		Client:     client,
		Gate:       quality.NewGate(nil, nil),
		Broker:     broker,
		RetryDelay: 2 * time.Second,
	})
}

func chunkTask(jobID uint, chunkID int) common.TaskMessage {
	return common.TaskMessage{
		TaskID:  "task-1",
		Type:    common.TaskChunkProcess,
		JobID:   jobID,
		ChunkID: chunkID,
		Round:   0,
	}
}

func TestProcessSuccess(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 1, 3)

	broker := newFakeBroker()
	client := &fakeLLM{result: llm.Result{
		Sentences: []string{"Le chat est doux.", "il manque une majuscule."},
		Tokens:    1200,
	}}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "Texte du chapitre."}, client)

	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))

	chunk, err := chunks.Get(job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkSuccess, chunk.Status)
	assert.Equal(t, 1, chunk.Attempts)

	result, ok := chunk.Result()
	require.True(t, ok)
	// The gate dropped the uncapitalized sentence.
	assert.Equal(t, []string{"Le chat est doux."}, result.Sentences)
	assert.Equal(t, 1200, result.Tokens)

	fresh, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.ProcessedChunks)
	assert.Equal(t, 75, fresh.ProgressPercent)

	// Last barrier arrival schedules the finalize task.
	finalize := broker.byType(common.TaskJobFinalize)
	require.Len(t, finalize, 1)
	assert.Equal(t, job.ID, finalize[0].task.JobID)
	assert.Equal(t, 0, finalize[0].task.Round)
}

func TestProcessNotLastArrival(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 3, 3)

	broker := newFakeBroker()
	client := &fakeLLM{result: llm.Result{Sentences: []string{"Le chat est doux."}, Tokens: 100}}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "Texte."}, client)

	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))

	assert.Empty(t, broker.byType(common.TaskJobFinalize))
	fresh, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.BarrierPending)
}

func TestProcessNoTextFailsPermanently(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 1, 3)

	broker := newFakeBroker()
	client := &fakeLLM{}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "   \n  "}, client)

	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))

	chunk, err := chunks.Get(job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkFailed, chunk.Status)
	assert.Equal(t, common.ErrCodeNoText, chunk.LastErrorCode)
	assert.Zero(t, client.callCount())

	require.Len(t, broker.byType(common.TaskJobFinalize), 1)
}

func TestProcessTransientErrorSchedulesRetry(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 1, 3)

	broker := newFakeBroker()
	client := &fakeLLM{err: llm.Transient(errors.New("upstream 503"))}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "Texte."}, client)

	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))

	chunk, err := chunks.Get(job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkRetryScheduled, chunk.Status)
	assert.Equal(t, common.ErrCodeTransient, chunk.LastErrorCode)
	assert.Equal(t, 1, chunk.Attempts)

	retries := broker.byType(common.TaskChunkProcess)
	require.Len(t, retries, 1)
	assert.Equal(t, 2*time.Second, retries[0].delay)
	assert.NotEqual(t, "task-1", retries[0].task.TaskID)

	// Chunk is still in flight: no barrier arrival, no finalize.
	assert.Empty(t, broker.byType(common.TaskJobFinalize))
}

func TestProcessLLMTimeoutSchedulesRetry(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 1, 3)

	broker := newFakeBroker()
	client := &fakeLLM{err: context.DeadlineExceeded}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "Texte."}, client)

	// The per-call limit fired but the task itself has time left: the
	// timeout counts as a transient failure.
	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))

	chunk, err := chunks.Get(job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkRetryScheduled, chunk.Status)
	assert.Equal(t, common.ErrCodeTransient, chunk.LastErrorCode)
	require.Len(t, broker.byType(common.TaskChunkProcess), 1)
}

func TestProcessSoftDeadlineFailsChunk(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 1, 3)

	broker := newFakeBroker()
	client := &fakeLLM{err: context.DeadlineExceeded}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "Texte."}, client)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	require.NoError(t, p.Process(ctx, chunkTask(job.ID, 0)))

	// Past the task deadline the chunk fails with TIMEOUT and arrives at
	// the barrier; no in-worker retry on the dead context.
	chunk, err := chunks.Get(job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkFailed, chunk.Status)
	assert.Equal(t, common.ErrCodeTimeout, chunk.LastErrorCode)
	assert.Equal(t, 1, chunk.Attempts)

	assert.Empty(t, broker.byType(common.TaskChunkProcess))
	require.Len(t, broker.byType(common.TaskJobFinalize), 1)
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 1, 1)

	broker := newFakeBroker()
	client := &fakeLLM{err: llm.Transient(errors.New("upstream 503"))}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "Texte."}, client)

	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))

	chunk, err := chunks.Get(job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkFailed, chunk.Status)
	assert.Empty(t, broker.byType(common.TaskChunkProcess))
	require.Len(t, broker.byType(common.TaskJobFinalize), 1)
}

func TestProcessPermanentLLMError(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 1, 3)

	broker := newFakeBroker()
	client := &fakeLLM{err: errors.New("prompt rejected")}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "Texte."}, client)

	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))

	chunk, err := chunks.Get(job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkFailed, chunk.Status)
	assert.Equal(t, common.ErrCodeProcessing, chunk.LastErrorCode)
}

func TestProcessIdempotentOnSucceededChunk(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 2, 3)

	// First delivery succeeds.
	broker := newFakeBroker()
	client := &fakeLLM{result: llm.Result{Sentences: []string{"Le chat est doux."}, Tokens: 100}}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "Texte."}, client)
	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))

	// Redelivery of the same chunk must not touch anything.
	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))

	assert.Equal(t, 1, client.callCount())
	fresh, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.ProcessedChunks)
	assert.Equal(t, 1, fresh.BarrierPending)
}

func TestProcessCancelledJob(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 1, 3)

	flagged, err := jobs.RequestCancel(job.ID)
	require.NoError(t, err)
	require.True(t, flagged)

	broker := newFakeBroker()
	client := &fakeLLM{}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "Texte."}, client)

	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))

	chunk, err := chunks.Get(job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkFailed, chunk.Status)
	assert.Equal(t, common.ErrCodeCancelled, chunk.LastErrorCode)
	assert.Zero(t, client.callCount())
	require.Len(t, broker.byType(common.TaskJobFinalize), 1)
}

func TestArrivalDispatchesNextPendingChunk(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 3, 3)

	broker := newFakeBroker()
	client := &fakeLLM{result: llm.Result{Sentences: []string{"Le chat est doux."}, Tokens: 100}}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "Texte."}, client)

	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))

	// One slot freed, one undispatched chunk pulled in.
	next := broker.byType(common.TaskChunkProcess)
	require.Len(t, next, 1)
	assert.Equal(t, 1, next[0].task.ChunkID)
	assert.Equal(t, 0, next[0].task.Round)

	chunk, err := chunks.Get(job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkPending, chunk.Status)
	assert.Equal(t, next[0].task.TaskID, chunk.TaskID)
}

func TestProcessStaleClaimDropped(t *testing.T) {
	jobs, chunks := openStores(t)
	job := seedJob(t, jobs, chunks, 1, 3)

	// Another worker holds the claim.
	_, ok, err := chunks.Claim(job.ID, 0, "other-task")
	require.NoError(t, err)
	require.True(t, ok)

	broker := newFakeBroker()
	client := &fakeLLM{}
	p := newProcessor(jobs, chunks, broker, &pdf.FakeExtractor{DefaultText: "Texte."}, client)

	require.NoError(t, p.Process(context.Background(), chunkTask(job.ID, 0)))
	assert.Zero(t, client.callCount())
	assert.Empty(t, broker.all())
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := NewChunkProcessor(ChunkProcessorConfig{RetryDelay: 2 * time.Second})

	assert.Equal(t, 2*time.Second, p.backoff(1))
	assert.Equal(t, 4*time.Second, p.backoff(2))
	assert.Equal(t, 8*time.Second, p.backoff(3))
	assert.Equal(t, 60*time.Second, p.backoff(10))
}
