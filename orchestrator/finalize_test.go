package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lirevox.dev/common"
)

func TestFinalizeCompletesJob(t *testing.T) {
	e := newEnv(t)
	job := e.seedJob(t, 50)
	e.seedChunks(t, job, []chunkOutcome{
		{sentences: []string{"Le chat dort.", "La nuit tombe."}, tokens: 18000},
		// Overlap duplicate, differing only in whitespace and case.
		{sentences: []string{"la nuit  tombe.", "Il pleut dehors."}, tokens: 12000},
	})

	o := e.orchestrator(t, 2, nil)
	require.NoError(t, o.HandleFinalize(context.Background(), finalizeTask(job.ID, 0)))

	fresh, err := e.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, common.JobCompleted, fresh.Status)
	assert.Nil(t, fresh.ErrorMessage)
	assert.Equal(t, 100, fresh.ProgressPercent)
	require.NotNil(t, fresh.ActualTokens)
	assert.Equal(t, 30000, *fresh.ActualTokens)
	require.NotNil(t, fresh.ActualCredits)
	assert.Equal(t, 30, *fresh.ActualCredits)
	require.NotNil(t, fresh.CompletedAt)

	// Ledger settled to -actual: reserve -50, final +20.
	total, err := e.credits.JobTotal(job.ID)
	require.NoError(t, err)
	assert.Equal(t, -30, total)

	// History snapshot with the merged, deduplicated sentences.
	require.NotNil(t, fresh.HistoryID)
	h, err := e.history.GetForUser(*fresh.HistoryID, job.UserID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Le chat dort.", "La nuit tombe.", "Il pleut dehors."}, h.Sentences())
	assert.Equal(t, 3, h.SentenceCount)
	assert.Equal(t, 30000, h.TokenCount)
}

func TestFinalizePartialSuccess(t *testing.T) {
	e := newEnv(t)
	job := e.seedJob(t, 50)
	e.seedChunks(t, job, []chunkOutcome{
		{sentences: []string{"Le chat dort."}, tokens: 10000},
		{failCode: common.ErrCodeNoText, attempts: 3},
		{sentences: []string{"Il pleut dehors."}, tokens: 10000},
	})

	o := e.orchestrator(t, 2, nil)
	require.NoError(t, o.HandleFinalize(context.Background(), finalizeTask(job.ID, 0)))

	fresh, err := e.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, common.JobCompleted, fresh.Status)
	require.NotNil(t, fresh.ErrorMessage)
	assert.Equal(t, "1 chunks failed permanently after 1 rounds", *fresh.ErrorMessage)
	require.NotNil(t, fresh.HistoryID)
}

func TestFinalizeAllChunksFailed(t *testing.T) {
	e := newEnv(t)
	job := e.seedJob(t, 50)
	e.seedChunks(t, job, []chunkOutcome{
		{failCode: common.ErrCodeNoText, attempts: 3},
		{failCode: common.ErrCodeProcessing, attempts: 3},
	})

	o := e.orchestrator(t, 2, nil)
	require.NoError(t, o.HandleFinalize(context.Background(), finalizeTask(job.ID, 0)))

	fresh, err := e.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, common.JobFailed, fresh.Status)
	require.NotNil(t, fresh.ErrorMessage)
	assert.Equal(t, "All 2 chunks failed", *fresh.ErrorMessage)

	// Failed terminals still hand off a history record, with an empty
	// sentence snapshot.
	require.NotNil(t, fresh.HistoryID)
	h, err := e.history.GetForUser(*fresh.HistoryID, job.UserID)
	require.NoError(t, err)
	assert.Empty(t, h.Sentences())
	assert.Zero(t, h.SentenceCount)

	// Nothing consumed: the final entry reverses the whole reserve.
	total, err := e.credits.JobTotal(job.ID)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestFinalizeStartsRetryRound(t *testing.T) {
	e := newEnv(t)
	job := e.seedJob(t, 50)
	e.seedChunks(t, job, []chunkOutcome{
		{sentences: []string{"Le chat dort."}, tokens: 10000},
		{failCode: common.ErrCodeTransient},
		{sentences: []string{"Il pleut dehors."}, tokens: 10000},
	})

	o := e.orchestrator(t, 2, nil)
	require.NoError(t, o.HandleFinalize(context.Background(), finalizeTask(job.ID, 0)))

	fresh, err := e.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, common.JobProcessing, fresh.Status)
	assert.Equal(t, 1, fresh.RetryCount)
	assert.Equal(t, 1, fresh.BarrierPending)
	assert.Equal(t, 1, fresh.BarrierRound)
	assert.Equal(t, 15, fresh.ProgressPercent)
	assert.Equal(t, "Retrying 1 failed chunks (round 1)", fresh.CurrentStep)

	// The round re-dispatches the chunk on its remaining attempt budget;
	// spent attempts stay spent.
	chunk, err := e.chunks.Get(job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkRetryScheduled, chunk.Status)
	assert.Equal(t, 1, chunk.Attempts)

	retries := e.broker.byType(common.TaskChunkProcess)
	require.Len(t, retries, 1)
	assert.Equal(t, 1, retries[0].task.ChunkID)
	assert.Equal(t, 1, retries[0].task.Round)
	assert.Equal(t, 10*time.Second, retries[0].delay)
}

func TestFinalizeRetriesProcessingErrorChunk(t *testing.T) {
	e := newEnv(t)
	job := e.seedJob(t, 50)
	e.seedChunks(t, job, []chunkOutcome{
		{sentences: []string{"Le chat dort."}, tokens: 10000},
		{failCode: common.ErrCodeProcessing},
	})

	o := e.orchestrator(t, 2, nil)
	require.NoError(t, o.HandleFinalize(context.Background(), finalizeTask(job.ID, 0)))

	// A non-transient failure with attempts left still joins the round;
	// eligibility is budget-based, not code-based.
	fresh, err := e.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, common.JobProcessing, fresh.Status)
	assert.Equal(t, 1, fresh.RetryCount)

	chunk, err := e.chunks.Get(job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkRetryScheduled, chunk.Status)
	assert.Equal(t, 1, chunk.Attempts)

	retries := e.broker.byType(common.TaskChunkProcess)
	require.Len(t, retries, 1)
	assert.Equal(t, 1, retries[0].task.ChunkID)
}

func TestFinalizeExhaustedChunkIsPermanent(t *testing.T) {
	e := newEnv(t)
	job := e.seedJob(t, 50)
	e.seedChunks(t, job, []chunkOutcome{
		{sentences: []string{"Le chat dort."}, tokens: 10000},
		{failCode: common.ErrCodeTransient, attempts: 3},
	})

	o := e.orchestrator(t, 2, nil)
	require.NoError(t, o.HandleFinalize(context.Background(), finalizeTask(job.ID, 0)))

	// A transient code does not buy a chunk back in once its attempt
	// budget is spent: the job settles as a partial success.
	fresh, err := e.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, common.JobCompleted, fresh.Status)
	assert.Zero(t, fresh.RetryCount)
	require.NotNil(t, fresh.ErrorMessage)
	assert.Equal(t, "1 chunks failed permanently after 1 rounds", *fresh.ErrorMessage)
	assert.Empty(t, e.broker.byType(common.TaskChunkProcess))

	chunk, err := e.chunks.Get(job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkFailed, chunk.Status)
	assert.Equal(t, 3, chunk.Attempts)
}

func TestRetryRoundBarrierMatchesScheduledChunks(t *testing.T) {
	e := newEnv(t)
	job := e.seedJob(t, 50)
	e.seedChunks(t, job, []chunkOutcome{
		{sentences: []string{"Le chat dort."}, tokens: 10000},
		{failCode: common.ErrCodeTransient},
	})

	o := e.orchestrator(t, 2, nil)
	rows, err := e.chunks.ListForJob(job.ID)
	require.NoError(t, err)

	// A stale candidate list containing an already-succeeded chunk must
	// not inflate the barrier; only chunks actually scheduled count.
	started, err := o.startRetryRound(context.Background(), job, finalizeTask(job.ID, 0), rows)
	require.NoError(t, err)
	assert.True(t, started)

	fresh, err := e.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.BarrierPending)
	assert.Equal(t, 1, fresh.BarrierRound)
	require.Len(t, e.broker.byType(common.TaskChunkProcess), 1)

	// With no schedulable candidate at all the round never starts.
	e.broker.enqueued = nil
	started, err = o.startRetryRound(context.Background(), fresh, finalizeTask(job.ID, 0), rows[:1])
	require.NoError(t, err)
	assert.False(t, started)
	assert.Empty(t, e.broker.byType(common.TaskChunkProcess))
}

func TestFinalizeRetryRoundsExhausted(t *testing.T) {
	e := newEnv(t)
	job := e.seedJob(t, 50)
	e.seedChunks(t, job, []chunkOutcome{
		{sentences: []string{"Le chat dort."}, tokens: 10000},
		{failCode: common.ErrCodeTransient},
	})
	require.NoError(t, e.jobs.IncrementRetryRound(job.ID))
	require.NoError(t, e.jobs.IncrementRetryRound(job.ID))

	o := e.orchestrator(t, 2, nil)
	require.NoError(t, o.HandleFinalize(context.Background(), finalizeTask(job.ID, 2)))

	fresh, err := e.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, common.JobCompleted, fresh.Status)
	require.NotNil(t, fresh.ErrorMessage)
	assert.Equal(t, "1 chunks failed permanently after 3 rounds", *fresh.ErrorMessage)
	assert.Empty(t, e.broker.byType(common.TaskChunkProcess))
}

func TestFinalizeCancelledJob(t *testing.T) {
	e := newEnv(t)
	job := e.seedJob(t, 50)
	e.seedChunks(t, job, []chunkOutcome{
		{sentences: []string{"Le chat dort."}, tokens: 10000},
		{failCode: common.ErrCodeCancelled},
	})
	flagged, err := e.jobs.RequestCancel(job.ID)
	require.NoError(t, err)
	require.True(t, flagged)

	o := e.orchestrator(t, 2, nil)
	require.NoError(t, o.HandleFinalize(context.Background(), finalizeTask(job.ID, 0)))

	fresh, err := e.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, common.JobCancelled, fresh.Status)
	assert.NotNil(t, fresh.CancelledAt)

	total, err := e.credits.JobTotal(job.ID)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestFinalizeIdempotent(t *testing.T) {
	e := newEnv(t)
	job := e.seedJob(t, 50)
	e.seedChunks(t, job, []chunkOutcome{
		{sentences: []string{"Le chat dort."}, tokens: 10000},
	})

	o := e.orchestrator(t, 2, nil)
	require.NoError(t, o.HandleFinalize(context.Background(), finalizeTask(job.ID, 0)))
	require.NoError(t, o.HandleFinalize(context.Background(), finalizeTask(job.ID, 0)))

	// Exactly one settlement and one snapshot.
	total, err := e.credits.JobTotal(job.ID)
	require.NoError(t, err)
	assert.Equal(t, -10, total)

	items, err := e.history.ListForUser(job.UserID, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMergeResultsDedupAcrossChunks(t *testing.T) {
	sentences := []string{"Un mot.", "un  MOT.", "Deux mots."}
	key1, key2 := dedupKey(sentences[0]), dedupKey(sentences[1])
	assert.Equal(t, key1, key2)
	assert.NotEqual(t, key1, dedupKey(sentences[2]))
}
