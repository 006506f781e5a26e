package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lirevox.dev/common"
)

func seedChunks(t *testing.T, gdb *gorm.DB, jobID uint, n int) *ChunkStore {
	t.Helper()
	s := NewChunkStore(gdb)
	chunks := make([]JobChunk, 0, n)
	for i := 0; i < n; i++ {
		chunks = append(chunks, JobChunk{
			JobID:      jobID,
			ChunkID:    i,
			StartPage:  i * 30,
			EndPage:    i*30 + 29,
			PageCount:  30,
			PayloadB64: "JVBERi0=",
			MaxRetries: 3,
		})
	}
	require.NoError(t, s.CreateAll(chunks))
	return s
}

func TestChunkCreateAllAndList(t *testing.T) {
	gdb := openTestDB(t)
	s := seedChunks(t, gdb, 1, 3)

	chunks, err := s.ListForJob(1)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkID)
		assert.Equal(t, common.ChunkPending, c.Status)
		assert.Equal(t, 0, c.Attempts)
	}
}

func TestChunkClaim(t *testing.T) {
	gdb := openTestDB(t)
	s := seedChunks(t, gdb, 1, 1)

	chunk, claimed, err := s.Claim(1, 0, "task-a")
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, common.ChunkProcessing, chunk.Status)
	assert.Equal(t, 1, chunk.Attempts)
	assert.Equal(t, "task-a", chunk.TaskID)

	// A second claim on a processing chunk loses the race: exactly one
	// increment, one transition.
	_, claimed, err = s.Claim(1, 0, "task-b")
	require.NoError(t, err)
	assert.False(t, claimed)

	chunk, err = s.Get(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, chunk.Attempts)
	assert.Equal(t, "task-a", chunk.TaskID)
}

func TestClaimNextDispatch(t *testing.T) {
	gdb := openTestDB(t)
	s := seedChunks(t, gdb, 1, 3)

	// Undispatched chunks go out lowest ordinal first.
	chunk, ok, err := s.ClaimNextDispatch(1, "task-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, chunk.ChunkID)
	assert.Equal(t, "task-a", chunk.TaskID)
	assert.Equal(t, common.ChunkPending, chunk.Status)

	chunk, ok, err = s.ClaimNextDispatch(1, "task-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, chunk.ChunkID)

	chunk, ok, err = s.ClaimNextDispatch(1, "task-c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, chunk.ChunkID)

	// Every chunk stamped: nothing left to hand out.
	_, ok, err = s.ClaimNextDispatch(1, "task-d")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChunkSuccessTerminal(t *testing.T) {
	gdb := openTestDB(t)
	s := seedChunks(t, gdb, 1, 1)

	_, claimed, err := s.Claim(1, 0, "task-a")
	require.NoError(t, err)
	require.True(t, claimed)

	ok, err := s.MarkSuccess(1, 0, `{"sentences":["Il dort."],"tokens":12}`)
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal: neither claim nor a second success can move it.
	_, claimed, err = s.Claim(1, 0, "task-b")
	require.NoError(t, err)
	assert.False(t, claimed)

	ok, err = s.MarkSuccess(1, 0, `{}`)
	require.NoError(t, err)
	assert.False(t, ok)

	chunk, err := s.Get(1, 0)
	require.NoError(t, err)
	result, has := chunk.Result()
	require.True(t, has)
	assert.Equal(t, []string{"Il dort."}, result.Sentences)
	assert.Equal(t, 12, result.Tokens)
	assert.NotNil(t, chunk.ProcessedAt)
}

func TestChunkRetryScheduledGuard(t *testing.T) {
	gdb := openTestDB(t)
	s := seedChunks(t, gdb, 1, 1)

	// Burn through the attempt budget.
	for attempt := 1; attempt <= 3; attempt++ {
		_, claimed, err := s.Claim(1, 0, "task")
		require.NoError(t, err)
		require.True(t, claimed, "attempt %d", attempt)

		ok, err := s.MarkRetryScheduled(1, 0, common.ErrCodeTransient, "rate limited")
		require.NoError(t, err)
		if attempt < 3 {
			assert.True(t, ok, "attempt %d should reschedule", attempt)
		} else {
			// attempts == max_retries: the guard refuses retry_scheduled.
			assert.False(t, ok)
		}
	}

	chunk, err := s.Get(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, chunk.Attempts)
	assert.False(t, chunk.CanRetry())
}

func TestChunkMarkFailed(t *testing.T) {
	gdb := openTestDB(t)
	s := seedChunks(t, gdb, 1, 1)

	_, claimed, err := s.Claim(1, 0, "task")
	require.NoError(t, err)
	require.True(t, claimed)

	ok, err := s.MarkFailed(1, 0, common.ErrCodeNoText, "no extractable text")
	require.NoError(t, err)
	assert.True(t, ok)

	chunk, err := s.Get(1, 0)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkFailed, chunk.Status)
	assert.Equal(t, common.ErrCodeNoText, chunk.LastErrorCode)
	require.NotNil(t, chunk.LastError)
	assert.Equal(t, "no extractable text", *chunk.LastError)
}

func TestScheduleForRound(t *testing.T) {
	gdb := openTestDB(t)
	s := seedChunks(t, gdb, 1, 1)

	_, _, err := s.Claim(1, 0, "task")
	require.NoError(t, err)
	_, err = s.MarkFailed(1, 0, common.ErrCodeProcessing, "bad parse")
	require.NoError(t, err)

	ok, err := s.ScheduleForRound(1, 0, false)
	require.NoError(t, err)
	assert.True(t, ok)

	chunk, err := s.Get(1, 0)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkRetryScheduled, chunk.Status)
	assert.Equal(t, 1, chunk.Attempts)
}

func TestScheduleForRoundExhausted(t *testing.T) {
	gdb := openTestDB(t)
	s := seedChunks(t, gdb, 1, 1)

	for i := 0; i < 3; i++ {
		_, claimed, err := s.Claim(1, 0, "task")
		require.NoError(t, err)
		require.True(t, claimed)
		if i < 2 {
			_, err = s.MarkRetryScheduled(1, 0, common.ErrCodeTransient, "flaky")
			require.NoError(t, err)
		} else {
			_, err = s.MarkFailed(1, 0, common.ErrCodeTransient, "flaky")
			require.NoError(t, err)
		}
	}

	// Exhausted chunk cannot be rescheduled without force.
	ok, err := s.ScheduleForRound(1, 0, false)
	require.NoError(t, err)
	assert.False(t, ok)

	// Force resets the attempt budget.
	ok, err = s.ScheduleForRound(1, 0, true)
	require.NoError(t, err)
	assert.True(t, ok)

	chunk, err := s.Get(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, chunk.Attempts)
	assert.Equal(t, common.ChunkRetryScheduled, chunk.Status)
}

func TestStatusCounts(t *testing.T) {
	gdb := openTestDB(t)
	s := seedChunks(t, gdb, 1, 4)

	_, _, err := s.Claim(1, 0, "t0")
	require.NoError(t, err)
	_, err = s.MarkSuccess(1, 0, `{"sentences":[],"tokens":1}`)
	require.NoError(t, err)

	_, _, err = s.Claim(1, 1, "t1")
	require.NoError(t, err)
	_, err = s.MarkFailed(1, 1, common.ErrCodeProcessing, "boom")
	require.NoError(t, err)

	counts, err := s.StatusCounts(1)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[common.ChunkSuccess])
	assert.Equal(t, 1, counts[common.ChunkFailed])
	assert.Equal(t, 2, counts[common.ChunkPending])
}

func TestStuckProcessing(t *testing.T) {
	gdb := openTestDB(t)
	s := seedChunks(t, gdb, 1, 2)

	_, _, err := s.Claim(1, 0, "t0")
	require.NoError(t, err)

	// Age the claim beyond the threshold.
	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, gdb.Model(&JobChunk{}).
		Where("job_id = ? AND chunk_id = ?", 1, 0).
		Update("updated_at", old).Error)

	stuck, err := s.StuckProcessing(12 * time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, 0, stuck[0].ChunkID)
}

func TestDeleteForJob(t *testing.T) {
	gdb := openTestDB(t)
	s := seedChunks(t, gdb, 1, 3)
	seedChunks(t, gdb, 2, 2)

	require.NoError(t, s.DeleteForJob(1))

	chunks, err := s.ListForJob(1)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = s.ListForJob(2)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}
