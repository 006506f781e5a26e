package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lirevox.dev/common"
	"lirevox.dev/db"
	"lirevox.dev/ledger"
	"lirevox.dev/pdf"
	"lirevox.dev/splitter"
)

type env struct {
	gdb       *gorm.DB
	jobs      *db.JobStore
	chunks    *db.ChunkStore
	history   *db.HistoryStore
	credits   *ledger.Service
	broker    *fakeBroker
	extractor *pdf.FakeExtractor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator_test.db")
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	return &env{
		gdb:       gdb,
		jobs:      db.NewJobStore(gdb),
		chunks:    db.NewChunkStore(gdb),
		history:   db.NewHistoryStore(gdb),
		credits:   ledger.NewService(gdb),
		broker:    newFakeBroker(),
		extractor: &pdf.FakeExtractor{DefaultText: "Texte."},
	}
}

func (e *env) orchestrator(t *testing.T, maxRounds int, inline Handler) *Orchestrator {
	t.Helper()
	return New(Config{
		Jobs:               e.jobs,
		Chunks:             e.chunks,
		History:            e.history,
		Credits:            e.credits,
		Splitter:           splitter.New(e.extractor, e.chunks, nil, 1<<20, 3, nil),
		Extractor:          e.extractor,
		Broker:             e.broker,
		Inline:             inline,
		MaxRetryRounds:     maxRounds,
		FinalizeMaxRetries: 10,
	})
}

// seedJob creates a pending job with a funded and reserved estimate.
func (e *env) seedJob(t *testing.T, estimated int) *db.Job {
	t.Helper()
	job := &db.Job{
		UserID:           1,
		Filename:         "livre.pdf",
		Model:            common.ModelBalanced,
		PricingVersion:   common.PricingVersion,
		PricingRate:      common.DefaultPricingRate,
		Status:           common.JobPending,
		EstimatedCredits: estimated,
	}
	require.NoError(t, e.jobs.Create(job))
	require.NoError(t, e.credits.MonthlyGrant(job.UserID, 1000))
	require.NoError(t, e.credits.Reserve(job.UserID, job.ID, estimated, common.PricingVersion))
	return job
}

// seedChunks inserts chunk rows and walks each through claim into the
// wanted terminal state.
func (e *env) seedChunks(t *testing.T, job *db.Job, outcomes []chunkOutcome) {
	t.Helper()
	rows := make([]db.JobChunk, 0, len(outcomes))
	for i := range outcomes {
		rows = append(rows, db.JobChunk{
			JobID:      job.ID,
			ChunkID:    i,
			PayloadB64: "cGRm",
			Status:     common.ChunkPending,
			MaxRetries: 3,
		})
	}
	require.NoError(t, e.chunks.CreateAll(rows))
	require.NoError(t, e.jobs.SetPlan(job.ID, len(outcomes)))

	for i, out := range outcomes {
		_, ok, err := e.chunks.Claim(job.ID, i, "seed")
		require.NoError(t, err)
		require.True(t, ok)
		for n := 1; n < out.attempts; n++ {
			scheduled, err := e.chunks.MarkRetryScheduled(job.ID, i, out.failCode, "seeded failure")
			require.NoError(t, err)
			require.True(t, scheduled)
			_, ok, err = e.chunks.Claim(job.ID, i, "seed")
			require.NoError(t, err)
			require.True(t, ok)
		}
		if out.failCode != "" {
			_, err = e.chunks.MarkFailed(job.ID, i, out.failCode, "seeded failure")
			require.NoError(t, err)
			continue
		}
		blob, err := json.Marshal(common.ChunkResult{Sentences: out.sentences, Tokens: out.tokens})
		require.NoError(t, err)
		_, err = e.chunks.MarkSuccess(job.ID, i, string(blob))
		require.NoError(t, err)
	}
}

type chunkOutcome struct {
	sentences []string
	tokens    int
	failCode  string
	// attempts walks the chunk through this many claims before the
	// terminal outcome; zero means one.
	attempts int
}

func finalizeTask(jobID uint, round int) common.TaskMessage {
	return common.TaskMessage{TaskID: "fin-1", Type: common.TaskJobFinalize, JobID: jobID, Round: round}
}

// fakeBroker records enqueues.
type fakeBroker struct {
	mu       sync.Mutex
	enqueued []enqueued
}

type enqueued struct {
	task  common.TaskMessage
	delay time.Duration
}

func newFakeBroker() *fakeBroker { return &fakeBroker{} }

func (b *fakeBroker) Enqueue(ctx context.Context, task common.TaskMessage, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued = append(b.enqueued, enqueued{task: task, delay: delay})
	return nil
}

func (b *fakeBroker) Dequeue(ctx context.Context, timeout time.Duration) (*common.TaskMessage, error) {
	return nil, nil
}
func (b *fakeBroker) Ack(ctx context.Context, taskID string) error    { return nil }
func (b *fakeBroker) Revoke(ctx context.Context, taskID string) error { return nil }
func (b *fakeBroker) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	return false, nil
}
func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) byType(taskType string) []enqueued {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []enqueued
	for _, e := range b.enqueued {
		if e.task.Type == taskType {
			out = append(out, e)
		}
	}
	return out
}
