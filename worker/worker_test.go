package worker

import (
	"context"
	"encoding/base64"
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
	"lirevox.dev/llm"
)

func openStores(t *testing.T) (*db.JobStore, *db.ChunkStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker_test.db")
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return db.NewJobStore(gdb), db.NewChunkStore(gdb)
}

// seedJob creates a processing job with the given number of pending
// chunks and an armed round-0 barrier.
func seedJob(t *testing.T, jobs *db.JobStore, chunks *db.ChunkStore, chunkCount, maxRetries int) *db.Job {
	t.Helper()
	job := &db.Job{
		UserID:           1,
		Filename:         "livre.pdf",
		Model:            common.ModelBalanced,
		PricingVersion:   common.PricingVersion,
		PricingRate:      common.DefaultPricingRate,
		Status:           common.JobPending,
		EstimatedCredits: 50,
	}
	require.NoError(t, jobs.Create(job))
	committed, err := jobs.MarkProcessing(job.ID, "Analyzing PDF", 5)
	require.NoError(t, err)
	require.True(t, committed)
	require.NoError(t, jobs.SetPlan(job.ID, chunkCount))
	require.NoError(t, jobs.ArmBarrier(job.ID, chunkCount, 0))

	rows := make([]db.JobChunk, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		payload := []byte("fakepdf:100:0-39")
		rows = append(rows, db.JobChunk{
			JobID:      job.ID,
			ChunkID:    i,
			StartPage:  0,
			EndPage:    39,
			PageCount:  40,
			PayloadB64: base64.StdEncoding.EncodeToString(payload),
			Status:     common.ChunkPending,
			MaxRetries: maxRetries,
		})
	}
	require.NoError(t, chunks.CreateAll(rows))
	return job
}

type enqueued struct {
	task  common.TaskMessage
	delay time.Duration
}

// fakeBroker is an in-memory queue.Broker for unit tests.
type fakeBroker struct {
	mu       sync.Mutex
	enqueued []enqueued
	tasks    chan common.TaskMessage
	revoked  map[string]bool
	acked    []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		tasks:   make(chan common.TaskMessage, 64),
		revoked: make(map[string]bool),
	}
}

func (b *fakeBroker) Enqueue(ctx context.Context, task common.TaskMessage, delay time.Duration) error {
	b.mu.Lock()
	b.enqueued = append(b.enqueued, enqueued{task: task, delay: delay})
	b.mu.Unlock()
	select {
	case b.tasks <- task:
	default:
	}
	return nil
}

func (b *fakeBroker) Dequeue(ctx context.Context, timeout time.Duration) (*common.TaskMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case task := <-b.tasks:
		return &task, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (b *fakeBroker) Ack(ctx context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, taskID)
	return nil
}

func (b *fakeBroker) Revoke(ctx context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[taskID] = true
	return nil
}

func (b *fakeBroker) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revoked[taskID] {
		delete(b.revoked, taskID)
		return true, nil
	}
	return false, nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) all() []enqueued {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]enqueued, len(b.enqueued))
	copy(out, b.enqueued)
	return out
}

func (b *fakeBroker) byType(taskType string) []enqueued {
	var out []enqueued
	for _, e := range b.all() {
		if e.task.Type == taskType {
			out = append(out, e)
		}
	}
	return out
}

func (b *fakeBroker) ackedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.acked))
	copy(out, b.acked)
	return out
}

// fakeLLM is a canned llm.Client.
type fakeLLM struct {
	mu           sync.Mutex
	result       llm.Result
	err          error
	calls        int
	lastText     string
	lastSettings common.ProcessingSettings
}

func (f *fakeLLM) Normalize(ctx context.Context, text string, settings common.ProcessingSettings) (llm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastText = text
	f.lastSettings = settings
	if f.err != nil {
		return llm.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
