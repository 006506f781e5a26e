// Package progress emits job progress events over Redis pub/sub.
//
// Events always reflect the current storage row, never a caller-supplied
// snapshot: the publisher re-reads the job at emit time so a coalesced or
// reordered emit can only publish newer state. Per-job emits are
// coalesced to at most one immediate and one trailing event per window.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"lirevox.dev/common"
	"lirevox.dev/db"
)

// DefaultCoalesceWindow bounds the per-job event rate.
const DefaultCoalesceWindow = 100 * time.Millisecond

// Channel returns the pub/sub channel name for a job.
func Channel(jobID uint) string {
	return fmt.Sprintf("job:%d", jobID)
}

// Publisher notifies subscribers that a job's state changed.
type Publisher interface {
	// Publish emits the job's current state to its channel. Callers fire
	// and forget; failures are logged, never propagated into the
	// pipeline.
	Publish(ctx context.Context, jobID uint)

	Close() error
}

// Noop discards all events. Used in tests and single-process setups
// without a realtime frontend.
type Noop struct{}

func (Noop) Publish(ctx context.Context, jobID uint) {}
func (Noop) Close() error                            { return nil }

type pending struct {
	timer *time.Timer
	dirty bool
}

// RedisPublisher publishes progress events to Redis channels.
type RedisPublisher struct {
	client *redis.Client
	jobs   *db.JobStore
	window time.Duration
	logger *logrus.Logger

	mu       sync.Mutex
	inflight map[uint]*pending
	closed   bool
}

// NewRedisPublisher connects to Redis and verifies the connection. A
// non-positive window disables coalescing.
func NewRedisPublisher(ctx context.Context, url string, jobs *db.JobStore, window time.Duration, logger *logrus.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if logger == nil {
		logger = common.Logger
	}
	return &RedisPublisher{
		client:   client,
		jobs:     jobs,
		window:   window,
		logger:   logger,
		inflight: make(map[uint]*pending),
	}, nil
}

// Publish emits the job's current state, coalescing bursts. The first
// event in a window goes out immediately; further ones collapse into a
// single trailing event when the window closes.
func (p *RedisPublisher) Publish(ctx context.Context, jobID uint) {
	if p.window <= 0 {
		p.emit(jobID)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if entry, ok := p.inflight[jobID]; ok {
		entry.dirty = true
		p.mu.Unlock()
		return
	}
	entry := &pending{}
	entry.timer = time.AfterFunc(p.window, func() { p.windowClosed(jobID) })
	p.inflight[jobID] = entry
	p.mu.Unlock()

	p.emit(jobID)
}

func (p *RedisPublisher) windowClosed(jobID uint) {
	p.mu.Lock()
	entry, ok := p.inflight[jobID]
	if !ok || p.closed {
		p.mu.Unlock()
		return
	}
	if !entry.dirty {
		delete(p.inflight, jobID)
		p.mu.Unlock()
		return
	}
	// Trailing emit, then hold the window open for another round.
	entry.dirty = false
	entry.timer = time.AfterFunc(p.window, func() { p.windowClosed(jobID) })
	p.mu.Unlock()

	p.emit(jobID)
}

func (p *RedisPublisher) emit(jobID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := p.jobs.Get(jobID)
	if err != nil {
		p.logger.WithError(err).WithField("job_id", jobID).Warn("progress emit skipped, job not readable")
		return
	}

	payload, err := json.Marshal(job.Event())
	if err != nil {
		p.logger.WithError(err).WithField("job_id", jobID).Error("failed to marshal progress event")
		return
	}

	if err := p.client.Publish(ctx, Channel(jobID), payload).Err(); err != nil {
		p.logger.WithError(err).WithField("job_id", jobID).Warn("failed to publish progress event")
	}
}

// Close stops pending trailing emits and closes the Redis connection.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	for id, entry := range p.inflight {
		entry.timer.Stop()
		delete(p.inflight, id)
	}
	p.mu.Unlock()
	return p.client.Close()
}
