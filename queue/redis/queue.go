// Package redis implements the task broker on Redis.
// Tasks live on a list, delayed tasks on a sorted set keyed by due time,
// and in-flight tasks on a sorted set keyed by visibility deadline so a
// reaper can requeue work lost to a crashed worker.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"lirevox.dev/common"
)

const (
	defaultPrefix            = "lirevox:"
	defaultVisibilityTimeout = 30 * time.Minute
	revokedTTL               = 24 * time.Hour
	promoteBatch             = 100
)

// Config configures the Redis broker.
type Config struct {
	// URL is the Redis connection URL (redis://host:port/db).
	URL string
	// KeyPrefix namespaces all broker keys. Defaults to "lirevox:".
	KeyPrefix string
	// VisibilityTimeout is how long a dequeued task may stay unacked
	// before the reaper requeues it. Defaults to 30 minutes, which sits
	// above the hard chunk deadline.
	VisibilityTimeout time.Duration
	Logger            *logrus.Logger
}

// Broker is the Redis-backed task queue.
type Broker struct {
	client  *redis.Client
	prefix  string
	procTTL time.Duration
	logger  *logrus.Logger
}

// NewBroker connects to Redis and verifies the connection.
func NewBroker(ctx context.Context, config Config) (*Broker, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	procTTL := config.VisibilityTimeout
	if procTTL <= 0 {
		procTTL = defaultVisibilityTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = common.Logger
	}

	return &Broker{
		client:  client,
		prefix:  prefix,
		procTTL: procTTL,
		logger:  logger,
	}, nil
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) tasksKey() string      { return b.prefix + "tasks" }
func (b *Broker) delayedKey() string    { return b.prefix + "delayed" }
func (b *Broker) processingKey() string { return b.prefix + "processing" }
func (b *Broker) payloadsKey() string   { return b.prefix + "payloads" }
func (b *Broker) revokedKey() string    { return b.prefix + "revoked" }

// Enqueue pushes a task onto the queue, or onto the delayed set when a
// positive delay is given.
func (b *Broker) Enqueue(ctx context.Context, task common.TaskMessage, delay time.Duration) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if delay > 0 {
		due := time.Now().Add(delay)
		return b.client.ZAdd(ctx, b.delayedKey(), redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: string(raw),
		}).Err()
	}
	return b.client.RPush(ctx, b.tasksKey(), string(raw)).Err()
}

// promoteDue moves delayed tasks whose due time has passed onto the
// main queue.
func (b *Broker) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := b.client.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, raw := range due {
		removed, err := b.client.ZRem(ctx, b.delayedKey(), raw).Result()
		if err != nil {
			return err
		}
		// Another consumer may have promoted it first.
		if removed == 0 {
			continue
		}
		if err := b.client.RPush(ctx, b.tasksKey(), raw).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue returns the next task. It promotes due delayed tasks first,
// then blocks on the queue up to timeout. A dequeued task is recorded as
// in-flight with a visibility deadline until Ack.
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (*common.TaskMessage, error) {
	if err := b.promoteDue(ctx); err != nil {
		return nil, fmt.Errorf("failed to promote delayed tasks: %w", err)
	}

	var raw string
	if timeout <= 0 {
		result, err := b.client.LPop(ctx, b.tasksKey()).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}
		raw = result
	} else {
		result, err := b.client.BLPop(ctx, timeout, b.tasksKey()).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}
		if len(result) < 2 {
			return nil, nil
		}
		raw = result[1]
	}

	var task common.TaskMessage
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	deadline := time.Now().Add(b.procTTL)
	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, b.processingKey(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: task.TaskID,
	})
	pipe.HSet(ctx, b.payloadsKey(), task.TaskID, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to record in-flight task: %w", err)
	}

	return &task, nil
}

// Ack removes a task from the in-flight tracking.
func (b *Broker) Ack(ctx context.Context, taskID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.processingKey(), taskID)
	pipe.HDel(ctx, b.payloadsKey(), taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// Revoke marks a task for consumers to drop on pickup.
func (b *Broker) Revoke(ctx context.Context, taskID string) error {
	if err := b.client.SAdd(ctx, b.revokedKey(), taskID).Err(); err != nil {
		return err
	}
	return b.client.Expire(ctx, b.revokedKey(), revokedTTL).Err()
}

// IsRevoked reports and consumes the revocation mark for a task.
func (b *Broker) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	removed, err := b.client.SRem(ctx, b.revokedKey(), taskID).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// ReapExpired requeues in-flight tasks whose visibility deadline has
// passed and returns how many were requeued.
func (b *Broker) ReapExpired(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	expired, err := b.client.ZRangeByScore(ctx, b.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, taskID := range expired {
		raw, err := b.client.HGet(ctx, b.payloadsKey(), taskID).Result()
		if err != nil && err != redis.Nil {
			return requeued, err
		}

		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.processingKey(), taskID)
		pipe.HDel(ctx, b.payloadsKey(), taskID)
		if err != redis.Nil {
			pipe.RPush(ctx, b.tasksKey(), raw)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, err
		}
		if err != redis.Nil {
			requeued++
			b.logger.WithField("task_id", taskID).Warn("requeued expired in-flight task")
		}
	}
	return requeued, nil
}

// RunReaper requeues expired in-flight tasks on the given interval until
// the context is cancelled.
func (b *Broker) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.ReapExpired(ctx); err != nil {
				b.logger.WithError(err).Error("task reaper pass failed")
			}
		}
	}
}

// Depth returns the number of tasks waiting on the main queue.
func (b *Broker) Depth(ctx context.Context) (int, error) {
	depth, err := b.client.LLen(ctx, b.tasksKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(depth), nil
}
