// Package queue provides the task broker that dispatches chunk and
// finalize work to the worker pool.
//
// Two backends implement the Broker interface: a Redis list/zset queue
// (the default, see the redis subpackage) and a RabbitMQ queue. Both
// carry the same JSON task envelope. Delivery is at-least-once on the
// Redis backend, which tracks in-flight tasks with a visibility deadline
// and requeues expired ones.
package queue

import (
	"context"
	"errors"
	"time"

	"lirevox.dev/common"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("queue: broker closed")

// Broker is the task transport between the API/orchestrator side and the
// worker pool.
type Broker interface {
	// Enqueue publishes a task. A positive delay defers delivery by that
	// duration (retry backoff, retry-round countdown).
	Enqueue(ctx context.Context, task common.TaskMessage, delay time.Duration) error

	// Dequeue returns the next task, blocking up to timeout. A zero or
	// negative timeout polls without blocking. (nil, nil) means no task
	// was available.
	Dequeue(ctx context.Context, timeout time.Duration) (*common.TaskMessage, error)

	// Ack marks a dequeued task as done so it will not be redelivered.
	Ack(ctx context.Context, taskID string) error

	// Revoke marks a task so consumers drop it on pickup. Best effort:
	// a task already being processed is not interrupted.
	Revoke(ctx context.Context, taskID string) error

	// IsRevoked reports and consumes a revocation mark for the task.
	IsRevoked(ctx context.Context, taskID string) (bool, error)

	// Close releases the backend connection.
	Close() error
}
