// Package worker runs the task consumers: a pool of goroutines draining
// the broker, the per-chunk processor, and the stuck-chunk watchdog.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lirevox.dev/common"
	"lirevox.dev/queue"
)

const dequeueTimeout = 5 * time.Second

// Handler processes one task. Handlers own their retry logic; the pool
// acks the task either way, redelivery of crashed workers is the
// broker's visibility timeout.
type Handler func(ctx context.Context, task common.TaskMessage) error

// Pool consumes the broker with a fixed number of workers and dispatches
// tasks to handlers by task type.
type Pool struct {
	broker       queue.Broker
	workers      int
	softDeadline time.Duration
	logger       *logrus.Logger

	handlers map[string]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool. softDeadline bounds one handler execution.
func NewPool(broker queue.Broker, workers int, softDeadline time.Duration, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = common.Logger
	}
	return &Pool{
		broker:       broker,
		workers:      workers,
		softDeadline: softDeadline,
		logger:       logger,
		handlers:     make(map[string]Handler),
	}
}

// Register installs the handler for a task type. Must be called before
// Start.
func (p *Pool) Register(taskType string, handler Handler) {
	p.handlers[taskType] = handler
}

// Start launches the worker goroutines. They run until Stop or context
// cancellation.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.WithField("workers", p.workers).Info("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Stop signals the workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	log := p.logger.WithField("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.broker.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		p.handle(ctx, log, *task)
	}
}

func (p *Pool) handle(ctx context.Context, log *logrus.Entry, task common.TaskMessage) {
	// Ack in all outcomes below. App-level retries go through fresh
	// tasks, never through broker redelivery.
	defer func() {
		if err := p.broker.Ack(context.Background(), task.TaskID); err != nil {
			log.WithError(err).WithField("task_id", task.TaskID).Warn("failed to ack task")
		}
	}()

	revoked, err := p.broker.IsRevoked(ctx, task.TaskID)
	if err != nil {
		log.WithError(err).WithField("task_id", task.TaskID).Warn("revocation check failed")
	}
	if revoked {
		log.WithField("task_id", task.TaskID).Info("dropping revoked task")
		return
	}

	handler, ok := p.handlers[task.Type]
	if !ok {
		log.WithFields(logrus.Fields{
			"task_id": task.TaskID,
			"type":    task.Type,
		}).Warn("no handler for task type")
		return
	}

	taskCtx := ctx
	if p.softDeadline > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, p.softDeadline)
		defer cancel()
	}

	if err := handler(taskCtx, task); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"task_id": task.TaskID,
			"type":    task.Type,
			"job_id":  task.JobID,
		}).Error("task handler failed")
	}
}
