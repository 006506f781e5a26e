package cli

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"lirevox.dev/common"
	"lirevox.dev/config"
	"lirevox.dev/db"
	"lirevox.dev/ledger"
	"lirevox.dev/llm"
	"lirevox.dev/orchestrator"
	"lirevox.dev/pdf"
	"lirevox.dev/progress"
	"lirevox.dev/quality"
	"lirevox.dev/queue"
	queueredis "lirevox.dev/queue/redis"
	"lirevox.dev/security"
	"lirevox.dev/splitter"
	"lirevox.dev/storage"
	"lirevox.dev/worker"
)

// services holds every wired component of a running process. The API
// server and the worker-only mode share the same construction path.
type services struct {
	cfg    *config.Config
	logger *logrus.Logger

	gdb     *gorm.DB
	jobs    *db.JobStore
	chunks  *db.ChunkStore
	history *db.HistoryStore
	credits *ledger.Service

	broker      queue.Broker
	redisBroker *queueredis.Broker
	publisher   progress.Publisher
	payloads    storage.PayloadStore

	orchestrator *orchestrator.Orchestrator
	processor    *worker.ChunkProcessor
	pool         *worker.Pool
	watchdog     *worker.Watchdog

	jwt *security.JWTService
}

func buildServices(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*services, error) {
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, err
	}

	svc := &services{
		cfg:     cfg,
		logger:  logger,
		gdb:     gdb,
		jobs:    db.NewJobStore(gdb),
		chunks:  db.NewChunkStore(gdb),
		history: db.NewHistoryStore(gdb),
		credits: ledger.NewService(gdb),
		jwt:     security.NewJWTService(cfg.Security.JWTSecret),
	}

	switch cfg.Broker.Backend {
	case "amqp":
		broker, err := queue.NewAMQPBroker(queue.AMQPConfig{
			URL:       cfg.Broker.AMQPURL,
			QueueName: cfg.Broker.TaskQueue,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		svc.broker = broker
	default:
		broker, err := queueredis.NewBroker(ctx, queueredis.Config{
			URL:               cfg.Redis.URL,
			KeyPrefix:         cfg.Redis.KeyPrefix,
			VisibilityTimeout: cfg.Orchestrator.ChunkHardDeadline,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis broker: %w", err)
		}
		svc.broker = broker
		svc.redisBroker = broker
	}

	publisher, err := progress.NewRedisPublisher(ctx, cfg.Redis.URL, svc.jobs, progress.DefaultCoalesceWindow, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis for progress: %w", err)
	}
	svc.publisher = publisher

	// Out-of-band payload storage is optional; without it every chunk is
	// stored inline in the database row.
	if cfg.Storage.Endpoint != "" {
		s3, err := storage.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to object storage: %w", err)
		}
		if err := storage.EnsureBucket(ctx, s3, cfg.Storage.Bucket); err != nil {
			return nil, err
		}
		svc.payloads = storage.NewS3PayloadStore(s3, cfg.Storage.Bucket)
	}

	extractor := pdf.NewServiceExtractor(cfg.PDF.Endpoint)
	client := llm.NewHTTPClient(cfg.LLM.Endpoint, cfg.LLM.APIKey)
	gate := quality.NewGate(quality.NewFrenchTagger(), logger)

	split := splitter.New(extractor, svc.chunks, svc.payloads,
		cfg.Orchestrator.PayloadInlineLimitBytes, cfg.Orchestrator.ChunkMaxRetries, logger)

	svc.processor = worker.NewChunkProcessor(worker.ChunkProcessorConfig{
		Jobs:       svc.jobs,
		Chunks:     svc.chunks,
		Payloads:   svc.payloads,
		Extractor:  extractor,
		Client:     client,
		Gate:       gate,
		Broker:     svc.broker,
		Publisher:  svc.publisher,
		Logger:     logger,
		RetryDelay: cfg.Orchestrator.ChunkRetryDelay,
		LLMTimeout: cfg.LLM.CallTimeout,
	})

	svc.orchestrator = orchestrator.New(orchestrator.Config{
		Jobs:               svc.jobs,
		Chunks:             svc.chunks,
		History:            svc.history,
		Credits:            svc.credits,
		Splitter:           split,
		Extractor:          extractor,
		Broker:             svc.broker,
		Publisher:          svc.publisher,
		Logger:             logger,
		Payloads:           svc.payloads,
		Inline:             svc.processor.Process,
		MaxRetryRounds:     cfg.Orchestrator.MaxRetryRounds,
		FinalizeMaxRetries: cfg.Orchestrator.FinalizeMaxRetries,
	})

	svc.pool = worker.NewPool(svc.broker, cfg.Broker.Workers, cfg.Orchestrator.ChunkSoftDeadline, logger)
	svc.pool.Register(common.TaskJobRun, svc.orchestrator.HandleRun)
	svc.pool.Register(common.TaskChunkProcess, svc.processor.Process)
	svc.pool.Register(common.TaskJobFinalize, svc.orchestrator.HandleFinalize)

	svc.watchdog = worker.NewWatchdog(svc.jobs, svc.chunks, svc.broker,
		cfg.Orchestrator.ChunkStuckThreshold, cfg.Orchestrator.ChunkWatchdogInterval, logger)

	return svc, nil
}

// startWorkers launches the task consumers and the background loops.
func (s *services) startWorkers(ctx context.Context) {
	s.pool.Start(ctx)
	go s.watchdog.Run(ctx)
	if s.redisBroker != nil {
		go s.redisBroker.RunReaper(ctx, s.cfg.Orchestrator.ChunkWatchdogInterval)
	}
}

func (s *services) stopWorkers() {
	s.pool.Stop()
}

// health pings the backing stores for the readiness endpoint.
func (s *services) health(ctx context.Context) error {
	sqlDB, err := s.gdb.DB()
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if s.redisBroker != nil {
		if _, err := s.redisBroker.Depth(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (s *services) close() {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close progress publisher")
		}
	}
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close broker")
		}
	}
	if sqlDB, err := s.gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
