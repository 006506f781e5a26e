package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lirevox.dev/common"
	"lirevox.dev/config"
)

// workerCmd runs the task consumers without the HTTP surface. Used to
// scale chunk processing independently of the API.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run task consumers only",
	Long: `Runs the chunk and finalize task consumers against the shared broker
and database, without the HTTP API or the realtime gateway. Start as many
worker processes as the LLM provider quota allows.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Logging.Level),
		Format:  cfg.Logging.Format,
		Service: cfg.Service.Name,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	logger.WithField("workers", cfg.Broker.Workers).Info("Starting task consumers")
	svc.startWorkers(ctx)

	<-ctx.Done()
	logger.Info("Shutting down")
	svc.stopWorkers()
	return nil
}
