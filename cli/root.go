// Package cli provides the command-line interface and service lifecycle
// for lirevox. The root command runs the full service: HTTP API, realtime
// gateway, task workers, watchdog, and broker reaper. The worker subcommand
// runs the task consumers alone for horizontally scaled deployments.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"lirevox.dev/api"
	"lirevox.dev/common"
	"lirevox.dev/config"
	"lirevox.dev/realtime"
	"lirevox.dev/version"
)

var cfgFile string

var RootCmd = &cobra.Command{
	Use:   "lirevox",
	Short: "PDF to audio-ready-sentence processing service",
	Long: `LireVox Job Orchestrator

Splits French-language PDFs into chunks, normalizes the prose into short
audio-ready sentences through an external LLM service, and merges the
validated results. Jobs are billed against a monthly credit ledger and
report progress over HTTP polling and websockets.

Configuration is read from config.yaml (see --config), then overridden by
LIREVOX_-prefixed environment variables.`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("lirevox %s (%s, %s)\n", info.MainVersion, info.MainModule, info.GoVersion)
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	RootCmd.AddCommand(workerCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI. Called once from main.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
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

	svc.startWorkers(ctx)

	// Realtime: websocket hub plus the redis bridge feeding it.
	hub := realtime.NewHub(svc.jwt, svc.jobs, logger)
	bridgeClient, err := redisClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis for realtime: %w", err)
	}
	defer bridgeClient.Close()
	bridge := realtime.NewBridge(bridgeClient, hub, logger)
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Realtime bridge stopped")
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handlers := &api.Handlers{
		Jobs:                svc.jobs,
		Chunks:              svc.chunks,
		History:             svc.history,
		Credits:             svc.credits,
		Broker:              svc.broker,
		JWT:                 svc.jwt,
		Logger:              logger,
		Payloads:            svc.payloads,
		DocumentInlineLimit: cfg.Orchestrator.PayloadInlineLimitBytes,
		PricingRate:         common.DefaultPricingRate,
		MaxEstimatedTokens:  cfg.LLM.MaxEstimatedTokens,
		MaxUploadBytes:      cfg.Server.MaxUploadBytes,
		JWTExpiration:       cfg.Security.JWTExpiration,
		Health:              svc.health,
	}
	api.SetupRoutes(e, handlers, cfg.Security.JWTSecret)
	e.GET("/ws", hub.ServeWS)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.WithField("addr", addr).Info("Starting HTTP server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	svc.stopWorkers()
	return nil
}

func redisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
