package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/basehaven/dbsync/internal/api"
	v1 "github.com/basehaven/dbsync/internal/api/v1"
	"github.com/basehaven/dbsync/internal/config"
	"github.com/basehaven/dbsync/internal/gateway"
	"github.com/basehaven/dbsync/internal/history"
	"github.com/basehaven/dbsync/internal/logger"
	"github.com/basehaven/dbsync/internal/preflight"
	"github.com/basehaven/dbsync/internal/progress"
	"github.com/basehaven/dbsync/internal/safety"
	"github.com/basehaven/dbsync/internal/scheduler"
	dbsync "github.com/basehaven/dbsync/internal/sync"
	"github.com/basehaven/dbsync/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync orchestrator server",
	Long: `Start the sync orchestrator server.

The server requires a configuration file (--config) that specifies the
local and remote PostgreSQL instances, sync tuning, and the history
store location. See examples/ for a sample configuration.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	// Progress subscriptions and CSV exports hold connections open well
	// past a typical API response
	serverWriteTimeout = 60 * time.Second
	serverIdleTimeout  = 60 * time.Second

	connectTimeout = 30 * time.Second
)

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides config)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address"))
	if err != nil {
		logger.Fatalf("Failed to bind address flag: %v", err)
	}
	err = viper.BindPFlag("config", serveCmd.Flags().Lookup("config"))
	if err != nil {
		logger.Fatalf("Failed to bind config flag: %v", err)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		logger.Fatalf("Failed to mark config flag as required: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Initialize(
		logger.WithDebug(viper.GetBool("debug") || cfg.Log.Debug),
		logger.WithLogFile(cfg.Log.File),
	)
	defer func() { _ = logger.Sync() }()

	address := viper.GetString("address")
	if address == "" {
		address = cfg.Server.Address
	}

	logger.Infof("Loaded configuration from %s (local: %s:%d/%s, remote: %s:%d/%s)",
		configPath,
		cfg.Local.Host, cfg.Local.Port, cfg.Local.Database,
		cfg.Remote.Host, cfg.Remote.Port, cfg.Remote.Database)

	log := logger.NewLogger()

	// The gateways stat this directory for free-space checks
	if err := os.MkdirAll(cfg.Sync.SnapshotDir, 0750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), connectTimeout)
	defer connectCancel()

	local, err := gateway.NewPostgres(connectCtx, &cfg.Local, cfg.Sync.SnapshotDir, log)
	if err != nil {
		return fmt.Errorf("failed to connect to local instance: %w", err)
	}
	remote, err := gateway.NewPostgres(connectCtx, &cfg.Remote, cfg.Sync.SnapshotDir, log)
	if err != nil {
		_ = local.Close()
		return fmt.Errorf("failed to connect to remote instance: %w", err)
	}
	pair := &gateway.Pair{Local: local, Remote: remote}
	defer func() {
		if err := pair.Close(); err != nil {
			logger.Errorf("Failed to close database gateways: %v", err)
		}
	}()

	store, err := history.Open(cfg.History.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Failed to close history store: %v", err)
		}
	}()

	metrics := telemetry.NewSyncMetrics()
	hub := progress.NewHub(log)

	executor := dbsync.NewExecutor(pair, cfg, log,
		dbsync.WithPublisher(hub),
		dbsync.WithHistory(store),
		dbsync.WithMetrics(metrics),
	)

	checker := preflight.NewChecker(pair, cfg, log)
	gate := safety.NewGate(checker, cfg, log)

	var refresher *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		refresher = scheduler.New(pair, cfg, executorRunning{executor}, log)
		if err := refresher.Start(); err != nil {
			return fmt.Errorf("failed to start snapshot refresher: %w", err)
		}
	}

	routes := v1.NewRoutes(gate, executor, checker, hub, store, log)
	router := api.NewServer(routes, pair,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			api.LoggingMiddleware,
		),
		api.WithMetricsHandler(metrics.Handler()),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infof("Server listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	if refresher != nil {
		refresher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	// Abort any running sync and wait for its rollback to finish; the
	// target must not be left mid-import when the process exits.
	if err := executor.Stop(shutdownCtx); err != nil {
		logger.Errorf("Sync executor did not stop cleanly: %v", err)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}

// executorRunning adapts the executor to the scheduler's RunningChecker
type executorRunning struct {
	executor *dbsync.Executor
}

func (e executorRunning) Running() bool {
	return e.executor.Running() != nil
}
