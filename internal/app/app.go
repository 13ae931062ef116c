// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tildaslashalef/fieldsync/internal/config"
	"github.com/tildaslashalef/fieldsync/internal/conflict"
	"github.com/tildaslashalef/fieldsync/internal/connectivity"
	"github.com/tildaslashalef/fieldsync/internal/database"
	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/mutation"
	"github.com/tildaslashalef/fieldsync/internal/outbox"
	"github.com/tildaslashalef/fieldsync/internal/realtime"
	"github.com/tildaslashalef/fieldsync/internal/remote"
	fsync "github.com/tildaslashalef/fieldsync/internal/sync"
	"github.com/tildaslashalef/fieldsync/internal/telemetry"
)

// App represents the application instance with its dependencies
type App struct {
	Config   *config.Config
	DeviceID string
	Settings *config.SettingsService
	Store    *entity.SQLStore
	Outbox   *outbox.Queue
	Resolver *conflict.Resolver
	Entities *mutation.Service
	Sync     *fsync.Orchestrator
	History  *fsync.SQLRepository
	Client   *remote.Client
	Monitor  *connectivity.ProbeMonitor
	Realtime *realtime.WebSocketChannel // nil when realtime is disabled
	Metrics  *telemetry.Recorder

	db     *sql.DB
	logger *loggy.Logger
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
	)

	logger := loggy.GetGlobalLogger()
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if _, err := database.Migrate(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	app, err := initServices(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	loggy.Info("Application initialized successfully", "device_id", app.DeviceID)
	return app, nil
}

// initConfig loads and sets up the application configuration
func initConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	config.Set(cfg)
	return cfg, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initServices wires the sync engine. Every service is constructed once here
// and shared by reference.
func initServices(cfg *config.Config, db *sql.DB, logger *loggy.Logger) (*App, error) {
	ctx := context.Background()

	settings := config.NewSettingsService(config.NewSQLSettingsRepository(db, logger), cfg, logger)
	if err := settings.LoadInto(ctx); err != nil {
		loggy.Warn("Failed to load saved settings, using configuration defaults", "error", err)
	}
	deviceID, err := settings.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}

	client := remote.NewClient(cfg.Server.URL, cfg.Server.Token, cfg.Server.Timeout, logger,
		remote.WithRateLimit(cfg.Server.RequestsPerMinute, cfg.Server.BurstLimit))
	gateway := remote.WithTimeout(client, cfg.Server.Timeout)

	store := entity.NewSQLStore(db, logger)
	locks := outbox.NewEntityLocks()
	resolver := conflict.NewResolver(store, gateway, nil, locks, nil, logger)

	queue := outbox.NewQueue(outbox.NewSQLRepository(db, logger), gateway, resolver, locks, deviceID, logger,
		outbox.WithMaxAttempts(cfg.Sync.MaxAttempts),
		outbox.WithBackoff(cfg.Sync.BackoffBase, cfg.Sync.BackoffMax),
		outbox.WithBatchSize(cfg.Sync.BatchSize),
		outbox.WithLockWait(cfg.Sync.EntityLockWait),
	)
	resolver.SetInFlightChecker(queue)

	monitor := connectivity.NewProbeMonitor(
		connectivity.HTTPProbe(http.DefaultClient, cfg.Connectivity.ProbeURL),
		cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, logger)

	history := fsync.NewSQLRepository(db, logger)
	opts := []fsync.Option{
		fsync.WithLogRepository(history),
		fsync.WithConnectivity(monitor),
	}
	if cfg.Sync.Enabled {
		opts = append(opts, fsync.WithInterval(cfg.Sync.Interval))
	}

	var channel *realtime.WebSocketChannel
	if cfg.Realtime.Enabled {
		channel = realtime.NewWebSocketChannel(realtime.WebSocketConfig{
			URL:               cfg.Realtime.URL,
			Token:             cfg.Server.Token,
			DeviceID:          deviceID,
			HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
			ReconnectMin:      cfg.Realtime.ReconnectMin,
			ReconnectMax:      cfg.Realtime.ReconnectMax,
		}, logger)
		opts = append(opts, fsync.WithRealtime(channel))
	}

	orchestrator := fsync.NewOrchestrator(queue, resolver, gateway, settings, logger, opts...)

	return &App{
		Config:   cfg,
		DeviceID: deviceID,
		Settings: settings,
		Store:    store,
		Outbox:   queue,
		Resolver: resolver,
		Entities: mutation.NewService(store, queue, locks, logger),
		Sync:     orchestrator,
		History:  history,
		Client:   client,
		Monitor:  monitor,
		Realtime: channel,
		Metrics:  telemetry.NewRecorder(queue, logger),
		db:       db,
		logger:   logger,
	}, nil
}

// Recover releases operations abandoned in processing by a crashed process
// and requeues entities whose operation was never written.
func (app *App) Recover(ctx context.Context) (stale, orphans int, err error) {
	stale, err = app.Outbox.RecoverStale(ctx, app.Config.Sync.StaleAfter)
	if err != nil {
		return 0, 0, fmt.Errorf("recovering stale operations: %w", err)
	}
	orphans, err = app.Entities.RequeueOrphans(ctx)
	if err != nil {
		return stale, 0, fmt.Errorf("requeueing orphaned entities: %w", err)
	}
	return stale, orphans, nil
}

// Run starts the long running parts of the engine and blocks until ctx is
// done or one of them fails.
func (app *App) Run(ctx context.Context) error {
	if _, _, err := app.Recover(ctx); err != nil {
		return err
	}

	detach := app.Metrics.Attach(app.Outbox, app.Sync, app.Resolver)
	defer detach()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Monitor.Run(ctx) })
	if app.Realtime != nil {
		g.Go(func() error { return app.Realtime.Run(ctx) })
	}
	if app.Config.Metrics.Enabled {
		g.Go(func() error { return app.Metrics.Serve(ctx, app.Config.Metrics.Addr, app.logger) })
	}
	g.Go(func() error { return app.Sync.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	if err := app.db.Close(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}
	return app.logger.Close()
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
