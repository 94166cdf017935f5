// Haven orchestrator daemon — schedules archival jobs, drives discovery
// plugins through the step pipeline, and serves the admin HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/haven-archive/haven/pkg/api"
	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/cleanup"
	"github.com/haven-archive/haven/pkg/config"
	"github.com/haven-archive/haven/pkg/database"
	"github.com/haven-archive/haven/pkg/executor"
	"github.com/haven-archive/haven/pkg/metrics"
	"github.com/haven-archive/haven/pkg/notify"
	"github.com/haven-archive/haven/pkg/pipeline"
	"github.com/haven-archive/haven/pkg/pipeline/steps"
	"github.com/haven-archive/haven/pkg/plugin"
	"github.com/haven-archive/haven/pkg/plugin/localdir"
	"github.com/haven-archive/haven/pkg/scheduler"
	"github.com/haven-archive/haven/pkg/services"
	"github.com/haven-archive/haven/pkg/sources"
	"github.com/haven-archive/haven/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogging installs the process-wide slog handler per the logging
// section. LOG_LEVEL overrides the configured level.
func setupLogging(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(getEnv("LOG_LEVEL", cfg.Level)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// application owns every long-lived component, constructed in dependency
// order by main and torn down in reverse by shutdown.
type application struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	events     *bus.Bus
	db         *database.Client
	jobs       *services.JobService
	executions *services.ExecutionService
	sources    *sources.Store
	plugins    *plugin.Manager
	pipeline   *pipeline.Manager
	executor   *executor.Executor
	notifier   *notify.Service
	detach     func()
	scheduler  *scheduler.Scheduler
	retention  *cleanup.Service
	watcher    *config.Watcher
	api        *api.Server
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "",
		"Path to haven.yaml (default: $HAVEN_CONFIG, then ./haven.yaml)")
	flag.Parse()

	// Load .env so {{.VAR}} references in haven.yaml resolve
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg.Logging)
	logger.Info("Starting Haven",
		"version", version.Full(),
		"data_dir", cfg.DataDir)

	app := &application{cfg: cfg, logger: logger}

	// 2. Metrics registry and event bus
	app.metrics = metrics.New()
	app.events = bus.New(logger, app.metrics)
	app.events.EnableHistory(cfg.Events.HistorySize)

	// 3. Job store
	app.db, err = database.NewClient(ctx, database.Config{
		Driver:          cfg.Database.Driver,
		Path:            cfg.Database.Path,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := app.db.Close(); err != nil {
			logger.Error("Error closing database", "error", err)
		}
	}()
	logger.Info("Database ready", "driver", app.db.Driver())

	app.jobs = services.NewJobService(app.db)
	app.executions = services.NewExecutionService(app.db)

	// 4. Known-source store
	app.sources, err = sources.NewStore(filepath.Join(cfg.DataDir, "known_sources"), logger)
	if err != nil {
		logger.Error("Failed to open known-source store", "error", err)
		os.Exit(1)
	}

	// 5. Plugins
	app.plugins = plugin.NewManager(logger)
	if cfg.Plugins.LocalDir.Enabled {
		if err := registerLocalDir(app.plugins, cfg.Plugins.LocalDir, logger); err != nil {
			logger.Error("Failed to set up localdir plugin", "error", err)
			os.Exit(1)
		}
	}
	app.plugins.InitializeAll(ctx)

	// 6. Pipeline
	app.pipeline, err = buildPipeline(cfg, app.events, logger, app.metrics)
	if err != nil {
		logger.Error("Failed to build pipeline", "error", err)
		os.Exit(1)
	}

	// 7. Executor, with failure notifications when Slack is configured
	app.executor = executor.New(
		executor.Config{MaxConcurrentArchives: cfg.Executor.MaxConcurrentArchives},
		executor.Deps{
			Plugins:  app.plugins,
			Sources:  app.sources,
			Pipeline: app.pipeline,
			Recorder: app.executions,
			Events:   app.events,
			Logger:   logger,
			Metrics:  app.metrics,
		})

	var runner scheduler.JobRunner = app.executor
	if cfg.Notifications.Slack.Enabled {
		app.notifier = notify.NewService(notify.ServiceConfig{
			Token:   cfg.Notifications.Slack.Token,
			Channel: cfg.Notifications.Slack.Channel,
		})
		if app.notifier == nil {
			logger.Warn("Slack notifications enabled but token or channel is empty, skipping")
		} else {
			app.detach = app.notifier.Subscribe(app.events)
			runner = notify.WrapRunner(app.executor, app.notifier)
			logger.Info("Slack notifications enabled",
				"channel", cfg.Notifications.Slack.Channel)
		}
	}

	// 8. Scheduler — loads persisted jobs and begins firing
	app.scheduler = scheduler.New(
		scheduler.Config{
			DataDir:       cfg.DataDir,
			BackupFile:    cfg.Scheduler.BackupFile,
			MisfireGrace:  cfg.Scheduler.MisfireGrace,
			HistorySize:   cfg.Scheduler.HistorySize,
			ShutdownGrace: cfg.Scheduler.ShutdownGrace,
		},
		scheduler.Deps{
			Jobs:    app.jobs,
			Runner:  runner,
			Logger:  logger,
			Metrics: app.metrics,
		})
	if err := app.scheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// 9. Retention loop
	if cfg.Retention.IsEnabled() {
		app.retention = cleanup.NewService(cfg.Retention, app.executions, app.scheduler, logger, app.metrics)
		app.retention.Start(ctx)
	}

	// 9a. Config file watcher. A changed file is announced on the bus;
	// applying it needs a restart.
	if cfg.Path() != "" {
		app.watcher, err = config.NewWatcher(cfg, func(next *config.Config) {
			app.events.Publish(bus.Event{
				Type:    bus.EventTypeConfigUpdate,
				Source:  "config-watcher",
				Payload: map[string]any{"config_file": next.Path()},
			})
			logger.Warn("Configuration file changed on disk, restart to apply")
		}, logger)
		if err == nil {
			err = app.watcher.Start()
		}
		if err != nil {
			logger.Warn("Config watcher unavailable", "error", err)
			app.watcher = nil
		}
	}

	// 10. Admin API (non-blocking)
	errCh := make(chan error, 1)
	if cfg.API.IsEnabled() {
		app.api = api.New(cfg.API, api.Deps{
			Scheduler:  app.scheduler,
			Jobs:       app.jobs,
			Executions: app.executions,
			Sources:    app.sources,
			Plugins:    app.plugins,
			Events:     app.events,
			DB:         app.db,
			Metrics:    app.metrics,
			Logger:     logger,
		})
		go func() {
			logger.Info("Admin API listening", "addr", cfg.API.Addr())
			if err := app.api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin API error", "error", err)
				errCh <- err
			}
		}()
	}

	logger.Info("Haven started",
		"plugins", len(app.plugins.List()),
		"api_enabled", cfg.API.IsEnabled(),
		"retention_enabled", cfg.Retention.IsEnabled())

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown
	app.shutdown(ctx)
}

// registerLocalDir registers and configures the local-directory plugin.
func registerLocalDir(plugins *plugin.Manager, cfg config.LocalDirConfig, logger *slog.Logger) error {
	if err := plugins.Register(localdir.New(logger)); err != nil {
		return err
	}
	opts := map[string]any{
		"watch_dir":   cfg.WatchDir,
		"archive_dir": cfg.ArchiveDir,
	}
	if len(cfg.Patterns) > 0 {
		opts["patterns"] = cfg.Patterns
	}
	return plugins.Configure(localdir.PluginName, opts)
}

// buildPipeline assembles the step chain from the pipeline section. The
// encrypter and uploader are injected only when their steps are enabled;
// analyze and sync have no local collaborator and stay injection points.
func buildPipeline(cfg *config.Config, events *bus.Bus, logger *slog.Logger, m *metrics.Metrics) (*pipeline.Manager, error) {
	builder := steps.NewBuilder(events, logger, m).
		WithMaxConcurrent(cfg.Pipeline.MaxConcurrent).
		WithRetryPolicy(cfg.Pipeline.MaxRetries, cfg.Pipeline.RetryDelayBase).
		WithIngestEnabled(cfg.Pipeline.IngestEnabled()).
		WithAnalyzeEnabled(cfg.Pipeline.AnalyzeEnabled()).
		WithEncryptEnabled(cfg.Pipeline.EncryptEnabled()).
		WithUploadEnabled(cfg.Pipeline.UploadEnabled()).
		WithSyncEnabled(cfg.Pipeline.SyncEnabled())

	if cfg.Pipeline.EncryptEnabled() {
		encrypter, err := steps.NewAESEncrypter(cfg.Encryption.Key)
		if err != nil {
			return nil, err
		}
		builder = builder.WithEncrypter(encrypter)
	}
	if cfg.Pipeline.UploadEnabled() {
		builder = builder.WithUploader(steps.NewLocalStoreUploader(cfg.Storage.StoreDir))
	}

	return builder.Build(), nil
}

// shutdown tears components down in reverse start order: stop admission
// (API), stop producers (watcher, retention, scheduler), drain in-flight
// work (executor), then close the notifier and plugins. The database closes
// via main's defer.
func (app *application) shutdown(ctx context.Context) {
	if app.api != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := app.api.Shutdown(httpCtx); err != nil {
			app.logger.Error("Admin API shutdown error", "error", err)
		}
		cancel()
	}

	if app.watcher != nil {
		app.watcher.Stop()
	}
	if app.retention != nil {
		app.retention.Stop()
	}

	// Stop waits up to ShutdownGrace for in-flight fires and writes the
	// JSON backup.
	app.scheduler.Stop()

	// Drain pipeline submissions that detached from their job run.
	app.executor.Wait()

	if app.notifier != nil {
		app.detach()
		app.notifier.Close()
	}

	pluginCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	app.plugins.ShutdownAll(pluginCtx)
	cancel()

	app.logger.Info("Shutdown complete")
}
