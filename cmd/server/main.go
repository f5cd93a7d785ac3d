/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the night audit server: HTTP API plus the nightly
  scheduler. Handles configuration, dependency injection, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build the zap logger
  3. Initialize SQLite store and fail runs abandoned by a crashed process
  4. Connect the Redis run lock if REDIS_URL is set. Without it the lock is
     in-process, and the pipeline treats every in-progress log it finds
     while holding the lock as orphaned, so only one instance may use the
     database.
  5. Build the pipeline, handler, scheduler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (override environment):
  -port       HTTP server port
  -db         SQLite database path (":memory:" for an in-memory database)
  -redis      Redis URL for the cross-process run lock
  -scheduler  Enable the nightly scheduler

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight run to finalize)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and database connections

EXAMPLES:
  # Run with file database, audit yesterday after 03:00
  AUDIT_RUN_HOUR=3 ./server -db="./data/night-audit.db"

  # Two instances sharing a database, serialized through Redis
  ./server -redis="redis://localhost:6379/0"

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - api/scheduler.go: Nightly scheduler
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/night-audit/api"
	"github.com/warp/night-audit/audit"
	"github.com/warp/night-audit/config"
	"github.com/warp/night-audit/lock"
	"github.com/warp/night-audit/store/sqlite"
)

func main() {
	cfg := config.Load()

	// Flags
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL for the run lock (empty = none)")
	flag.BoolVar(&cfg.SchedulerEnabled, "scheduler", cfg.SchedulerEnabled, "Run the nightly audit scheduler")
	flag.Parse()

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	cfg.Validate(logger)

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("initialize database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if n, err := store.AbandonStaleAudits(ctx, time.Now().UTC().Add(-cfg.StaleAfter)); err != nil {
		logger.Error("abandon stale audits", zap.Error(err))
	} else if n > 0 {
		logger.Warn("marked stale in-progress audits as failed", zap.Int("count", n))
	}

	// Run lock
	var locker audit.Locker = audit.NewLocalLocker()
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisLockerFromURL(ctx, cfg.RedisURL, cfg.LockTTL, logger)
		if err != nil {
			logger.Fatal("connect redis", zap.Error(err))
		}
		defer rl.Close()
		locker = rl
	}

	pipeline := audit.NewPipeline(store,
		audit.WithRates(store),
		audit.WithLocker(locker),
		audit.WithStaleAfter(cfg.StaleAfter),
		audit.WithLogger(logger.Named("pipeline")),
	)

	scheduler := api.NewNightAuditScheduler(pipeline, logger)
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.RunHour = cfg.RunHour
	scheduler.CheckInterval = cfg.CheckInterval
	scheduler.Actor = cfg.Actor
	scheduler.RetryFailedAfter = cfg.RetryFailedAfter

	handler := api.NewHandler(store, pipeline, logger)
	handler.Scheduler = scheduler

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // POST /runs blocks until the audit is finalized
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()

	// Start server in goroutine
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr), zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
