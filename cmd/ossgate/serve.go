package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ossgate/ossgate/internal/auth"
	"github.com/ossgate/ossgate/internal/authz"
	"github.com/ossgate/ossgate/internal/cascade"
	"github.com/ossgate/ossgate/internal/catalog"
	"github.com/ossgate/ossgate/internal/config"
	"github.com/ossgate/ossgate/internal/handlers"
	"github.com/ossgate/ossgate/internal/logging"
	"github.com/ossgate/ossgate/internal/metrics"
	"github.com/ossgate/ossgate/internal/ratelimit"
	"github.com/ossgate/ossgate/internal/replication"
	"github.com/ossgate/ossgate/internal/server"
	"github.com/ossgate/ossgate/internal/storage"
	"github.com/ossgate/ossgate/internal/taskqueue"
	"github.com/ossgate/ossgate/internal/throttle"
	"github.com/ossgate/ossgate/internal/tracing"
	"github.com/ossgate/ossgate/internal/uid"
	"github.com/ossgate/ossgate/internal/upload"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var host, logLevel, logFormat string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if logFormat != "" {
				cfg.Logging.Format = logFormat
			}
			return serve(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&host, "host", "", "override listening host")
	f.IntVar(&port, "port", 0, "override listening port")
	f.StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	f.StringVar(&logFormat, "log-format", "", "log format: json, console")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()
	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	// SQLite WAL recovers on open, so every start is also a recovery.
	if err := os.MkdirAll(filepath.Dir(cfg.Catalog.SQLite.Path), 0o755); err != nil {
		return fmt.Errorf("creating catalog directory: %w", err)
	}
	store, err := catalog.NewSQLiteStore(cfg.Catalog.SQLite.Path)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer store.Close()

	regions, err := storage.Open(ctx, cfg.Regions)
	if err != nil {
		return fmt.Errorf("opening regions: %w", err)
	}
	for _, r := range regions.Regions() {
		logger.Info().Str("region", r.ID).Bool("enabled", r.Enabled).Msg("Region registered")
	}

	resolver := authz.NewResolver(store)

	var (
		wg         sync.WaitGroup
		worker     *taskqueue.Worker
		replicator upload.Replicator
		deleter    cascade.DeleteReplicator
		backfill   handlers.Backfiller
	)
	if cfg.Replication.Enabled {
		queue, err := taskqueue.NewSQLiteQueue(store.DB(), cfg.Replication.VisibilityTimeout)
		if err != nil {
			return fmt.Errorf("opening task queue: %w", err)
		}
		dispatcher := replication.NewDispatcher(queue, cfg.Replication.MaxRetries)
		replicator, deleter = dispatcher, dispatcher

		worker = taskqueue.NewWorker(taskqueue.WorkerConfig{
			ID:                "replication-" + uid.Suffix(8),
			Queue:             queue,
			PollInterval:      cfg.Replication.PollInterval,
			Concurrency:       cfg.Replication.Concurrency,
			HeartbeatInterval: cfg.Replication.VisibilityTimeout / 3,
			Logger:            &logger,
		})
		replication.Register(worker, store, regions, replication.Options{
			ChunkSize: cfg.Transfer.ChunkSize,
			Window:    cfg.Transfer.DownloadWindow,
			Limiter:   replication.NewLimiter(cfg.Replication.RateLimit, cfg.Replication.RateBurst),
		})
		worker.Start(ctx)

		reconciler := replication.NewReconciler(store, dispatcher, cfg.Replication.ReconcileInterval)
		backfill = reconciler
		wg.Add(3)
		go func() { defer wg.Done(); reconciler.Run(ctx) }()
		go func() { defer wg.Done(); taskqueue.ReportDepth(ctx, queue, 15*time.Second) }()
		go func() { defer wg.Done(); cleanupTasks(ctx, queue, cfg.Replication.RetainCompleted) }()
	}

	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("creating token issuer: %w", err)
	}
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithAuthenticator(auth.NewAuthenticator(store, tokens, cfg.Quota.EnforceCapacity)),
	}
	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.New(ctx, cfg.RateLimit)
		if err != nil {
			return fmt.Errorf("creating rate limiter: %w", err)
		}
		opts = append(opts, server.WithLimiter(limiter))
	}

	deletes := cascade.New(store, regions, resolver, deleter)
	srv := server.New(cfg, store, regions, server.Handlers{
		Buckets: handlers.NewBucketHandler(store, regions, deletes, backfill, cfg.Quota.EnforceCapacity),
		ACLs:    handlers.NewACLHandler(store, resolver),
		Objects: handlers.NewObjectHandler(store, regions, resolver,
			upload.NewCoordinator(store, regions, resolver, replicator, cfg.Transfer.ChunkSize),
			throttle.New(store, regions, resolver, cfg.Transfer.MinBandwidth, cfg.Transfer.DownloadWindow),
			deletes,
			cfg.Server.MaxUploadSize,
		),
	}, opts...)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Str("version", Version).Msg("ossgate listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
	stop()
	if worker != nil {
		worker.Stop()
	}
	wg.Wait()
	logger.Info().Msg("Server stopped")
	return nil
}

// cleanupTasks drops finished tasks older than retain once an hour.
func cleanupTasks(ctx context.Context, q taskqueue.Queue, retain time.Duration) {
	if retain <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Cleanup(ctx, retain)
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("Task cleanup failed")
				continue
			}
			if n > 0 {
				zerolog.Ctx(ctx).Info().Int("removed", n).Msg("Cleaned up finished tasks")
			}
		}
	}
}
