package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/fieldsync/internal/api"
	"github.com/hyperengineering/fieldsync/internal/backup"
	"github.com/hyperengineering/fieldsync/internal/cache"
	"github.com/hyperengineering/fieldsync/internal/config"
	"github.com/hyperengineering/fieldsync/internal/connectivity"
	"github.com/hyperengineering/fieldsync/internal/gateway"
	"github.com/hyperengineering/fieldsync/internal/queue"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/worker"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

// metricsInterval is how often the queue and cache gauges are refreshed.
const metricsInterval = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "FieldSync - offline mutation queue agent",
	Long: "Runs the local sync agent: submissions are forwarded upstream while online " +
		"and queued durably while offline, then replayed when connectivity returns.",
	RunE:         run,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(statusCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Initialize store (migrations, WAL mode for sqlite)
	db, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "driver", cfg.Database.Driver, "path", cfg.Database.Path)

	// 5. Queue, connectivity and gateway
	poster := queue.NewHTTPPoster(cfg.Upstream.BaseURL, cfg.Upstream.Token,
		time.Duration(cfg.Upstream.RequestTimeout))
	qm := queue.NewManager(db, poster, queueConfig(cfg))
	monitor := connectivity.NewMonitor(qm, cfg.Connectivity.InitialOnline, backoffConfig(cfg))
	gw := gateway.New(monitor, poster, qm)
	slog.Info("queue initialized",
		"upstream", cfg.Upstream.BaseURL,
		"schema_version", cfg.Queue.SchemaVersion,
		"online", cfg.Connectivity.InitialOnline,
	)

	// 6. Reference cache
	cm := cache.NewManager(db, referenceSource(cfg), time.Duration(cfg.Cache.Retention))
	slog.Info("cache initialized", "retention", cm.Retention().String())

	// 7. Queue export
	bucket, err := backup.OpenBucket(cfg.Backup.Storage)
	if err != nil {
		db.Close()
		return err
	}
	exporter := backup.NewExporter(db, bucket, time.Duration(cfg.Backup.Storage.URLExpiry), cfg.Backup.Dir, cfg.Backup.DeviceID)

	// 8. Initialize HTTP router
	handler := api.NewHandler(qm, gw, monitor, cm, cfg.Auth.APIKey, Version).WithExporter(exporter)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 9. Configure HTTP server
	addr := cfg.Server.Addr()
	srv := newHTTPServer(cfg.Server, handler, router)

	// 10. Workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "connectivity-monitor", monitor.Run)
	if cfg.Connectivity.ProbeURL != "" {
		prober := connectivity.NewProber(cfg.Connectivity.ProbeURL,
			time.Duration(cfg.Connectivity.ProbeInterval),
			time.Duration(cfg.Connectivity.ProbeTimeout),
			monitor)
		startWorker(ctx, &wg, "connectivity-prober", prober.Run)
	}
	eviction := worker.NewCacheEvictionCoordinator(cm,
		time.Duration(cfg.Cache.EvictionInterval), cm.Retention())
	startWorker(ctx, &wg, "cache-eviction", eviction.Run)
	collector := worker.NewMetricsCollector(db, metricsInterval)
	startWorker(ctx, &wg, "metrics-collector", collector.Run)
	if cfg.Backup.Interval > 0 {
		exports := worker.NewBackupCoordinator(exporter, time.Duration(cfg.Backup.Interval))
		startWorker(ctx, &wg, "queue-export", exports.Run)
	}

	// 11. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 12. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 13. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 13a. Stop HTTP server (drains in-flight requests; open event streams
	// are ended by the shutdown hook)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 13b. Wait for workers to complete
	wg.Wait()

	// 13c. Stop the flush pass in flight; the interrupted entry goes back
	// to PENDING
	qm.Close()

	// 13d. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newHTTPServer builds the agent's HTTP server. Event streams are closed
// when Shutdown starts so they cannot hold it open until the timeout.
func newHTTPServer(cfg config.ServerConfig, h *api.Handler, router http.Handler) *http.Server {
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout),
		WriteTimeout: time.Duration(cfg.WriteTimeout),
	}
	srv.RegisterOnShutdown(h.CloseStreams)
	return srv
}

func queueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		SchemaVersion:    cfg.Queue.SchemaVersion,
		MinSchemaVersion: cfg.Queue.MinSchemaVersion,
		LeaseTTL:         time.Duration(cfg.Queue.LeaseTTL),
		MaxAttempts:      cfg.Queue.MaxAttempts,
		RequestTimeout:   time.Duration(cfg.Upstream.RequestTimeout),
	}
}

func backoffConfig(cfg *config.Config) connectivity.BackoffConfig {
	b := cfg.Queue.Backoff
	return connectivity.BackoffConfig{
		Enabled:       b.Enabled,
		Initial:       time.Duration(b.Initial),
		Max:           time.Duration(b.Max),
		JitterPercent: b.JitterPercent,
	}
}

// referenceSource returns the configured reference source, or nil when no
// reference URL is set.
func referenceSource(cfg *config.Config) cache.Source {
	if cfg.Reference.BaseURL == "" {
		return nil
	}
	return cache.NewPostgRESTSource(cfg.Reference.BaseURL, cfg.Reference.APIKey,
		time.Duration(cfg.Reference.Timeout))
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
