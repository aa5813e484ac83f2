package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/me/gowps/internal/backend"
	"github.com/me/gowps/internal/blob"
	"github.com/me/gowps/internal/config"
	"github.com/me/gowps/internal/dispatch"
	"github.com/me/gowps/internal/jobs"
	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/queue"
	"github.com/me/gowps/internal/registry"
	"github.com/me/gowps/internal/remote"
	"github.com/me/gowps/internal/results"
	"github.com/me/gowps/internal/server"
	"github.com/me/gowps/internal/staging"
	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/internal/vault"
	"github.com/me/gowps/internal/worker"
	"github.com/me/gowps/pkg/cwl"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file (GOWPS_* env vars also apply)")
	addr := flag.String("addr", "", "Listen address")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	dbPath := flag.String("db", "", "Database path (default <data-dir>/gowps.db)")
	dataDir := flag.String("data-dir", "", "Data directory (default ~/.gowps)")
	workers := flag.Int("workers", -1, "In-process workers (0 disables)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	// Flags override file and environment.
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *workers >= 0 {
		cfg.Workers.Local = *workers
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	if err := cfg.ResolvePaths(); err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := queue.NewDurable(st)
	mgr := jobs.NewManager(st, logger, jobs.WithQueue(q), jobs.WithMeterProvider(otel.GetMeterProvider()))
	reg := registry.New(st, logger,
		registry.WithJobCanceller(mgr),
		registry.WithHTTPClient(&http.Client{Timeout: cfg.Remote.RequestTimeout}))
	v := vault.New(st, filepath.Join(cfg.DataDir, "vault"), vault.Options{
		MaxFileSize:  cfg.Vault.MaxFileSize,
		MaxTotalSize: cfg.Vault.MaxTotalSize,
		TTL:          cfg.Vault.TTL,
	}, logger)

	var s3Client *s3.Client
	if cfg.S3.Enabled() {
		s3Client, err = blob.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return err
		}
		logger.Info("s3 enabled", "region", cfg.S3.Region, "endpoint", cfg.S3.Endpoint)
	}

	resolver := staging.New(staging.Options{
		Root:        filepath.Join(cfg.DataDir, "jobs"),
		Timeout:     cfg.Staging.Timeout,
		Parallelism: cfg.Staging.Parallelism,
	}, logger)
	resolver.Register(cwl.SchemeFile, staging.NewFileFetcher(cfg.Staging.AllowedRoots))
	httpFetcher := staging.NewHTTPFetcher(staging.HTTPConfig{MaxRetries: cfg.Staging.MaxRetries})
	resolver.Register(cwl.SchemeHTTP, httpFetcher)
	resolver.Register(cwl.SchemeHTTPS, httpFetcher)
	resolver.Register(cwl.SchemeVault, staging.NewVaultFetcher(v))
	if s3Client != nil {
		resolver.Register(cwl.SchemeS3, staging.NewS3Fetcher(s3Client))
	}

	var outputs results.OutputStore
	if cfg.S3.OutputBucket != "" {
		outputs = results.NewS3Store(s3Client, s3.NewPresignClient(s3Client),
			cfg.S3.OutputBucket, cfg.S3.OutputPrefix, cfg.S3.PresignExpiry)
	} else {
		outputs = results.NewLocalStore(filepath.Join(cfg.DataDir, "outputs"), strings.TrimRight(cfg.PublicURL, "/")+"/api/v1")
	}
	agg := results.New(mgr, st, outputs, logger)

	backends := newBackends(cfg, jobs.NewRelayReporter(mgr), logger)
	disp := dispatch.New(reg, resolver, mgr, q, dispatch.Config{SyncTimeout: cfg.Execution.SyncTimeout}, logger,
		dispatch.WithVault(v))

	reaper := jobs.NewReaper(mgr, st, q, v, jobs.ReaperConfig{
		Interval:     cfg.Execution.ReaperInterval,
		DismissGrace: cfg.Execution.DismissGrace,
		Retention:    cfg.Execution.JobRetention,
	}, logger,
		func(_ context.Context, jobID string) error { return resolver.Cleanup(jobID) },
		agg.Cleanup,
	)

	srv := server.New(server.Config{
		WorkerKey: cfg.Workers.Key,
		IsAdmin:   cfg.IsAdmin,
	}, server.Deps{
		Store:      st,
		Registry:   reg,
		Dispatcher: disp,
		Jobs:       mgr,
		Results:    agg,
		Vault:      v,
		Queue:      q,
	}, logger)
	if cfg.Workers.Key == "" {
		logger.Warn("worker authentication disabled (workers.key is empty)")
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := reaper.Start(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	if cfg.Workers.Local > 0 {
		pool := worker.NewPool(q, func(id string) *worker.Runner {
			return worker.NewRunner(id, q, jobs.NewLocalReporter(mgr, id), backends, agg, st,
				worker.RunnerConfig{Lease: cfg.Workers.LeaseDuration}, logger)
		}, worker.PoolConfig{
			Size:     cfg.Workers.Local,
			Poll:     cfg.Workers.PollInterval,
			Backends: backends.Kinds(),
			Lease:    cfg.Workers.LeaseDuration,
		}, logger)
		g.Go(func() error { return pool.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Addr, "local_workers", cfg.Workers.Local)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// newBackends registers every backend the server can run in-process.
func newBackends(cfg config.ServerConfig, relay remote.Relay, logger *slog.Logger) *backend.Registry {
	reg := backend.NewRegistry(logger)

	var runner string
	var extra []string
	if len(cfg.Execution.CWLRunner) > 0 {
		runner, extra = cfg.Execution.CWLRunner[0], cfg.Execution.CWLRunner[1:]
	}
	reg.Register(backend.NewCWLRunner(runner, extra, logger))
	reg.Register(backend.NewDocker(backend.DockerConfig{Binary: cfg.Execution.DockerPath}, logger))

	factory := remote.NewFactory(remote.ProviderOptions{
		HTTPClient: &http.Client{Timeout: cfg.Remote.RequestTimeout},
		Token:      cfg.Remote.Token,
		Logger:     logger,
	})
	adapter := remote.NewAdapter(factory, relay, remote.Config{
		PollInterval:   cfg.Remote.PollInterval,
		RequestTimeout: cfg.Remote.RequestTimeout,
		MaxRetries:     cfg.Remote.MaxRetries,
		MaxElapsed:     cfg.Remote.MaxElapsed,
	}, logger)
	reg.Register(backend.NewRemote(adapter))
	return reg
}
