package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"file-relay/internal/config"
	"file-relay/internal/content"
	"file-relay/internal/db"
	"file-relay/internal/logging"
	"file-relay/internal/metastore"
	"file-relay/internal/metrics"
	"file-relay/internal/reaper"
	"file-relay/internal/registry"
	"file-relay/internal/sanitize"
	"file-relay/internal/server"
)

const shutdownTimeout = 10 * time.Second

type contentBackend interface {
	content.Store
	server.Pinger
}

type metaBackend interface {
	registry.Persister
	server.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("relay stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

// run wires the relay and blocks until ctx is cancelled or the listener fails.
func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	store, err := openContent(ctx, cfg)
	if err != nil {
		return fmt.Errorf("content backend: %w", err)
	}

	meta, closeMeta, err := openMeta(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("metadata backend: %w", err)
	}
	defer closeMeta()

	reg := registry.New(meta, store, registry.Options{
		TTL:            cfg.TTL,
		TokenPolicy:    cfg.TokenPolicy,
		CountDownloads: cfg.CountDownloads,
		Logger:         log,
		Metrics:        m,
	})
	defer reg.Close()

	if err := reg.Load(ctx); err != nil {
		return err
	}
	healed, err := reg.Reconcile(ctx)
	if err != nil {
		log.Warn("reconcile incomplete", zap.Error(err))
	}
	log.Info("registry loaded",
		zap.Int("records", reg.Len()),
		zap.Int("healed", healed),
		zap.String("content_backend", cfg.ContentBackend),
		zap.String("meta_backend", cfg.MetaBackend),
	)

	san := sanitize.New(store, sanitize.Options{
		MaxFileSize:      cfg.MaxFileSizeBytes,
		AllowedMimeTypes: cfg.AllowedMimeTypes,
		Logger:           log,
		Metrics:          m,
	})

	srv := server.New(server.Config{Addr: cfg.Addr, RateLimit: cfg.RateLimit, TrustProxy: cfg.TrustProxy}, server.Deps{
		Registry:  reg,
		Sanitizer: san,
		Content:   store,
		Metrics:   m,
		Logger:    log,
		Checks: map[string]server.Pinger{
			"content":  store,
			"metadata": meta,
		},
	})

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reaper.New(reg, cfg.SweepInterval, log, m).Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	cancel()
	<-reaperDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
	return serveErr
}

func openContent(ctx context.Context, cfg config.Config) (contentBackend, error) {
	switch cfg.ContentBackend {
	case config.ContentMinio:
		return content.NewMinio(ctx, cfg.S3)
	case config.ContentDisk, "":
		return content.NewDisk(cfg.StorageRoot)
	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.ContentBackend)
	}
}

// openMeta returns the metadata persister and a func releasing its
// connections.
func openMeta(ctx context.Context, cfg config.Config, log *zap.Logger) (metaBackend, func(), error) {
	noop := func() {}

	switch cfg.MetaBackend {
	case config.MetaPostgres:
		if err := db.Migrate(cfg.DatabaseURL, log); err != nil {
			return nil, noop, err
		}
		conn, err := db.OpenDB(cfg.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		return metastore.NewPostgres(conn), func() { _ = conn.Close() }, nil

	case config.MetaRedis:
		client, err := metastore.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, noop, err
		}
		return metastore.NewRedis(client, cfg.Redis.Key), func() { _ = client.Close() }, nil

	case config.MetaJSON, "":
		return metastore.NewJSONFile(cfg.MetaPath), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown metadata backend %q", cfg.MetaBackend)
	}
}
