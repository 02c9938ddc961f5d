// Command taskqd is the taskq server daemon. It serves the REST API, runs
// periodic aging passes and exports Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/taskq/artifacts"
	"github.com/GoCodeAlone/taskq/comms"
	"github.com/GoCodeAlone/taskq/config"
	"github.com/GoCodeAlone/taskq/internal/version"
	"github.com/GoCodeAlone/taskq/manager"
	"github.com/GoCodeAlone/taskq/metrics"
	"github.com/GoCodeAlone/taskq/server"
	"github.com/GoCodeAlone/taskq/storage"
	"github.com/GoCodeAlone/taskq/task"
)

var configPath = flag.String("config", "taskq.yaml", "path to YAML config file")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "taskqd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	logger.Info("starting taskqd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("driver", cfg.Storage.Driver),
		slog.String("path", cfg.Storage.Path),
	)

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	bus := comms.NewInMemoryBus()

	mover := artifacts.NewMover(cfg.DataDir, logger)
	if err := mover.Init(); err != nil {
		return err
	}
	defer mover.Attach(bus)()

	m := metrics.New()
	defer m.Attach(bus)()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := manager.New(ctx, store,
		manager.WithBus(bus),
		manager.WithThresholds(cfg.Aging.Thresholds()),
		manager.WithBatchCapacity(cfg.Batch.Capacity),
		manager.WithMaxRetries(cfg.Tasks.MaxRetries),
		manager.WithExportDir(mover.Dir(task.StatusPending)),
		manager.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build manager: %w", err)
	}

	srv := server.New(*cfg, version.Version, logger)
	srv.SetQueue(mgr)
	srv.SetBus(bus)
	srv.SetMetrics(m)

	go agingLoop(ctx, mgr, m, cfg.Aging.Interval, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop", slog.Any("err", err))
	}
	logger.Info("shutdown complete")
	return nil
}

// agingLoop promotes waiting tasks every interval and refreshes the
// statistics gauges after each pass.
func agingLoop(ctx context.Context, mgr *manager.Manager, m *metrics.Metrics, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := func() {
		n, err := mgr.ApplyBoosts(ctx)
		if err != nil {
			logger.Error("aging pass failed", slog.Any("err", err))
		} else if n > 0 {
			logger.Info("aging pass", slog.Int("boosted", n))
		}
		st, err := mgr.Stats(ctx)
		if err != nil {
			logger.Error("refresh stats", slog.Any("err", err))
			return
		}
		m.Observe(st)
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// loadConfig falls back to defaults when the default config file is absent.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return config.DefaultConfig(), nil
	}
	return nil, err
}
