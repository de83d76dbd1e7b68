package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/campinsights/yamsd/internal/config"
	"github.com/campinsights/yamsd/internal/daemon"
	"github.com/campinsights/yamsd/internal/logging"
	"github.com/campinsights/yamsd/internal/metrics"
	"github.com/campinsights/yamsd/internal/procinfo"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Sugar().Debugf(format, args...)
	})); err != nil {
		logger.Warn("failed to set GOMAXPROCS from cgroup", zap.Error(err))
	}

	metricsRegistry := metrics.NewRegistry()
	dm := daemon.New(cfg, metricsRegistry, logger)

	sampler, err := procinfo.NewSampler(metricsRegistry, logger, cfg.Daemon.ProcSampleInterval)
	if err != nil {
		logger.Warn("failed to start process sampler", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("daemon starting", zap.String("fifo_dir", cfg.FIFO.Dir), zap.Int("list_size", cfg.Daemon.ListSize))
		if err := dm.Run(groupCtx); err != nil {
			logger.Error("daemon exited with error", zap.Error(err))
			return err
		}
		logger.Info("daemon stopped")
		stop()
		return nil
	})

	if sampler != nil {
		group.Go(func() error {
			sampler.Run(groupCtx)
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		group.Go(func() error {
			return runHTTPServer(groupCtx, cfg, dm, metricsRegistry, logger)
		})
	}

	if err := group.Wait(); err != nil {
		logger.Error("yamsd shutting down due to error", zap.Error(err))
		os.Exit(255) // -1 on POSIX, matching original_source/yamsd.c's exit(-1)
	}
}

func runHTTPServer(ctx context.Context, cfg config.Config, dm *daemon.Daemon, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"clients":   dm.ClientCount(),
		})
	})

	mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
