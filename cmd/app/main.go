package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"circuit_go/internal/app"
	"circuit_go/internal/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("❌ circuit_go stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(configPath); err != nil {
		return fmt.Errorf("bootstrapping failed: %w", err)
	}
	defer bootstrap.Close()

	cfg := bootstrap.Config

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Instrument catalog (required before the first cycle)
	if err := bootstrap.SyncCatalog(ctx); err != nil {
		return fmt.Errorf("instrument catalog unavailable: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// 4. Pprof + Prometheus server (localhost only by default)
	if cfg.Metrics.Enabled {
		prometheus.MustRegister(infra.NewMetricsCollector(infra.GlobalMetrics))
		http.Handle(cfg.Metrics.Path, promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			slog.Info("🕵️ Metrics server started", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", slog.Any("error", err))
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// 5. Streaming source keeps its own connection loop
	if bootstrap.Stream != nil {
		if err := bootstrap.Stream.Connect(gctx); err != nil {
			slog.Error("Failed to connect quote stream", slog.Any("error", err))
		}
	}

	// 6. Ingest loop
	runner := app.NewRunner(bootstrap.Reader, bootstrap.Ingestor, bootstrap.Query, cfg.PollInterval())
	g.Go(func() error {
		return runner.Run(gctx)
	})

	slog.InfoContext(ctx, "✨ circuit_go fully operational. Press Ctrl+C to exit.")

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("👋 Shut down gracefully")
	return nil
}
