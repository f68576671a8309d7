package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/strixdb/strix/internal/index/values"
	"github.com/strixdb/strix/internal/server"
	"github.com/strixdb/strix/pkg/config"
	"github.com/strixdb/strix/pkg/health"
	"github.com/strixdb/strix/pkg/logger"
	"github.com/strixdb/strix/pkg/metrics"
	"github.com/strixdb/strix/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting index query service", "data_dir", cfg.Index.DataDir, "kind", cfg.Index.Kind)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	idx, err := values.Open(cfg.Index, m)
	if err != nil {
		slog.Error("failed to open index", "error", err)
		os.Exit(1)
	}
	defer idx.Close()

	checker := health.NewChecker()
	checker.Register("index", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d keys", idx.Size()),
		}
	})

	handler := server.New(idx)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/lookup", handler.Lookup)
	mux.HandleFunc("/v1/stats", handler.Stats)
	mux.HandleFunc("/healthz", checker.LiveHandler())
	mux.HandleFunc("/readyz", checker.ReadyHandler())

	var root http.Handler = mux
	root = middleware.Timeout(cfg.Server.RequestTimeout)(root)
	if m != nil {
		root = middleware.Metrics(m)(root)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("query service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down query service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
	if err := idx.Close(); err != nil {
		slog.Error("closing index failed", "error", err)
	}
	slog.Info("query service stopped")
}
