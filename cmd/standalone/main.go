package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/ragdesk/internal/adapters/http"
	"github.com/kirillkom/ragdesk/internal/bootstrap"
	"github.com/kirillkom/ragdesk/internal/config"
	"github.com/kirillkom/ragdesk/internal/observability/logging"
	"github.com/kirillkom/ragdesk/internal/observability/metrics"
)

const service = "standalone"

// standalone serves the HTTP API and executes jobs in one process, so the
// embedded index and session store are shared by both.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger(service, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Standalone)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	router, err := httpadapter.NewRouter(cfg, httpadapter.Services{
		Companies: app.Companies,
		Jobs:      app.Dispatcher,
		Tasks:     app.Dispatcher,
		Files:     app.Stager,
		Chat:      app.Chat,
	}, metrics.NewHTTPServerMetrics(service))
	if err != nil {
		logger.Error("router_init_failed", "error", err)
		os.Exit(1)
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		logger.Error("api_listen_failed", "port", cfg.APIPort, "error", err)
		os.Exit(1)
	}
	if cfg.APIMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.APIMaxConnections)
	}
	server := &http.Server{
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.LLMProviderTimeout*time.Duration(max(1, len(cfg.LLMProviders))) + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("api_listening", "port", cfg.APIPort, "max_connections", cfg.APIMaxConnections)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	workerMetrics := metrics.NewWorkerMetrics(service)
	metricsServer := metrics.Serve(logger, cfg.WorkerMetricsPort, workerMetrics.Handler())

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := app.RunWorker(ctx, service, workerMetrics); err != nil {
			logger.Error("worker_consume_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	<-workerDone
	logger.Info("standalone_stopped")
}
