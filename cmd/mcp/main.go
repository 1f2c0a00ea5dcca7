package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpadapter "github.com/kirillkom/ragdesk/internal/adapters/mcp"
	"github.com/kirillkom/ragdesk/internal/bootstrap"
	"github.com/kirillkom/ragdesk/internal/config"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	// stdout carries the protocol, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", "mcp")
	slog.SetDefault(logger)

	if cfg.MCPAPIKey == "" {
		logger.Error("mcp_api_key_missing")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Distributed)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	company, err := app.Companies.Authenticate(ctx, cfg.MCPAPIKey)
	if err != nil {
		logger.Error("mcp_authentication_failed", "error", err)
		os.Exit(1)
	}

	server := mcpadapter.NewServer(*company, mcpadapter.Services{
		Chat:  app.Chat,
		Jobs:  app.Dispatcher,
		Tasks: app.Dispatcher,
	}, version, logger)

	logger.Info("mcp_serving", "company_id", company.ID)
	if err := server.ServeStdio(); err != nil {
		logger.Error("mcp_serve_failed", "error", err)
	}
}
