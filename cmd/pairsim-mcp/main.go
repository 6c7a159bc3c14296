package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/apresai/pairsim/internal/config"
	"github.com/apresai/pairsim/internal/observability"
	"github.com/apresai/pairsim/internal/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("PAIRSIM_CONFIG"), "YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observability.InitLogger(slog.LevelInfo).Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	level, err := observability.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	logger := observability.InitLogger(level)

	logger.Info("pairsim MCP server starting...", "version", version, "provider", cfg.Provider)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, err := observability.InitTracer(ctx, "pairsim-mcp", version, cfg.Environment)
	if err != nil {
		logger.Warn("Failed to init tracer, continuing without tracing", "error", err)
	} else {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Error("Tracer shutdown error", "error", err)
			}
		}()
	}

	srv, err := server.New(ctx, cfg, version, logger)
	if err != nil {
		logger.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
