// Package main runs the tender ingestion service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/eu-tender-ingest/internal/config"
	"github.com/JakeFAU/eu-tender-ingest/internal/logging"
	"github.com/JakeFAU/eu-tender-ingest/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	once := flag.Bool("once", false, "Run a single ingestion and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, &cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}

	if *once {
		sum, err := app.RunOnce(ctx)
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app.Close(closeCtx)
		if err != nil {
			logger.Error("ingestion run failed", zap.Error(err))
			return 1
		}
		logger.Info("ingestion run finished",
			zap.String("run_id", sum.RunID),
			zap.String("status", string(sum.Status)),
			zap.Int("created", sum.Created),
			zap.Int("updated", sum.Updated),
			zap.Int("duplicates", sum.Duplicates),
		)
		return 0
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("service stopped", zap.Error(err))
		return 1
	}
	return 0
}
