package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"focusstack/internal/cli"
	"focusstack/internal/config"
	"focusstack/internal/logging"
	"focusstack/internal/pipeline"
	"focusstack/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return 1
	}

	// job history is optional; commands still run without it
	store, err := storage.Open(cfg.Paths.DatabaseDriver, cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("job history disabled", "path", cfg.Paths.DatabasePath, "error", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, logger, store, cfg)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
