package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/transcript-moderator/internal/bootstrap"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := common.LoadConfig()
	logger := common.NewLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer app.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.HTTPServer().Serve(gctx, cfg.Server.HTTPAddr) })

	health := server.NewHealthServer(app.HealthChecks(), 10*time.Second, logger)
	g.Go(func() error { return health.Serve(gctx, cfg.Server.HealthAddr) })

	if cfg.Server.RunWorkers || cfg.Queue.Driver == "memory" {
		consumers, release, err := app.Workers(bootstrap.StageAll)
		if err != nil {
			logger.Error("failed to build workers", "error", err)
			return 1
		}
		defer release()
		g.Go(func() error { return bootstrap.RunConsumers(gctx, consumers) })
		logger.Info("in-process workers started", "concurrency", cfg.Worker.Concurrency)
	}

	if err := g.Wait(); err != nil {
		logger.Error("transcriber stopped", "error", err)
		return 1
	}
	logger.Info("transcriber stopped")
	return 0
}
