package main

import (
	"context"
	"flag"
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
	stage := flag.String("stage", bootstrap.StageAll, "worker stage: transcription, classification or all")
	flag.Parse()

	cfg := common.LoadConfig()
	logger := common.NewLogger(os.Stdout, cfg.Log).With("stage", *stage)
	slog.SetDefault(logger)

	if cfg.Queue.Driver == "memory" {
		logger.Error("QUEUE_DRIVER=memory cannot be shared across processes; run the workers inside cmd/transcriber")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer app.Close()

	consumers, release, err := app.Workers(*stage)
	if err != nil {
		logger.Error("failed to build workers", "error", err)
		return 2
	}
	defer release()

	g, gctx := errgroup.WithContext(ctx)
	health := server.NewHealthServer(app.HealthChecks(), 10*time.Second, logger)
	g.Go(func() error { return health.Serve(gctx, cfg.Server.HealthAddr) })
	g.Go(func() error { return bootstrap.RunConsumers(gctx, consumers) })

	logger.Info("worker started", "concurrency", cfg.Worker.Concurrency, "queue_driver", cfg.Queue.Driver)
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "error", err)
		return 1
	}
	logger.Info("worker stopped")
	return 0
}
