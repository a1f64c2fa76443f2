package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joseph-ayodele/transcript-moderator/internal/bootstrap"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/ingest"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dir        = flag.String("dir", "", "directory of audio files to upload (required)")
		watch      = flag.Bool("watch", false, "keep running and upload new files as they appear")
		skipHidden = flag.Bool("skip-hidden", true, "skip dot files and directories")
		debounce   = flag.Duration("debounce", 2*time.Second, "quiet period before a new file is uploaded")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		return 1
	}

	cfg := common.LoadConfig()
	logger := common.NewLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	if cfg.Queue.Driver == "memory" {
		printError("Error: QUEUE_DRIVER=memory does not reach the workers of another process\n")
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
	svc := app.IngestService()

	if !*watch {
		results, stats, err := svc.IngestDirectory(ctx, *dir, *skipHidden)
		if err != nil {
			logger.Error("directory ingest failed", "dir", *dir, "error", err)
			return 1
		}
		for _, r := range results {
			if r.Err != "" {
				logger.Warn("file failed", "path", r.SourcePath, "error", r.Err)
				continue
			}
			fmt.Printf("%s\t%s\n", r.TranscriptID, r.SourcePath)
		}
		if stats.Failed > 0 {
			return 1
		}
		return 0
	}

	events, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
		Roots:       []string{*dir},
		InitialScan: true,
		Debounce:    *debounce,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to start watcher", "dir", *dir, "error", err)
		return 1
	}
	logger.Info("watching for audio files", "dir", *dir)

	for {
		select {
		case <-ctx.Done():
			return 0
		case err, ok := <-errs:
			if ok {
				logger.Warn("watcher error", "error", err)
			}
		case path, ok := <-events:
			if !ok {
				return 0
			}
			res, err := svc.IngestFile(ctx, path)
			if err != nil {
				logger.Error("upload failed", "path", path, "error", err)
				continue
			}
			fmt.Printf("%s\t%s\n", res.ID, path)
		}
	}
}
