package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/transcript-moderator/internal/bootstrap"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
	"github.com/joseph-ayodele/transcript-moderator/internal/pipeline"
	"github.com/joseph-ayodele/transcript-moderator/internal/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		in       = flag.String("in", "", "audio file to transcribe (required)")
		out      = flag.String("out", "", "output JSON path (default: <in>.json)")
		classify = flag.Bool("classify", false, "also classify every segment")
	)
	flag.Parse()

	if strings.TrimSpace(*in) == "" {
		fmt.Fprintln(os.Stderr, "Error: --in is required")
		return 2
	}
	if *out == "" {
		*out = strings.TrimSuffix(*in, filepath.Ext(*in)) + ".json"
	}

	cfg := common.LoadConfig()
	logger := common.NewLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)
	if err := cfg.ValidateEngines(); err != nil {
		logger.Error("invalid engine configuration", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tr, err := bootstrap.Transcriber(cfg, logger)
	if err != nil {
		logger.Error("failed to build transcriber", "error", err)
		return 1
	}
	var cl engine.Classifier
	if *classify {
		c, release, err := bootstrap.Classifier(cfg, logger)
		if err != nil {
			logger.Error("failed to build classifier", "error", err)
			return 1
		}
		defer release()
		cl = c
	}

	proc := pipeline.NewProcessor(logger, tr, cl, pipeline.Config{
		EngineTimeout: cfg.Worker.EngineTimeout,
		BatchSize:     cfg.Engine.ClassifyBatchSize,
	})
	doc, err := proc.ProcessFile(ctx, *in)
	if err != nil {
		logger.Error("processing failed", "path", *in, "error", err)
		return 1
	}

	b, err := json.MarshalIndent(utils.ToTranscriptView(doc), "", "  ")
	if err != nil {
		logger.Error("encode failed", "error", err)
		return 1
	}
	if err := os.WriteFile(*out, b, 0o644); err != nil {
		logger.Error("write failed", "path", *out, "error", err)
		return 1
	}
	logger.Info("transcript written", "path", *out, "segments", len(doc.Segments), "status", doc.Status())
	return 0
}
