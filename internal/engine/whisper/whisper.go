package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
)

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

type Config struct {
	Binary   string // openai-whisper CLI, default "whisper"
	Model    string // tiny, base, small, medium, large
	Language string // empty lets the model detect it
	Device   string // cpu or cuda; empty leaves the CLI default
}

// Transcriber runs the openai-whisper command line tool and reads its JSON output.
type Transcriber struct {
	cfg    Config
	runner commandRunner
	logger *slog.Logger
}

func NewTranscriber(cfg Config, logger *slog.Logger) *Transcriber {
	if cfg.Binary == "" {
		cfg.Binary = "whisper"
	}
	if cfg.Model == "" {
		cfg.Model = "base"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{cfg: cfg, runner: &execRunner{}, logger: logger}
}

// whisperOutput is the document written by --output_format json.
type whisperOutput struct {
	Text     string              `json:"text"`
	Language string              `json:"language"`
	Segments []engine.RawSegment `json:"segments"`
}

func (t *Transcriber) Transcribe(ctx context.Context, audioPath string) (engine.TranscriptionResult, error) {
	outDir, err := os.MkdirTemp(filepath.Dir(audioPath), "whisper-out-*")
	if err != nil {
		return engine.TranscriptionResult{}, fmt.Errorf("create output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	args := []string{
		audioPath,
		"--model", t.cfg.Model,
		"--output_format", "json",
		"--output_dir", outDir,
		"--verbose", "False",
	}
	if t.cfg.Language != "" {
		args = append(args, "--language", t.cfg.Language)
	}
	if t.cfg.Device != "" {
		args = append(args, "--device", t.cfg.Device)
	}

	start := time.Now()
	t.logger.Info("asr.whisper.start", "file", filepath.Base(audioPath), "model", t.cfg.Model)
	res, err := t.runner.Run(ctx, t.cfg.Binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return engine.TranscriptionResult{}, fmt.Errorf("%w: whisper interrupted: %v", common.ErrEngine, ctx.Err())
		}
		t.logger.Error("asr.whisper.failed", "exit_code", res.ExitCode, "stderr", tail(res.Stderr, 500))
		return engine.TranscriptionResult{}, fmt.Errorf("%w: whisper exited %d: %s", common.ErrEngine, res.ExitCode, tail(res.Stderr, 200))
	}

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	raw, err := os.ReadFile(filepath.Join(outDir, base+".json"))
	if err != nil {
		return engine.TranscriptionResult{}, fmt.Errorf("%w: whisper output missing: %v", common.ErrEngine, err)
	}
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return engine.TranscriptionResult{}, fmt.Errorf("%w: failed to parse whisper output: %v", common.ErrEngine, err)
	}

	t.logger.Info("asr.whisper.ok",
		"segments", len(out.Segments),
		"language", out.Language,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return engine.TranscriptionResult{Language: out.Language, Segments: out.Segments}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
