package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
)

// Processor runs transcription then classification on a local file, without the
// queue or the stores.
type Processor struct {
	Logger      *slog.Logger
	Transcriber engine.Transcriber
	// Classifier may be nil to stop after transcription.
	Classifier engine.Classifier
	cfg        Config
}

func NewProcessor(logger *slog.Logger, tr engine.Transcriber, c engine.Classifier, cfg Config) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{Logger: logger, Transcriber: tr, Classifier: c, cfg: cfg.withDefaults()}
}

// ProcessFile returns the transcript of audioPath, classified when a classifier is set.
func (p *Processor) ProcessFile(ctx context.Context, audioPath string) (*entity.Transcript, error) {
	res, err := withEngineTimeout(ctx, p.cfg.EngineTimeout, func(ctx context.Context) (engine.TranscriptionResult, error) {
		return p.Transcriber.Transcribe(ctx, audioPath)
	})
	if err != nil {
		p.Logger.Error("processor.transcribe.failed", "path", audioPath, "err", err)
		return nil, err
	}

	now := time.Now().UTC()
	doc := &entity.Transcript{
		ID:        uuid.NewString(),
		Filename:  filepath.Base(audioPath),
		Language:  res.Language,
		Segments:  MapSegments(res.Segments),
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.Logger.Info("processor.transcribe.ok", "path", audioPath, "segments", len(doc.Segments))

	if p.Classifier == nil || len(doc.Segments) == 0 {
		return doc, nil
	}
	if err := ClassifySegments(ctx, p.Classifier, doc.Segments, p.cfg.BatchSize, p.cfg.EngineTimeout); err != nil {
		p.Logger.Error("processor.classify.failed", "path", audioPath, "err", err)
		return doc, err
	}
	p.Logger.Info("processor.classify.ok", "path", audioPath)
	return doc, nil
}
