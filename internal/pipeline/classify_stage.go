package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
	"github.com/joseph-ayodele/transcript-moderator/internal/repository"
	"github.com/joseph-ayodele/transcript-moderator/internal/schema"
)

// ClassifyStage labels every segment of a transcribed document.
type ClassifyStage struct {
	Repo       repository.TranscriptRepository
	Classifier engine.Classifier
	Logger     *slog.Logger
	cfg        Config
}

func NewClassifyStage(repo repository.TranscriptRepository, c engine.Classifier, cfg Config, logger *slog.Logger) *ClassifyStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClassifyStage{Repo: repo, Classifier: c, Logger: logger, cfg: cfg.withDefaults()}
}

// Handle implements async.Handler. Redelivery of an already classified document is a no-op.
func (s *ClassifyStage) Handle(ctx context.Context, body []byte) error {
	task, err := schema.DecodeClassificationTask(body)
	if err != nil {
		return err
	}
	log := s.Logger.With("stage", "classification", "task_id", task.ID, "filename", task.Filename,
		"delivery_id", common.TaskIDFromContext(ctx))

	var doc *entity.Transcript
	err = common.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		doc, err = s.Repo.Get(ctx, task.ID)
		return err
	})
	if errors.Is(err, common.ErrNotFound) {
		log.Error("classify.document.missing")
		return common.Permanent("TRANSCRIPT_MISSING", err)
	}
	if err != nil {
		return err
	}

	switch {
	case len(doc.Segments) == 0:
		log.Info("classify.skip.empty")
		return nil
	case doc.Classified():
		log.Info("classify.skip.done", "segments", len(doc.Segments))
		return nil
	}

	start := time.Now()
	segs := doc.CloneSegments()
	if err := ClassifySegments(ctx, s.Classifier, segs, s.cfg.BatchSize, s.cfg.EngineTimeout); err != nil {
		log.Error("classify.engine.failed", "err", err)
		return err
	}

	err = common.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.Repo.UpdateSegments(ctx, task.ID, segs)
	})
	if err != nil {
		log.Error("classify.update.failed", "err", err)
		return err
	}

	log.Info("classify.ok", "segments", len(segs), "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}
