package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/transcript-moderator/internal/async"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
	"github.com/joseph-ayodele/transcript-moderator/internal/objectstore"
	"github.com/joseph-ayodele/transcript-moderator/internal/repository"
	"github.com/joseph-ayodele/transcript-moderator/internal/schema"
)

// TranscribeStage handles one transcription task: blob → engine → document → classification task.
type TranscribeStage struct {
	Store       objectstore.Store
	Repo        repository.TranscriptRepository
	Broker      async.Broker
	Transcriber engine.Transcriber
	Logger      *slog.Logger
	cfg         Config
}

func NewTranscribeStage(store objectstore.Store, repo repository.TranscriptRepository, broker async.Broker, tr engine.Transcriber, cfg Config, logger *slog.Logger) *TranscribeStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &TranscribeStage{
		Store:       store,
		Repo:        repo,
		Broker:      broker,
		Transcriber: tr,
		Logger:      logger,
		cfg:         cfg.withDefaults(),
	}
}

// Handle implements async.Handler. A nil return means the document is stored and the
// classification task is published.
func (s *TranscribeStage) Handle(ctx context.Context, body []byte) error {
	task, err := schema.DecodeTranscriptionTask(body)
	if err != nil {
		return err
	}
	log := s.Logger.With("stage", "transcription", "task_id", task.ID, "filename", task.Filename,
		"delivery_id", common.TaskIDFromContext(ctx))

	existing, err := s.lookup(ctx, task.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Info("transcribe.skip.exists", "segments", len(existing.Segments))
		return s.publishClassification(ctx, task)
	}

	start := time.Now()
	res, err := s.transcribe(ctx, log, task)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	doc := &entity.Transcript{
		ID:        task.ID,
		Filename:  path.Base(task.Filename),
		ObjectKey: task.Filename,
		Language:  res.Language,
		Segments:  MapSegments(res.Segments),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if i := Unordered(doc.Segments); i >= 0 {
		log.Warn("transcribe.segments.unordered", "index", i, "start", doc.Segments[i].Start)
	}

	var created bool
	err = common.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		created, err = s.Repo.Insert(ctx, doc)
		return err
	})
	if err != nil {
		log.Error("transcribe.insert.failed", "err", err)
		return err
	}
	if !created {
		log.Info("transcribe.insert.exists")
	}

	if err := s.publishClassification(ctx, task); err != nil {
		return err
	}
	log.Info("transcribe.ok",
		"segments", len(doc.Segments),
		"language", doc.Language,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *TranscribeStage) lookup(ctx context.Context, id string) (*entity.Transcript, error) {
	var doc *entity.Transcript
	err := common.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		doc, err = s.Repo.Get(ctx, id)
		return err
	})
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

// transcribe downloads the blob into a scratch directory that is removed on return.
func (s *TranscribeStage) transcribe(ctx context.Context, log *slog.Logger, task entity.TranscriptionTask) (engine.TranscriptionResult, error) {
	if s.cfg.ScratchDir != "" {
		if err := os.MkdirAll(s.cfg.ScratchDir, 0o755); err != nil {
			return engine.TranscriptionResult{}, common.WrapError(err, "create scratch root")
		}
	}
	dir, err := os.MkdirTemp(s.cfg.ScratchDir, "transcribe-"+task.ID+"-")
	if err != nil {
		return engine.TranscriptionResult{}, common.WrapError(err, "create scratch dir")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("transcribe.scratch.cleanup_failed", "dir", dir, "err", err)
		}
	}()

	local := filepath.Join(dir, path.Base(task.Filename))
	err = common.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.Store.FetchTo(ctx, s.cfg.AudioBucket, task.Filename, local)
	})
	if errors.Is(err, common.ErrNotFound) {
		log.Error("transcribe.blob.missing")
		return engine.TranscriptionResult{}, common.Permanent("BLOB_MISSING", err)
	}
	if err != nil {
		log.Error("transcribe.fetch.failed", "err", err)
		return engine.TranscriptionResult{}, err
	}

	res, err := withEngineTimeout(ctx, s.cfg.EngineTimeout, func(ctx context.Context) (engine.TranscriptionResult, error) {
		return s.Transcriber.Transcribe(ctx, local)
	})
	if err != nil {
		log.Error("transcribe.engine.failed", "err", err)
		return engine.TranscriptionResult{}, err
	}
	return res, nil
}

func (s *TranscribeStage) publishClassification(ctx context.Context, task entity.TranscriptionTask) error {
	body, err := json.Marshal(entity.ClassificationTask{ID: task.ID, Filename: task.Filename})
	if err != nil {
		return err
	}
	err = common.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.Broker.Publish(ctx, s.cfg.ClassificationQueue, body)
	})
	if err != nil {
		s.Logger.Error("transcribe.publish.failed", "task_id", task.ID, "err", err)
		return err
	}
	return nil
}
