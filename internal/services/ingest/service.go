package ingest

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/transcript-moderator/constants"
	"github.com/joseph-ayodele/transcript-moderator/internal/async"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
	"github.com/joseph-ayodele/transcript-moderator/internal/objectstore"
)

type Config struct {
	AudioBucket        string
	TranscriptionQueue string
	Retry              common.RetryPolicy
}

// Service handles ingestion business logic: blob first, then the transcription task.
type Service struct {
	store  objectstore.Store
	broker async.Broker
	cfg    Config
	logger *slog.Logger
}

// NewService creates a new ingest service.
func NewService(store objectstore.Store, broker async.Broker, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AudioBucket == "" {
		cfg.AudioBucket = constants.AudioBucket
	}
	if cfg.TranscriptionQueue == "" {
		cfg.TranscriptionQueue = constants.TranscriptionQueue
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry = common.DefaultRetryPolicy()
	}
	return &Service{store: store, broker: broker, cfg: cfg, logger: logger}
}

// UploadRequest is one audio file to ingest. When Body is also an io.Seeker the
// blob write is retried on transient errors. A negative Size means unknown.
type UploadRequest struct {
	Filename    string
	Body        io.Reader
	Size        int64
	ContentType string
}

type UploadResult struct {
	ID        string `json:"transcript_id"`
	Filename  string `json:"filename"`
	ObjectKey string `json:"-"`
}

// Upload stores the blob and publishes its transcription task. Client errors have no side effects.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if req.Body == nil {
		return UploadResult{}, common.NewAppError("MISSING_FILE", "no audio file provided", common.ErrInvalidInput)
	}
	if req.Size == 0 {
		return UploadResult{}, common.NewAppError("EMPTY_FILE", "audio file is empty", common.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Filename) == "" {
		return UploadResult{}, common.NewAppError("EMPTY_FILENAME", "empty filename", common.ErrInvalidInput)
	}
	name := SanitizeFilename(req.Filename)
	if name == "" {
		return UploadResult{}, common.NewAppError("INVALID_FILENAME", "filename has no usable characters", common.ErrInvalidInput)
	}

	id := uuid.NewString()
	key := ObjectKey(id, name)
	log := s.logger.With("transcript_id", id, "filename", name)

	contentType := req.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
			contentType = byExt
		}
	}

	if err := s.put(ctx, key, req, contentType); err != nil {
		log.Error("ingest.blob.failed", "err", err)
		return UploadResult{}, common.NewAppError("STORAGE_FAILED", "failed to store audio", err)
	}

	body, err := json.Marshal(entity.TranscriptionTask{ID: id, Filename: key})
	if err != nil {
		return UploadResult{}, err
	}
	err = common.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.broker.Publish(ctx, s.cfg.TranscriptionQueue, body)
	})
	if err != nil {
		log.Error("ingest.publish.failed", "err", err)
		s.removeBlob(key, log)
		return UploadResult{}, common.NewAppError("QUEUE_FAILED", "failed to queue transcription", err)
	}

	log.Info("ingest.ok", "key", key, "size", req.Size)
	return UploadResult{ID: id, Filename: name, ObjectKey: key}, nil
}

func (s *Service) put(ctx context.Context, key string, req UploadRequest, contentType string) error {
	seeker, seekable := req.Body.(io.Seeker)
	policy := s.cfg.Retry
	if !seekable {
		policy.MaxTries = 1
	}
	first := true
	return common.Retry(ctx, policy, func(ctx context.Context) error {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return common.Permanent("REWIND_FAILED", err)
			}
		}
		first = false
		return s.store.Put(ctx, s.cfg.AudioBucket, key, req.Body, req.Size, contentType)
	})
}

func (s *Service) removeBlob(key string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Remove(ctx, s.cfg.AudioBucket, key); err != nil {
		log.Warn("ingest.blob.cleanup_failed", "key", key, "err", err)
	}
}

// IngestFile uploads a local audio file.
func (s *Service) IngestFile(ctx context.Context, path string) (UploadResult, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return UploadResult{}, common.NewAppError("EMPTY_PATH", "path is required", common.ErrInvalidInput)
	}
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, common.NewAppError("OPEN_FAILED", err.Error(), common.ErrInvalidInput)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return UploadResult{}, err
	}
	return s.Upload(ctx, UploadRequest{Filename: filepath.Base(path), Body: f, Size: info.Size()})
}

// DirStats summarizes a directory ingestion run.
type DirStats struct {
	Scanned   int
	Matched   int
	Succeeded int
	Failed    int
}

// IngestionResult is the outcome for one file of a directory run.
type IngestionResult struct {
	SourcePath   string `json:"source_path"`
	TranscriptID string `json:"transcript_id,omitempty"`
	Err          string `json:"error,omitempty"`
}

// IngestDirectory uploads every audio file under root.
func (s *Service) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]IngestionResult, DirStats, error) {
	var (
		stats   DirStats
		results []IngestionResult
	)
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, stats, common.NewAppError("EMPTY_PATH", "root path is required", common.ErrInvalidInput)
	}

	s.logger.Info("starting directory ingest", "root", root, "skip_hidden", skipHidden)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		stats.Scanned++
		if !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++

		res := IngestionResult{SourcePath: path}
		up, err := s.IngestFile(ctx, path)
		if err != nil {
			stats.Failed++
			res.Err = err.Error()
			s.logger.Warn("ingest.file.failed", "path", path, "err", err)
		} else {
			stats.Succeeded++
			res.TranscriptID = up.ID
		}
		results = append(results, res)
		return nil
	})
	if err != nil {
		return results, stats, err
	}

	s.logger.Info("directory ingest completed", "root", root, "scanned", stats.Scanned, "matched", stats.Matched,
		"succeeded", stats.Succeeded, "failed", stats.Failed)
	return results, stats, nil
}
