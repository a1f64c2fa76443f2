package transcripts

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
	"github.com/joseph-ayodele/transcript-moderator/internal/repository"
	"github.com/joseph-ayodele/transcript-moderator/internal/utils"
)

// Service is the read side of the pipeline.
type Service struct {
	repo   repository.TranscriptRepository
	logger *slog.Logger
}

// NewService creates a new transcript service.
func NewService(repo repository.TranscriptRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Get returns the transcript in whatever state it is. Ids that are not UUIDs
// can never exist and are reported as not found.
func (s *Service) Get(ctx context.Context, id string) (*entity.Transcript, error) {
	id = strings.TrimSpace(id)
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, common.NewAppError("TRANSCRIPT_NOT_FOUND", "transcript not found", common.ErrNotFound)
	}

	t, err := s.repo.Get(ctx, parsed.String())
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.NewAppError("TRANSCRIPT_NOT_FOUND", "transcript not found", common.ErrNotFound)
		}
		s.logger.Error("failed to get transcript", "transcript_id", id, "error", err)
		return nil, common.NewAppError("LOOKUP_FAILED", "failed to load transcript", err)
	}
	return t, nil
}

// GetView returns the API representation of a transcript.
func (s *Service) GetView(ctx context.Context, id string) (utils.TranscriptView, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return utils.TranscriptView{}, err
	}
	return utils.ToTranscriptView(t), nil
}
