package repository

import (
	"context"

	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
)

// TranscriptRepository stores one document per transcript, keyed by its id.
type TranscriptRepository interface {
	// Insert stores t unless a document with the same id exists. created is false
	// when the existing document was left untouched.
	Insert(ctx context.Context, t *entity.Transcript) (created bool, err error)
	// Get returns common.ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (*entity.Transcript, error)
	// UpdateSegments replaces the segments field as a whole.
	UpdateSegments(ctx context.Context, id string, segments []entity.Segment) error
	Ping(ctx context.Context) error
}
