package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
)

const transcriptsTable = "transcripts"

var transcriptColumns = []string{"id", "filename", "object_key", "language", "segments", "created_at", "updated_at"}

type sqlTranscriptRepo struct {
	drv    *entsql.Driver
	logger *slog.Logger
}

// NewSQLTranscriptRepository stores transcripts in a relational table with the
// segments kept as a JSON column. Works on PostgreSQL and SQLite.
func NewSQLTranscriptRepository(db *DB, logger *slog.Logger) TranscriptRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &sqlTranscriptRepo{drv: db.Driver, logger: logger}
}

func (r *sqlTranscriptRepo) builder() *entsql.DialectBuilder {
	return entsql.Dialect(r.drv.Dialect())
}

func (r *sqlTranscriptRepo) Insert(ctx context.Context, t *entity.Transcript) (bool, error) {
	segs, err := encodeSegments(t.Segments)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	query, args := r.builder().Insert(transcriptsTable).
		Columns(transcriptColumns...).
		Values(t.ID, t.Filename, t.ObjectKey, t.Language, segs, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli()).
		OnConflict(entsql.ConflictColumns("id"), entsql.DoNothing()).
		Query()

	var res sql.Result
	if err := r.drv.Exec(ctx, query, args, &res); err != nil {
		r.logger.Error("transcript insert failed", "transcript_id", t.ID, "error", err)
		return false, fmt.Errorf("%w: insert transcript: %v", common.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", common.ErrDatabase, err)
	}
	return n == 1, nil
}

func (r *sqlTranscriptRepo) Get(ctx context.Context, id string) (*entity.Transcript, error) {
	b := r.builder()
	query, args := b.Select(transcriptColumns...).
		From(b.Table(transcriptsTable)).
		Where(entsql.EQ("id", id)).
		Limit(1).
		Query()

	var rows entsql.Rows
	if err := r.drv.Query(ctx, query, args, &rows); err != nil {
		r.logger.Error("transcript query failed", "transcript_id", id, "error", err)
		return nil, fmt.Errorf("%w: get transcript: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: get transcript: %v", common.ErrDatabase, err)
		}
		return nil, common.NewAppError("TRANSCRIPT_NOT_FOUND", "transcript "+id+" not found", common.ErrNotFound)
	}

	var (
		t                entity.Transcript
		segs             string
		created, updated int64
	)
	if err := rows.Scan(&t.ID, &t.Filename, &t.ObjectKey, &t.Language, &segs, &created, &updated); err != nil {
		return nil, fmt.Errorf("%w: scan transcript: %v", common.ErrDatabase, err)
	}
	if err := json.Unmarshal([]byte(segs), &t.Segments); err != nil {
		return nil, fmt.Errorf("%w: decode segments of %s: %v", common.ErrDatabase, id, err)
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return &t, nil
}

func (r *sqlTranscriptRepo) UpdateSegments(ctx context.Context, id string, segments []entity.Segment) error {
	segs, err := encodeSegments(segments)
	if err != nil {
		return err
	}
	query, args := r.builder().Update(transcriptsTable).
		Set("segments", segs).
		Set("updated_at", time.Now().UTC().UnixMilli()).
		Where(entsql.EQ("id", id)).
		Query()

	var res sql.Result
	if err := r.drv.Exec(ctx, query, args, &res); err != nil {
		r.logger.Error("transcript update failed", "transcript_id", id, "error", err)
		return fmt.Errorf("%w: update transcript: %v", common.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", common.ErrDatabase, err)
	}
	if n == 0 {
		return common.NewAppError("TRANSCRIPT_NOT_FOUND", "transcript "+id+" not found", common.ErrNotFound)
	}
	return nil
}

func (r *sqlTranscriptRepo) Ping(ctx context.Context) error {
	return r.drv.DB().PingContext(ctx)
}

func encodeSegments(segs []entity.Segment) (string, error) {
	if segs == nil {
		segs = []entity.Segment{}
	}
	b, err := json.Marshal(segs)
	if err != nil {
		return "", fmt.Errorf("encode segments: %w", err)
	}
	return string(b), nil
}
