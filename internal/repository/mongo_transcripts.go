package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
)

const (
	transcriptsCollection = "transcripts"
	defaultMongoDatabase  = "transcriber"
)

// OpenMongo connects to MongoDB. The database name falls back to the one in the URI,
// then to "transcriber".
func OpenMongo(ctx context.Context, uri, database string, timeout time.Duration, logger *slog.Logger) (*mongo.Client, *mongo.Database, error) {
	if database == "" {
		if cs, err := connstring.ParseAndValidate(uri); err == nil && cs.Database != "" {
			database = cs.Database
		} else {
			database = defaultMongoDatabase
		}
	}

	opts := options.Client().ApplyURI(uri).SetAppName("transcript-moderator")
	if timeout > 0 {
		opts.SetConnectTimeout(timeout).SetServerSelectionTimeout(timeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		logger.Error("failed to connect to mongodb", "error", err)
		return nil, nil, fmt.Errorf("%w: connect mongodb: %v", common.ErrDatabase, err)
	}
	logger.Info("connected to mongodb", "database", database)
	return client, client.Database(database), nil
}

type mongoTranscriptRepo struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

// NewMongoTranscriptRepository stores one document per transcript in the transcripts
// collection, keyed by the explicit id field.
func NewMongoTranscriptRepository(db *mongo.Database, logger *slog.Logger) TranscriptRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &mongoTranscriptRepo{coll: db.Collection(transcriptsCollection), logger: logger}
}

// EnsureMongoIndexes creates the unique index on id that makes inserts idempotent.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(transcriptsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_id"),
	})
	if err != nil {
		return fmt.Errorf("%w: create index: %v", common.ErrDatabase, err)
	}
	return nil
}

func (r *mongoTranscriptRepo) Insert(ctx context.Context, t *entity.Transcript) (bool, error) {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	segs := t.Segments
	if segs == nil {
		segs = []entity.Segment{}
	}

	onInsert := bson.M{
		"filename":   t.Filename,
		"object_key": t.ObjectKey,
		"segments":   segs,
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	}
	if t.Language != "" {
		onInsert["language"] = t.Language
	}

	res, err := r.coll.UpdateOne(ctx,
		bson.M{"id": t.ID},
		bson.M{"$setOnInsert": onInsert},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		// two upserts racing on the unique index: the other one won
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		r.logger.Error("transcript insert failed", "transcript_id", t.ID, "error", err)
		return false, fmt.Errorf("%w: insert transcript: %v", common.ErrDatabase, err)
	}
	return res.UpsertedCount > 0, nil
}

func (r *mongoTranscriptRepo) Get(ctx context.Context, id string) (*entity.Transcript, error) {
	var t entity.Transcript
	err := r.coll.FindOne(ctx, bson.M{"id": id}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, common.NewAppError("TRANSCRIPT_NOT_FOUND", "transcript "+id+" not found", common.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("transcript query failed", "transcript_id", id, "error", err)
		return nil, fmt.Errorf("%w: get transcript: %v", common.ErrDatabase, err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func (r *mongoTranscriptRepo) UpdateSegments(ctx context.Context, id string, segments []entity.Segment) error {
	if segments == nil {
		segments = []entity.Segment{}
	}
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"id": id},
		bson.M{"$set": bson.M{"segments": segments, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		r.logger.Error("transcript update failed", "transcript_id", id, "error", err)
		return fmt.Errorf("%w: update transcript: %v", common.ErrDatabase, err)
	}
	if res.MatchedCount == 0 {
		return common.NewAppError("TRANSCRIPT_NOT_FOUND", "transcript "+id+" not found", common.ErrNotFound)
	}
	return nil
}

func (r *mongoTranscriptRepo) Ping(ctx context.Context) error {
	return r.coll.Database().Client().Ping(ctx, readpref.Primary())
}
