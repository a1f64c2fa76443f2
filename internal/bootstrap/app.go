package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/transcript-moderator/internal/async"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine/onnx"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine/openai"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine/whisper"
	"github.com/joseph-ayodele/transcript-moderator/internal/export"
	"github.com/joseph-ayodele/transcript-moderator/internal/objectstore"
	"github.com/joseph-ayodele/transcript-moderator/internal/pipeline"
	"github.com/joseph-ayodele/transcript-moderator/internal/repository"
	"github.com/joseph-ayodele/transcript-moderator/internal/server"
	"github.com/joseph-ayodele/transcript-moderator/internal/services/ingest"
	"github.com/joseph-ayodele/transcript-moderator/internal/services/transcripts"
)

// App owns the infrastructure clients shared by the binaries.
type App struct {
	Config *common.Config
	Logger *slog.Logger

	Store  objectstore.Store
	Broker async.Broker
	Repo   repository.TranscriptRepository

	closers []func()
}

// New connects the document store, the object store and the broker, and declares
// buckets and queues. Engines are built separately since only workers need them.
func New(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger}

	if err := a.openDocStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openObjectStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openBroker(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// OpenDocStore connects only the document store, for tools that need nothing else.
func OpenDocStore(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.openDocStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) onClose(f func()) { a.closers = append(a.closers, f) }

// Close releases clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openDocStore(ctx context.Context) error {
	c := a.Config.DocStore
	switch c.Driver {
	case "mongo":
		client, db, err := repository.OpenMongo(ctx, c.MongoURI, c.MongoDatabase, c.DialTimeout, a.Logger)
		if err != nil {
			return err
		}
		a.onClose(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(ctx)
		})
		if err := repository.EnsureMongoIndexes(ctx, db); err != nil {
			return err
		}
		a.Repo = repository.NewMongoTranscriptRepository(db, a.Logger)

	case "postgres", "sqlite":
		var (
			db  *repository.DB
			err error
		)
		if c.Driver == "postgres" {
			db, err = repository.Open(ctx, repository.Config{
				DSN:             c.DSN,
				MaxConns:        c.MaxConns,
				MinConns:        c.MinConns,
				MaxConnLifetime: c.MaxConnLifetime,
				MaxConnIdleTime: c.MaxConnIdleTime,
				DialTimeout:     c.DialTimeout,
			}, a.Logger)
		} else {
			db, err = repository.OpenSQLite(c.SQLitePath, a.Logger)
		}
		if err != nil {
			return err
		}
		a.onClose(func() { db.Close(a.Logger) })
		if err := repository.HealthCheck(ctx, db, c.DialTimeout, a.Logger); err != nil {
			return fmt.Errorf("ping %s: %w", c.Driver, err)
		}
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
		a.Repo = repository.NewSQLTranscriptRepository(db, a.Logger)

	default:
		return fmt.Errorf("unknown docstore driver %q", c.Driver)
	}
	a.Logger.Info("document store ready", "driver", c.Driver)
	return nil
}

func (a *App) openObjectStore(ctx context.Context) error {
	c := a.Config.ObjectStore
	buckets := []string{c.AudioBucket, c.TranscriptsBucket}
	switch c.Driver {
	case "minio":
		s, err := objectstore.NewMinioStore(objectstore.MinioConfig{
			Endpoint:  c.Endpoint,
			AccessKey: c.AccessKey,
			SecretKey: c.SecretKey,
			UseSSL:    c.UseSSL,
			Buckets:   buckets,
		}, a.Logger)
		if err != nil {
			return err
		}
		a.Store = s
	case "fs":
		a.Store = objectstore.NewFSStore(c.FSRoot, buckets, a.Logger)
	default:
		return fmt.Errorf("unknown object store driver %q", c.Driver)
	}
	err := common.Retry(ctx, common.DefaultRetryPolicy(), func(ctx context.Context) error {
		return a.Store.EnsureBuckets(ctx)
	})
	if err != nil {
		return err
	}
	a.Logger.Info("object store ready", "driver", c.Driver, "buckets", buckets)
	return nil
}

func (a *App) openBroker(ctx context.Context) error {
	c := a.Config.Queue
	switch c.Driver {
	case "rabbitmq":
		b, err := async.NewRabbitBroker(c.RabbitURL, a.Logger)
		if err != nil {
			return err
		}
		a.Broker = b
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("%w: redis ping: %v", common.ErrQueue, err)
		}
		a.Broker = async.NewRedisBroker(rdb, a.Logger, async.WithVisibilityTimeout(c.VisibilityTimeout))
		a.onClose(func() { _ = rdb.Close() })
	case "memory":
		a.Broker = async.NewMemoryBroker(c.VisibilityTimeout, a.Logger)
	default:
		return fmt.Errorf("unknown queue driver %q", c.Driver)
	}
	broker := a.Broker
	a.onClose(func() { _ = broker.Close() })

	if err := a.Broker.Declare(ctx, c.TranscriptionQueue, c.ClassificationQueue); err != nil {
		return err
	}
	a.Logger.Info("queue ready", "driver", c.Driver)
	return nil
}

func (a *App) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		AudioBucket:         a.Config.ObjectStore.AudioBucket,
		ClassificationQueue: a.Config.Queue.ClassificationQueue,
		ScratchDir:          a.Config.Worker.ScratchDir,
		EngineTimeout:       a.Config.Worker.EngineTimeout,
		BatchSize:           a.Config.Engine.ClassifyBatchSize,
	}
}

// IngestService builds the upload side.
func (a *App) IngestService() *ingest.Service {
	return ingest.NewService(a.Store, a.Broker, ingest.Config{
		AudioBucket:        a.Config.ObjectStore.AudioBucket,
		TranscriptionQueue: a.Config.Queue.TranscriptionQueue,
	}, a.Logger)
}

// HTTPServer builds the API with its services.
func (a *App) HTTPServer() *server.HTTPServer {
	reader := transcripts.NewService(a.Repo, a.Logger)
	return server.NewHTTPServer(a.IngestService(), reader, export.NewService(reader, a.Logger),
		a.Config.Server.MaxUploadBytes, a.Logger)
}

// HealthChecks lists the dependencies reported by the health service.
func (a *App) HealthChecks() map[string]server.Pinger {
	checks := map[string]server.Pinger{}
	if a.Repo != nil {
		checks["docstore"] = a.Repo
	}
	if a.Store != nil {
		checks["objectstore"] = a.Store
	}
	return checks
}

// Transcriber builds the configured transcription engine.
func Transcriber(cfg *common.Config, logger *slog.Logger) (engine.Transcriber, error) {
	switch cfg.Engine.Transcriber {
	case "openai":
		return openai.NewTranscriber(openAIClient(cfg, logger)), nil
	case "whisper":
		return whisper.NewTranscriber(whisper.Config{
			Binary: cfg.Engine.WhisperBin,
			Model:  cfg.Engine.WhisperModel,
		}, logger), nil
	}
	return nil, fmt.Errorf("unknown transcriber %q", cfg.Engine.Transcriber)
}

// Classifier builds the configured classification engine. The returned func releases it.
func Classifier(cfg *common.Config, logger *slog.Logger) (engine.Classifier, func(), error) {
	switch cfg.Engine.Classifier {
	case "openai":
		return openai.NewClassifier(openAIClient(cfg, logger), cfg.Engine.Labels), func() {}, nil
	case "onnx":
		c, err := onnx.NewClassifier(onnx.Config{
			ModelPath:     cfg.ONNX.ModelPath,
			TokenizerPath: cfg.ONNX.TokenizerPath,
			LibraryPath:   cfg.ONNX.LibraryPath,
			Labels:        cfg.Engine.Labels,
			MaxSeqLen:     cfg.ONNX.MaxSeqLen,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {
			if err := c.Close(); err != nil {
				logger.Warn("failed to release onnx runtime", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown classifier %q", cfg.Engine.Classifier)
}

func openAIClient(cfg *common.Config, logger *slog.Logger) *openai.Client {
	return openai.NewClient(openai.Config{
		APIKey:          cfg.OpenAI.APIKey,
		BaseURL:         cfg.OpenAI.BaseURL,
		Model:           cfg.OpenAI.Model,
		TranscribeModel: cfg.OpenAI.TranscribeModel,
		Temperature:     0.0,
		Timeout:         cfg.OpenAI.Timeout,
	}, logger)
}
