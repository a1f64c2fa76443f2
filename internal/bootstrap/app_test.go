package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joseph-ayodele/transcript-moderator/constants"
	"github.com/joseph-ayodele/transcript-moderator/internal/async"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
	"github.com/joseph-ayodele/transcript-moderator/internal/pipeline"
	"github.com/joseph-ayodele/transcript-moderator/internal/services/ingest"
	"github.com/joseph-ayodele/transcript-moderator/internal/services/transcripts"
)

func localConfig(t *testing.T) *common.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := common.LoadConfig()
	cfg.DocStore.Driver = "sqlite"
	cfg.DocStore.SQLitePath = ":memory:"
	cfg.ObjectStore.Driver = "fs"
	cfg.ObjectStore.FSRoot = filepath.Join(dir, "blobs")
	cfg.ObjectStore.AudioBucket = constants.AudioBucket
	cfg.ObjectStore.TranscriptsBucket = constants.TranscriptsBucket
	cfg.Queue.Driver = "memory"
	cfg.Queue.TranscriptionQueue = constants.TranscriptionQueue
	cfg.Queue.ClassificationQueue = constants.ClassificationQueue
	cfg.Worker.Concurrency = 2
	cfg.Worker.ScratchDir = filepath.Join(dir, "scratch")
	cfg.Worker.RetryBaseDelay = 0
	cfg.Engine.Transcriber = "openai"
	cfg.Engine.Classifier = "openai"
	cfg.OpenAI.APIKey = "test-key"
	return cfg
}

func newLocalApp(t *testing.T) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := New(context.Background(), localConfig(t), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

// TestWorkersBuildsStages verifies consumer construction per stage.
func TestWorkersBuildsStages(t *testing.T) {
	app := newLocalApp(t)

	for stage, want := range map[string]int{StageTranscription: 1, StageClassification: 1, StageAll: 2} {
		consumers, release, err := app.Workers(stage)
		if err != nil {
			t.Fatalf("%s: %v", stage, err)
		}
		release()
		if len(consumers) != want {
			t.Fatalf("%s: expected %d consumers, got %d", stage, want, len(consumers))
		}
	}
	if _, _, err := app.Workers("bogus"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

type scriptedTranscriber struct{}

func (scriptedTranscriber) Transcribe(context.Context, string) (engine.TranscriptionResult, error) {
	return engine.TranscriptionResult{Language: "en", Segments: []engine.RawSegment{
		{Start: 0, End: 2.5, Text: "hello there"},
		{Start: 2.5, End: 5, Text: "you idiot"},
	}}, nil
}

type keywordClassifier struct{}

func (keywordClassifier) Classify(_ context.Context, texts []string) ([]engine.Prediction, error) {
	out := make([]engine.Prediction, len(texts))
	for i, t := range texts {
		out[i] = engine.Prediction{Label: "normal"}
		if strings.Contains(t, "idiot") {
			out[i].Label = "offensive"
		}
	}
	return out, nil
}

// TestUploadToClassifiedTranscript runs clip.wav through upload, both workers and retrieval.
func TestUploadToClassifiedTranscript(t *testing.T) {
	app := newLocalApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pcfg := app.PipelineConfig()
	ts := pipeline.NewTranscribeStage(app.Store, app.Repo, app.Broker, scriptedTranscriber{}, pcfg, app.Logger)
	cs := pipeline.NewClassifyStage(app.Repo, keywordClassifier{}, pcfg, app.Logger)
	consumers := []*async.Consumer{
		async.NewConsumer(app.Broker, constants.TranscriptionQueue, ts, app.Logger, async.WithWorkers(2)),
		async.NewConsumer(app.Broker, constants.ClassificationQueue, cs, app.Logger, async.WithWorkers(2)),
	}
	done := make(chan error, 1)
	go func() { done <- RunConsumers(ctx, consumers) }()

	res, err := app.IngestService().Upload(ctx, ingest.UploadRequest{
		Filename: "clip.wav",
		Body:     strings.NewReader("RIFF....WAVE"),
		Size:     12,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	reader := transcripts.NewService(app.Repo, app.Logger)
	deadline := time.Now().Add(10 * time.Second)
	for {
		view, err := reader.GetView(ctx, res.ID)
		if err == nil && view.Status == string(constants.StatusClassified) {
			if len(view.Segments) != 2 || view.Segments[1].Category != "offensive" {
				t.Fatalf("unexpected segments: %+v", view.Segments)
			}
			if view.Segments[0].Timestamp.Start != "00:00:00.000" || view.Segments[0].Timestamp.End != "00:00:02.500" {
				t.Fatalf("unexpected timestamps: %+v", view.Segments[0].Timestamp)
			}
			if view.Text != "hello there you idiot" || view.Filename != "clip.wav" {
				t.Fatalf("unexpected view: %+v", view)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcript never classified (last err %v)", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("consumers: %v", err)
	}
}
