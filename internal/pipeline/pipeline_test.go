package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/transcript-moderator/constants"
	"github.com/joseph-ayodele/transcript-moderator/internal/async"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
	"github.com/joseph-ayodele/transcript-moderator/internal/objectstore"
)

const (
	testID  = "3f1c2a4e-8b7d-4e2a-9c1f-0a1b2c3d4e5f"
	testKey = testID + "/clip.wav"
)

type memRepo struct {
	mu   sync.Mutex
	docs map[string]entity.Transcript
}

func newMemRepo() *memRepo { return &memRepo{docs: map[string]entity.Transcript{}} }

func (r *memRepo) Insert(_ context.Context, t *entity.Transcript) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[t.ID]; ok {
		return false, nil
	}
	cp := *t
	cp.Segments = t.CloneSegments()
	r.docs[t.ID] = cp
	return true, nil
}

func (r *memRepo) Get(_ context.Context, id string) (*entity.Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.docs[id]
	if !ok {
		return nil, common.NewAppError("TRANSCRIPT_NOT_FOUND", "transcript not found", common.ErrNotFound)
	}
	t.Segments = t.CloneSegments()
	return &t, nil
}

func (r *memRepo) UpdateSegments(_ context.Context, id string, segs []entity.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.docs[id]
	if !ok {
		return common.NewAppError("TRANSCRIPT_NOT_FOUND", "transcript not found", common.ErrNotFound)
	}
	t.Segments = segs
	r.docs[id] = t
	return nil
}

func (r *memRepo) Ping(context.Context) error { return nil }

type fakeTranscriber struct {
	calls  atomic.Int32
	result engine.TranscriptionResult
	err    error
	// seen records the audio path passed to the engine.
	seen atomic.Value
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) (engine.TranscriptionResult, error) {
	f.calls.Add(1)
	f.seen.Store(audioPath)
	if _, err := os.Stat(audioPath); err != nil {
		return engine.TranscriptionResult{}, err
	}
	return f.result, f.err
}

type fakeClassifier struct {
	calls atomic.Int32
	label string
	err   error
}

func (f *fakeClassifier) Classify(_ context.Context, texts []string) ([]engine.Prediction, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]engine.Prediction, len(texts))
	for i, text := range texts {
		label := f.label
		if label == "" {
			label = "normal"
			if text == "you idiot" {
				label = "Offensive"
			}
		}
		out[i] = engine.Prediction{Label: label, Scores: map[string]float64{label: 0.9}}
	}
	return out, nil
}

type fixture struct {
	store   *objectstore.FSStore
	repo    *memRepo
	broker  *async.MemoryBroker
	scratch string
	cfg     Config
	logger  *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := objectstore.NewFSStore(t.TempDir(), []string{constants.AudioBucket}, logger)
	if err := store.EnsureBuckets(ctx); err != nil {
		t.Fatalf("EnsureBuckets: %v", err)
	}
	broker := async.NewMemoryBroker(time.Minute, logger)
	t.Cleanup(func() { _ = broker.Close() })
	if err := broker.Declare(ctx, constants.TranscriptionQueue, constants.ClassificationQueue); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	scratch := t.TempDir()
	return &fixture{
		store:   store,
		repo:    newMemRepo(),
		broker:  broker,
		scratch: scratch,
		logger:  logger,
		cfg: Config{
			ScratchDir:    scratch,
			EngineTimeout: time.Second,
			BatchSize:     2,
			Retry:         common.RetryPolicy{Initial: time.Millisecond, Max: time.Millisecond, MaxTries: 2},
		},
	}
}

func (f *fixture) putBlob(t *testing.T, key string) {
	t.Helper()
	data := []byte("RIFF....WAVE")
	if err := f.store.Put(context.Background(), constants.AudioBucket, key, bytes.NewReader(data), int64(len(data)), "audio/wav"); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func taskBody(t *testing.T, id, key string) []byte {
	t.Helper()
	b, err := json.Marshal(entity.TranscriptionTask{ID: id, Filename: key})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir not cleaned up: %d entries", len(entries))
	}
}

var clipResult = engine.TranscriptionResult{
	Language: "en",
	Segments: []engine.RawSegment{
		{Start: 0, End: 2.5, Text: "  hello there  "},
		{Start: 2.5, End: 4.0, Text: "you idiot"},
		{Start: 4.0, End: 3.0, Text: "bye"},
	},
}

// TestTranscribeStageStoresDocumentAndPublishes verifies the clip.wav flow up to the classification task.
func TestTranscribeStageStoresDocumentAndPublishes(t *testing.T) {
	f := newFixture(t)
	f.putBlob(t, testKey)
	tr := &fakeTranscriber{result: clipResult}
	stage := NewTranscribeStage(f.store, f.repo, f.broker, tr, f.cfg, f.logger)

	if err := stage.Handle(context.Background(), taskBody(t, testID, testKey)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	doc, err := f.repo.Get(context.Background(), testID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Filename != "clip.wav" || doc.ObjectKey != testKey || doc.Language != "en" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.Status() != constants.StatusTranscribed {
		t.Fatalf("expected transcribed, got %s", doc.Status())
	}
	want := []entity.Segment{
		{Start: 0, End: 2.5, Text: "hello there"},
		{Start: 2.5, End: 4.0, Text: "you idiot"},
		{Start: 4.0, End: 4.0, Text: "bye"},
	}
	if len(doc.Segments) != len(want) {
		t.Fatalf("expected %d segments, got %d", len(want), len(doc.Segments))
	}
	for i := range want {
		if doc.Segments[i].Start != want[i].Start || doc.Segments[i].End != want[i].End || doc.Segments[i].Text != want[i].Text {
			t.Fatalf("segment %d: got %+v want %+v", i, doc.Segments[i], want[i])
		}
	}
	if n := f.broker.Len(constants.ClassificationQueue); n != 1 {
		t.Fatalf("expected 1 classification task, got %d", n)
	}
	assertScratchEmpty(t, f.scratch)
}

// TestTranscribeStageRedeliverySkipsEngine verifies a redelivered task only republishes.
func TestTranscribeStageRedeliverySkipsEngine(t *testing.T) {
	f := newFixture(t)
	f.putBlob(t, testKey)
	tr := &fakeTranscriber{result: clipResult}
	stage := NewTranscribeStage(f.store, f.repo, f.broker, tr, f.cfg, f.logger)

	for i := 0; i < 2; i++ {
		if err := stage.Handle(context.Background(), taskBody(t, testID, testKey)); err != nil {
			t.Fatalf("Handle #%d: %v", i+1, err)
		}
	}
	if n := tr.calls.Load(); n != 1 {
		t.Fatalf("expected engine to run once, ran %d times", n)
	}
	if n := f.broker.Len(constants.ClassificationQueue); n != 2 {
		t.Fatalf("expected 2 classification tasks, got %d", n)
	}
}

// TestTranscribeStageMissingBlobIsPermanent verifies a missing blob is not retried.
func TestTranscribeStageMissingBlobIsPermanent(t *testing.T) {
	f := newFixture(t)
	tr := &fakeTranscriber{result: clipResult}
	stage := NewTranscribeStage(f.store, f.repo, f.broker, tr, f.cfg, f.logger)

	err := stage.Handle(context.Background(), taskBody(t, testID, testKey))
	if !common.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if tr.calls.Load() != 0 {
		t.Fatal("engine should not run without a blob")
	}
	assertScratchEmpty(t, f.scratch)
}

// TestTranscribeStageMalformedTaskIsPermanent verifies schema failures dead-letter.
func TestTranscribeStageMalformedTaskIsPermanent(t *testing.T) {
	f := newFixture(t)
	stage := NewTranscribeStage(f.store, f.repo, f.broker, &fakeTranscriber{}, f.cfg, f.logger)

	for _, body := range []string{`not json`, `{"id":"abc"}`, `{"id":"not-a-uuid","filename":"x.wav"}`} {
		if err := stage.Handle(context.Background(), []byte(body)); !common.IsPermanent(err) {
			t.Fatalf("body %q: expected permanent error, got %v", body, err)
		}
	}
}

// TestTranscribeStageEngineFailure verifies an engine error is retryable and leaves no document.
func TestTranscribeStageEngineFailure(t *testing.T) {
	f := newFixture(t)
	f.putBlob(t, testKey)
	tr := &fakeTranscriber{err: errors.New("model crashed")}
	stage := NewTranscribeStage(f.store, f.repo, f.broker, tr, f.cfg, f.logger)

	err := stage.Handle(context.Background(), taskBody(t, testID, testKey))
	if !errors.Is(err, common.ErrEngine) || common.IsPermanent(err) {
		t.Fatalf("expected retryable engine error, got %v", err)
	}
	if _, err := f.repo.Get(context.Background(), testID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("document should not exist, got %v", err)
	}
	if f.broker.Len(constants.ClassificationQueue) != 0 {
		t.Fatal("nothing should be published")
	}
	assertScratchEmpty(t, f.scratch)
}

type blockingTranscriber struct{}

func (blockingTranscriber) Transcribe(ctx context.Context, _ string) (engine.TranscriptionResult, error) {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return engine.TranscriptionResult{}, ctx.Err()
}

// TestTranscribeStageEngineTimeout verifies a hung engine is abandoned after the engine timeout.
func TestTranscribeStageEngineTimeout(t *testing.T) {
	f := newFixture(t)
	f.putBlob(t, testKey)
	f.cfg.EngineTimeout = 20 * time.Millisecond
	stage := NewTranscribeStage(f.store, f.repo, f.broker, blockingTranscriber{}, f.cfg, f.logger)

	err := stage.Handle(context.Background(), taskBody(t, testID, testKey))
	if common.ErrorCode(err, "") != "ENGINE_TIMEOUT" {
		t.Fatalf("expected ENGINE_TIMEOUT, got %v", err)
	}
}

func seedTranscribed(t *testing.T, repo *memRepo, texts ...string) {
	t.Helper()
	segs := make([]entity.Segment, len(texts))
	for i, text := range texts {
		segs[i] = entity.Segment{Start: float64(i), End: float64(i) + 1, Text: text}
	}
	_, err := repo.Insert(context.Background(), &entity.Transcript{ID: testID, Filename: "clip.wav", ObjectKey: testKey, Segments: segs})
	if err != nil {
		t.Fatal(err)
	}
}

func classifyBody(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(entity.ClassificationTask{ID: testID, Filename: testKey})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// TestClassifyStageLabelsEverySegment verifies batching, order and canonical labels.
func TestClassifyStageLabelsEverySegment(t *testing.T) {
	f := newFixture(t)
	seedTranscribed(t, f.repo, "hello there", "you idiot", "bye")
	c := &fakeClassifier{}
	stage := NewClassifyStage(f.repo, c, f.cfg, f.logger)

	if err := stage.Handle(context.Background(), classifyBody(t)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := c.calls.Load(); n != 2 {
		t.Fatalf("expected 2 batches, got %d", n)
	}

	doc, _ := f.repo.Get(context.Background(), testID)
	if doc.Status() != constants.StatusClassified {
		t.Fatalf("expected classified, got %s", doc.Status())
	}
	wantCats := []constants.Category{constants.Normal, constants.Offensive, constants.Normal}
	wantTexts := []string{"hello there", "you idiot", "bye"}
	for i, s := range doc.Segments {
		if s.Category != wantCats[i] || s.Text != wantTexts[i] || s.Start != float64(i) {
			t.Fatalf("segment %d: %+v", i, s)
		}
	}

	// redelivery leaves the document and the engine alone
	if err := stage.Handle(context.Background(), classifyBody(t)); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if n := c.calls.Load(); n != 2 {
		t.Fatalf("redelivery should not call the engine, calls=%d", n)
	}
}

// TestClassifyStageMissingDocumentIsPermanent verifies a task for an unknown id dead-letters.
func TestClassifyStageMissingDocumentIsPermanent(t *testing.T) {
	f := newFixture(t)
	stage := NewClassifyStage(f.repo, &fakeClassifier{}, f.cfg, f.logger)

	err := stage.Handle(context.Background(), classifyBody(t))
	if !common.IsPermanent(err) || common.ErrorCode(err, "") != "TRANSCRIPT_MISSING" {
		t.Fatalf("expected TRANSCRIPT_MISSING, got %v", err)
	}
}

// TestClassifyStageUnknownLabel verifies labels outside the set fail the task without writing.
func TestClassifyStageUnknownLabel(t *testing.T) {
	f := newFixture(t)
	seedTranscribed(t, f.repo, "hello")
	stage := NewClassifyStage(f.repo, &fakeClassifier{label: "spam"}, f.cfg, f.logger)

	err := stage.Handle(context.Background(), classifyBody(t))
	if common.ErrorCode(err, "") != "UNKNOWN_LABEL" {
		t.Fatalf("expected UNKNOWN_LABEL, got %v", err)
	}
	doc, _ := f.repo.Get(context.Background(), testID)
	if doc.Status() != constants.StatusTranscribed {
		t.Fatalf("document should stay transcribed, got %s", doc.Status())
	}
}

// TestClassifierFailureDeadLettersTask verifies the document stays transcribed and the
// task lands on the dead-letter queue once attempts run out.
func TestClassifierFailureDeadLettersTask(t *testing.T) {
	f := newFixture(t)
	seedTranscribed(t, f.repo, "hello", "world")
	c := &fakeClassifier{err: errors.New("model unavailable")}
	stage := NewClassifyStage(f.repo, c, f.cfg, f.logger)

	consumer := async.NewConsumer(f.broker, constants.ClassificationQueue, stage, f.logger,
		async.WithMaxAttempts(3), async.WithRetryDelay(0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := f.broker.Publish(context.Background(), constants.ClassificationQueue, classifyBody(t)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(f.broker.DeadLetters(constants.ClassificationQueue)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task was not dead-lettered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	dl := f.broker.DeadLetters(constants.ClassificationQueue)[0]
	if !bytes.Equal(dl.Body, classifyBody(t)) || dl.Attempt != 3 {
		t.Fatalf("unexpected dead letter: attempt=%d body=%s", dl.Attempt, dl.Body)
	}
	if n := c.calls.Load(); n != 3 {
		t.Fatalf("expected 3 engine calls, got %d", n)
	}
	doc, _ := f.repo.Get(context.Background(), testID)
	if doc.Status() != constants.StatusTranscribed {
		t.Fatalf("document should stay transcribed, got %s", doc.Status())
	}
}

// TestProcessorProcessFile verifies the offline path transcribes and classifies a local file.
func TestProcessorProcessFile(t *testing.T) {
	path := t.TempDir() + "/clip.wav"
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewProcessor(nil, &fakeTranscriber{result: clipResult}, &fakeClassifier{}, Config{BatchSize: 8})

	doc, err := p.ProcessFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if doc.Filename != "clip.wav" || len(doc.Segments) != 3 || doc.Status() != constants.StatusClassified {
		t.Fatalf("unexpected transcript: %+v", doc)
	}
	if doc.Text() != "hello there you idiot bye" {
		t.Fatalf("unexpected text %q", doc.Text())
	}
}

// TestMapSegmentsKeepsEngineOrder checks clamping of bad times and that segments are never reordered.
func TestMapSegmentsKeepsEngineOrder(t *testing.T) {
	got := MapSegments([]engine.RawSegment{
		{Start: 1, End: 2, Text: "b"},
		{Start: -3, End: -1, Text: " a "},
		{Start: 1, End: 1.5, Text: "c"},
	})
	want := []entity.Segment{
		{Start: 1, End: 2, Text: "b"},
		{Start: 0, End: 0, Text: "a"},
		{Start: 1, End: 1.5, Text: "c"},
	}
	for i := range want {
		if got[i].Start != want[i].Start || got[i].End != want[i].End || got[i].Text != want[i].Text {
			t.Fatalf("segment %d: got %+v want %+v", i, got[i], want[i])
		}
	}
	if i := Unordered(got); i != 1 {
		t.Fatalf("Unordered = %d, want 1", i)
	}
	if i := Unordered(got[1:]); i != -1 {
		t.Fatalf("Unordered(ordered) = %d, want -1", i)
	}
	if out := MapSegments(nil); out == nil || len(out) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", out)
	}
}
