package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/transcript-moderator/constants"
	"github.com/joseph-ayodele/transcript-moderator/internal/async"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
	"github.com/joseph-ayodele/transcript-moderator/internal/objectstore"
)

type failingBroker struct {
	async.Broker
	calls atomic.Int32
}

func (b *failingBroker) Publish(context.Context, string, []byte) error {
	b.calls.Add(1)
	return errors.New("connection refused")
}

// flakyStore fails the first n Puts.
type flakyStore struct {
	objectstore.Store
	failures atomic.Int32
}

func (s *flakyStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, ct string) error {
	if s.failures.Add(-1) >= 0 {
		_, _ = io.CopyN(io.Discard, r, 2)
		return errors.New("503 slow down")
	}
	return s.Store.Put(ctx, bucket, key, r, size, ct)
}

type testEnv struct {
	root   string
	store  *objectstore.FSStore
	broker *async.MemoryBroker
	logger *slog.Logger
	policy common.RetryPolicy
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	store := objectstore.NewFSStore(root, []string{constants.AudioBucket}, logger)
	if err := store.EnsureBuckets(context.Background()); err != nil {
		t.Fatal(err)
	}
	broker := async.NewMemoryBroker(time.Minute, logger)
	t.Cleanup(func() { _ = broker.Close() })
	return &testEnv{
		root:   root,
		store:  store,
		broker: broker,
		logger: logger,
		policy: common.RetryPolicy{Initial: time.Millisecond, Max: time.Millisecond, MaxTries: 3},
	}
}

func fetch(t *testing.T, store objectstore.Store, key string) (string, error) {
	t.Helper()
	dst := filepath.Join(t.TempDir(), "blob")
	if err := store.FetchTo(context.Background(), constants.AudioBucket, key, dst); err != nil {
		return "", err
	}
	b, err := os.ReadFile(dst)
	return string(b), err
}

// TestUploadStoresBlobThenPublishes verifies the clip.wav upload path.
func TestUploadStoresBlobThenPublishes(t *testing.T) {
	env := newEnv(t)
	svc := NewService(env.store, env.broker, Config{Retry: env.policy}, env.logger)

	res, err := svc.Upload(context.Background(), UploadRequest{Filename: "clip.wav", Body: strings.NewReader("RIFF"), Size: 4})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Filename != "clip.wav" || res.ObjectKey != res.ID+"/clip.wav" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got, err := fetch(t, env.store, res.ObjectKey); err != nil || got != "RIFF" {
		t.Fatalf("blob = %q, %v", got, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := env.broker.Consume(ctx, constants.TranscriptionQueue, "test")
	if err != nil {
		t.Fatal(err)
	}
	d := <-deliveries
	var task entity.TranscriptionTask
	if err := json.Unmarshal(d.Body(), &task); err != nil {
		t.Fatal(err)
	}
	if task.ID != res.ID || task.Filename != res.ObjectKey {
		t.Fatalf("unexpected task: %+v", task)
	}
	_ = d.Ack(ctx)
}

// TestUploadAllocatesDistinctIDs verifies two uploads with the same name do not collide.
func TestUploadAllocatesDistinctIDs(t *testing.T) {
	env := newEnv(t)
	svc := NewService(env.store, env.broker, Config{Retry: env.policy}, env.logger)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		res, err := svc.Upload(context.Background(), UploadRequest{Filename: "clip.wav", Body: strings.NewReader("x"), Size: 1})
		if err != nil {
			t.Fatal(err)
		}
		if seen[res.ID] {
			t.Fatalf("duplicate id %s", res.ID)
		}
		seen[res.ID] = true
	}
}

// TestUploadRejectsBadInput verifies client errors have no side effects.
func TestUploadRejectsBadInput(t *testing.T) {
	env := newEnv(t)
	svc := NewService(env.store, env.broker, Config{Retry: env.policy}, env.logger)

	cases := []UploadRequest{
		{Filename: "clip.wav", Size: 1},
		{Filename: "clip.wav", Body: strings.NewReader(""), Size: 0},
		{Filename: "  ", Body: strings.NewReader("x"), Size: 1},
		{Filename: "../..", Body: strings.NewReader("x"), Size: 1},
		{Filename: "日本語", Body: strings.NewReader("x"), Size: 1},
	}
	for _, req := range cases {
		_, err := svc.Upload(context.Background(), req)
		if common.HTTPStatus(err) != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %v", req.Filename, err)
		}
	}
	if env.broker.Len(constants.TranscriptionQueue) != 0 {
		t.Fatal("nothing should be published")
	}
}

// TestUploadPublishFailureRemovesBlob verifies the blob is cleaned up when the task cannot be queued.
func TestUploadPublishFailureRemovesBlob(t *testing.T) {
	env := newEnv(t)
	broker := &failingBroker{}
	svc := NewService(env.store, broker, Config{Retry: env.policy}, env.logger)

	_, err := svc.Upload(context.Background(), UploadRequest{Filename: "clip.wav", Body: strings.NewReader("RIFF"), Size: 4})
	if err == nil || common.HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("expected server error, got %v", err)
	}
	if n := broker.calls.Load(); n != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", n)
	}
	entries, _ := os.ReadDir(filepath.Join(env.root, constants.AudioBucket))
	for _, e := range entries {
		sub, _ := os.ReadDir(filepath.Join(env.root, constants.AudioBucket, e.Name()))
		if len(sub) != 0 {
			t.Fatalf("blob left behind under %s", e.Name())
		}
	}
}

// TestUploadRetriesTransientStoreErrors verifies the body is rewound between attempts.
func TestUploadRetriesTransientStoreErrors(t *testing.T) {
	env := newEnv(t)
	store := &flakyStore{Store: env.store}
	store.failures.Store(2)
	svc := NewService(store, env.broker, Config{Retry: env.policy}, env.logger)

	res, err := svc.Upload(context.Background(), UploadRequest{Filename: "clip.wav", Body: strings.NewReader("RIFFDATA"), Size: 8})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got, _ := fetch(t, env.store, res.ObjectKey); got != "RIFFDATA" {
		t.Fatalf("blob = %q", got)
	}
	if env.broker.Len(constants.TranscriptionQueue) != 1 {
		t.Fatal("expected one transcription task")
	}
}

// TestIngestDirectory verifies only visible audio files are uploaded.
func TestIngestDirectory(t *testing.T) {
	env := newEnv(t)
	svc := NewService(env.store, env.broker, Config{Retry: env.policy}, env.logger)

	root := t.TempDir()
	files := map[string]string{
		"a.wav":         "a",
		"notes.txt":     "n",
		"sub/b.MP3":     "b",
		".hidden/c.wav": "c",
		"sub/.d.wav":    "d",
	}
	for name, body := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	results, stats, err := svc.IngestDirectory(context.Background(), root, true)
	if err != nil {
		t.Fatalf("IngestDirectory: %v", err)
	}
	if stats.Matched != 2 || stats.Succeeded != 2 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(results) != 2 || env.broker.Len(constants.TranscriptionQueue) != 2 {
		t.Fatalf("expected 2 uploads, got %d results", len(results))
	}
	for _, r := range results {
		if r.TranscriptID == "" {
			t.Fatalf("missing id for %s", r.SourcePath)
		}
	}
}
