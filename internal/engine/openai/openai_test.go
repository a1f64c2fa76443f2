package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func chatReply(content string) string {
	return `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":` +
		jsonString(content) + `},"finish_reason":"stop"}]}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// TestClassifierReturnsLabelsInOrder verifies the reply is mapped back by position.
func TestClassifierReturnsLabelsInOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatReply(`{"labels":["hate","normal"]}`))
	})
	cls := NewClassifier(c, []string{"hate", "offensive", "normal"})

	preds, err := cls.Classify(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(preds) != 2 || preds[0].Label != "hate" || preds[1].Label != "normal" {
		t.Fatalf("predictions = %+v", preds)
	}
}

// TestClassifierRejectsWrongCount verifies a reply with a missing label is an engine error.
func TestClassifierRejectsWrongCount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatReply(`{"labels":["hate"]}`))
	})
	cls := NewClassifier(c, []string{"hate", "offensive", "normal"})

	_, err := cls.Classify(context.Background(), []string{"a", "b"})
	if !errors.Is(err, common.ErrEngine) {
		t.Fatalf("want ErrEngine, got %v", err)
	}
}

func TestTranscriberMapsVerboseSegments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"task":"transcribe","language":"english","duration":4,
			"segments":[{"id":0,"start":0,"end":2.5,"text":" hello"},{"id":1,"start":2.5,"end":4,"text":" world"}],
			"text":"hello world"}`)
	})
	audio := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(audio, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := NewTranscriber(c).Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Language != "english" || len(res.Segments) != 2 || res.Segments[1].Start != 2.5 {
		t.Fatalf("result = %+v", res)
	}
}
