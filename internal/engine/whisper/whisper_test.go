package whisper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
)

// fakeRunner simulates the whisper CLI.
type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (commandResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	return f.run(ctx, name, args...)
}

func argValue(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func newTestTranscriber(t *testing.T, r commandRunner) (*Transcriber, string) {
	t.Helper()
	tr := NewTranscriber(Config{Binary: "whisper-custom", Model: "tiny"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tr.runner = r
	audio := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(audio, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	return tr, audio
}

// TestTranscribeReadsJSONOutput verifies the CLI arguments and the parsed segments.
func TestTranscribeReadsJSONOutput(t *testing.T) {
	tr, audio := newTestTranscriber(t, &fakeRunner{
		run: func(_ context.Context, name string, args ...string) (commandResult, error) {
			if name != "whisper-custom" || args[0] == "" || argValue(args, "--model") != "tiny" {
				t.Fatalf("unexpected command %s %v", name, args)
			}
			out := filepath.Join(argValue(args, "--output_dir"), "clip.json")
			body := `{"text":" hi there","language":"en","segments":[{"start":0,"end":1.2,"text":" hi"},{"start":1.2,"end":2,"text":" there"}]}`
			if err := os.WriteFile(out, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			return commandResult{}, nil
		},
	})

	res, err := tr.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Language != "en" || len(res.Segments) != 2 || res.Segments[0].Text != " hi" {
		t.Fatalf("result = %+v", res)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(audio), "whisper-out-*"))
	if len(matches) != 0 {
		t.Fatalf("output dir not cleaned up: %v", matches)
	}
}

func TestTranscribeCommandFailureIsEngineError(t *testing.T) {
	tr, audio := newTestTranscriber(t, &fakeRunner{
		run: func(context.Context, string, ...string) (commandResult, error) {
			return commandResult{Stderr: "CUDA out of memory", ExitCode: 1}, errors.New("exit status 1")
		},
	})
	_, err := tr.Transcribe(context.Background(), audio)
	if !errors.Is(err, common.ErrEngine) {
		t.Fatalf("want ErrEngine, got %v", err)
	}
}
