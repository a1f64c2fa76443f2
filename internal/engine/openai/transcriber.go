package openai

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
)

// Transcriber calls the audio transcription endpoint with verbose_json output so
// segment timings come back.
type Transcriber struct {
	*Client
}

func NewTranscriber(c *Client) *Transcriber {
	return &Transcriber{Client: c}
}

func (t *Transcriber) Transcribe(ctx context.Context, audioPath string) (engine.TranscriptionResult, error) {
	start := time.Now()
	log := t.logger.With("model", t.cfg.TranscribeModel, "file", filepath.Base(audioPath))
	log.Info("asr.openai.start")

	resp, err := t.api.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    t.cfg.TranscribeModel,
		FilePath: audioPath,
		Format:   goopenai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		log.Error("asr.openai.failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return engine.TranscriptionResult{}, fmt.Errorf("%w: openai transcription: %v", common.ErrEngine, err)
	}

	out := engine.TranscriptionResult{Language: resp.Language}
	for _, s := range resp.Segments {
		out.Segments = append(out.Segments, engine.RawSegment{Start: s.Start, End: s.End, Text: s.Text})
	}
	// some compatible servers only return the joined text
	if len(out.Segments) == 0 && strings.TrimSpace(resp.Text) != "" {
		out.Segments = []engine.RawSegment{{Start: 0, End: resp.Duration, Text: resp.Text}}
	}

	log.Info("asr.openai.ok",
		"segments", len(out.Segments),
		"language", out.Language,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}
