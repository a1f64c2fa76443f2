package utils

import (
	"time"

	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
)

type TimestampView struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type SegmentView struct {
	Start     float64            `json:"start"`
	End       float64            `json:"end"`
	Timestamp TimestampView      `json:"timestamp"`
	Text      string             `json:"text"`
	Category  string             `json:"category"`
	Scores    map[string]float64 `json:"scores,omitempty"`
}

// TranscriptView is the JSON shape returned by the retrieval endpoint.
type TranscriptView struct {
	ID        string        `json:"id"`
	Filename  string        `json:"filename"`
	Status    string        `json:"status"`
	Language  string        `json:"language,omitempty"`
	Text      string        `json:"text"`
	Segments  []SegmentView `json:"segments"`
	CreatedAt string        `json:"created_at,omitempty"`
	UpdatedAt string        `json:"updated_at,omitempty"`
}

func ToSegmentView(s entity.Segment) SegmentView {
	return SegmentView{
		Start: s.Start,
		End:   s.End,
		Timestamp: TimestampView{
			Start: FormatTimestamp(s.Start),
			End:   FormatTimestamp(s.End),
		},
		Text:     s.Text,
		Category: string(s.Category),
		Scores:   s.Scores,
	}
}

func ToTranscriptView(t *entity.Transcript) TranscriptView {
	segs := make([]SegmentView, len(t.Segments))
	for i, s := range t.Segments {
		segs[i] = ToSegmentView(s)
	}
	return TranscriptView{
		ID:        t.ID,
		Filename:  t.Filename,
		Status:    string(t.Status()),
		Language:  t.Language,
		Text:      t.Text(),
		Segments:  segs,
		CreatedAt: formatTime(t.CreatedAt),
		UpdatedAt: formatTime(t.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
