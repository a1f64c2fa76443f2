package entity

import (
	"strings"
	"time"

	"github.com/joseph-ayodele/transcript-moderator/constants"
)

// Segment is one timed span of transcribed text.
type Segment struct {
	Start    float64            `json:"start" bson:"start"`
	End      float64            `json:"end" bson:"end"`
	Text     string             `json:"text" bson:"text"`
	Category constants.Category `json:"category,omitempty" bson:"category,omitempty"`
	Scores   map[string]float64 `json:"scores,omitempty" bson:"scores,omitempty"`
}

// Transcript is the persisted record of one uploaded audio file.
type Transcript struct {
	ID        string    `json:"id" bson:"id"`
	Filename  string    `json:"filename" bson:"filename"`
	ObjectKey string    `json:"object_key" bson:"object_key"`
	Language  string    `json:"language,omitempty" bson:"language,omitempty"`
	Segments  []Segment `json:"segments" bson:"segments"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Status derives the pipeline state from the populated fields.
func (t *Transcript) Status() constants.TranscriptStatus {
	if len(t.Segments) == 0 {
		return constants.StatusCreated
	}
	if t.Classified() {
		return constants.StatusClassified
	}
	return constants.StatusTranscribed
}

// Classified reports whether every segment carries a category.
// A transcript without segments is never classified.
func (t *Transcript) Classified() bool {
	if len(t.Segments) == 0 {
		return false
	}
	for _, s := range t.Segments {
		if s.Category == "" {
			return false
		}
	}
	return true
}

// Text joins the segment texts with single spaces, skipping empty spans.
func (t *Transcript) Text() string {
	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Texts returns the segment texts in order.
func (t *Transcript) Texts() []string {
	out := make([]string, len(t.Segments))
	for i, s := range t.Segments {
		out[i] = s.Text
	}
	return out
}

// CloneSegments returns a deep copy of the segments so callers can annotate without
// touching the loaded document.
func (t *Transcript) CloneSegments() []Segment {
	out := make([]Segment, len(t.Segments))
	for i, s := range t.Segments {
		out[i] = s
		if s.Scores != nil {
			out[i].Scores = make(map[string]float64, len(s.Scores))
			for k, v := range s.Scores {
				out[i].Scores[k] = v
			}
		}
	}
	return out
}
