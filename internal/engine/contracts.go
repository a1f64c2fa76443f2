package engine

import (
	"context"
	"math"
)

// RawSegment is one span as the transcription engine reports it.
type RawSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type TranscriptionResult struct {
	Language string       `json:"language,omitempty"`
	Segments []RawSegment `json:"segments"`
}

// Transcriber turns a local audio file into ordered segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (TranscriptionResult, error)
}

// Prediction is the label for one input text, with per-label scores when the engine has them.
type Prediction struct {
	Label  string             `json:"label"`
	Scores map[string]float64 `json:"scores,omitempty"`
}

// Classifier labels a batch of texts. The i-th prediction belongs to the i-th text.
type Classifier interface {
	Classify(ctx context.Context, texts []string) ([]Prediction, error)
}

// Softmax converts logits into probabilities.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := float64(logits[0])
	for _, l := range logits[1:] {
		if float64(l) > maxLogit {
			maxLogit = float64(l)
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(float64(l) - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the index of the largest value; ties go to the lowest index.
func Argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// PredictionFromProbs picks the top label and keeps every label's probability.
func PredictionFromProbs(labels []string, probs []float64) Prediction {
	scores := make(map[string]float64, len(labels))
	for i, l := range labels {
		if i < len(probs) {
			scores[l] = probs[i]
		}
	}
	return Prediction{Label: labels[Argmax(probs)], Scores: scores}
}
