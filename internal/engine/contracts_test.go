package engine

import (
	"math"
	"testing"
)

func TestSoftmaxArgmax(t *testing.T) {
	probs := Softmax([]float32{1, 3, 2})
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("probabilities sum to %v", sum)
	}
	if Argmax(probs) != 1 {
		t.Fatalf("argmax = %d, want 1", Argmax(probs))
	}

	p := PredictionFromProbs([]string{"hate", "offensive", "normal"}, probs)
	if p.Label != "offensive" || len(p.Scores) != 3 {
		t.Fatalf("prediction = %+v", p)
	}
}
