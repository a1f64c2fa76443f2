package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/joseph-ayodele/transcript-moderator/constants"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
)

// MapSegments turns engine output into stored segments: texts trimmed, negative or
// NaN times clamped to zero, end never before start. The engine's order is kept.
func MapSegments(raw []engine.RawSegment) []entity.Segment {
	out := make([]entity.Segment, 0, len(raw))
	for _, r := range raw {
		start := clampTime(r.Start)
		end := clampTime(r.End)
		if end < start {
			end = start
		}
		out = append(out, entity.Segment{
			Start: start,
			End:   end,
			Text:  strings.TrimSpace(r.Text),
		})
	}
	return out
}

// Unordered returns the index of the first segment that starts before its
// predecessor, or -1 when starts never decrease.
func Unordered(segs []entity.Segment) int {
	for i := 1; i < len(segs); i++ {
		if segs[i].Start < segs[i-1].Start {
			return i
		}
	}
	return -1
}

func clampTime(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// ClassifySegments labels segs in place, one engine call per batch of batchSize texts.
func ClassifySegments(ctx context.Context, c engine.Classifier, segs []entity.Segment, batchSize int, timeout time.Duration) error {
	if batchSize <= 0 {
		batchSize = len(segs)
	}
	for start := 0; start < len(segs); start += batchSize {
		end := start + batchSize
		if end > len(segs) {
			end = len(segs)
		}
		texts := make([]string, 0, end-start)
		for _, s := range segs[start:end] {
			texts = append(texts, s.Text)
		}

		preds, err := withEngineTimeout(ctx, timeout, func(ctx context.Context) ([]engine.Prediction, error) {
			return c.Classify(ctx, texts)
		})
		if err != nil {
			return err
		}
		if len(preds) != len(texts) {
			return common.NewAppError("CLASSIFIER_MISMATCH",
				fmt.Sprintf("classifier returned %d labels for %d segments", len(preds), len(texts)), common.ErrEngine)
		}
		for i, p := range preds {
			cat, ok := constants.Canonicalize(p.Label)
			if !ok {
				return common.NewAppError("UNKNOWN_LABEL",
					fmt.Sprintf("classifier label %q is not in the label set", p.Label), common.ErrEngine)
			}
			segs[start+i].Category = cat
			segs[start+i].Scores = p.Scores
		}
	}
	return nil
}

// withEngineTimeout runs fn on its own goroutine and stops waiting for it once the
// timeout or ctx expires. The abandoned call sees a canceled context.
func withEngineTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := common.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && !errors.Is(r.err, common.ErrEngine) && ctx.Err() == nil {
			r.err = fmt.Errorf("%w: %v", common.ErrEngine, r.err)
		}
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, common.NewAppError("ENGINE_TIMEOUT", "engine did not finish within "+timeout.String(), common.ErrEngine)
		}
		return zero, ctx.Err()
	}
}
