package onnx

import "testing"

// TestFlattenPadsAndTruncates verifies row-major layout, zero padding and the length cap.
func TestFlattenPadsAndTruncates(t *testing.T) {
	ids := [][]int{{101, 7, 102}, {101, 8, 9, 10, 102}}
	masks := [][]int{{1, 1, 1}, {1, 1, 1, 1, 1}}

	b := flatten(ids, masks, 4)
	if b.size != 2 || b.seqLen != 4 {
		t.Fatalf("size=%d seqLen=%d", b.size, b.seqLen)
	}
	wantIDs := []int64{101, 7, 102, 0, 101, 8, 9, 10}
	wantMask := []int64{1, 1, 1, 0, 1, 1, 1, 1}
	for i := range wantIDs {
		if b.inputIDs[i] != wantIDs[i] || b.attentionMask[i] != wantMask[i] {
			t.Fatalf("ids=%v mask=%v", b.inputIDs, b.attentionMask)
		}
	}
	for _, v := range b.tokenTypeIDs {
		if v != 0 {
			t.Fatalf("token type ids should be zero: %v", b.tokenTypeIDs)
		}
	}
}
