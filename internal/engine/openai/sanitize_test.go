package openai

import (
	"encoding/json"
	"testing"
)

// TestNormalizeLabelsJSON verifies fenced replies with loosely spelled labels are repaired.
func TestNormalizeLabelsJSON(t *testing.T) {
	raw := []byte("```json\n{\"categories\": [\"HATE\", \" normal \", \"spam\"]}\n```")

	out, changed, err := normalizeLabelsJSON(raw, []string{"hate", "offensive", "normal"}, nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var reply struct {
		Labels []string `json:"labels"`
	}
	if err := json.Unmarshal(out, &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"hate", "normal", "spam"}
	if len(reply.Labels) != len(want) {
		t.Fatalf("labels = %v", reply.Labels)
	}
	for i := range want {
		if reply.Labels[i] != want[i] {
			t.Errorf("labels[%d] = %q, want %q", i, reply.Labels[i], want[i])
		}
	}
	if len(changed) != 3 {
		t.Errorf("changed = %v", changed)
	}
}

func TestNormalizeLabelsJSONRejectsGarbage(t *testing.T) {
	if _, _, err := normalizeLabelsJSON([]byte("not json"), nil, nil); err == nil {
		t.Fatal("want decode error")
	}
}
