package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// normalizeLabelsJSON tidies a model reply before schema validation:
//   - strips a surrounding ```json fence
//   - accepts "label" or "categories" as synonyms for "labels"
//   - maps each label onto the allowed spelling, ignoring case and spaces
//
// Labels that match nothing are left alone so validation rejects them.
func normalizeLabelsJSON(raw []byte, allowed []string, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw = stripFence(raw)

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	changed := make([]string, 0, 2)
	for _, from := range []string{"label", "categories"} {
		if v, ok := m[from]; ok {
			if _, exists := m["labels"]; !exists {
				m["labels"] = v
			}
			delete(m, from)
			changed = append(changed, from+"->labels")
		}
	}

	canon := make(map[string]string, len(allowed))
	for _, l := range allowed {
		canon[foldLabel(l)] = l
	}
	if list, ok := m["labels"].([]any); ok {
		for i, v := range list {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if c, ok := canon[foldLabel(s)]; ok && c != s {
				list[i] = c
				changed = append(changed, fmt.Sprintf("labels[%d]", i))
			}
		}
	}

	if len(changed) > 0 {
		logger.Debug("classify.openai.sanitized", "changed", changed)
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, changed, nil
}

func stripFence(raw []byte) []byte {
	s := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(s, []byte("```")) {
		return s
	}
	s = bytes.TrimPrefix(s, []byte("```"))
	if nl := bytes.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = bytes.TrimSuffix(bytes.TrimSpace(s), []byte("```"))
	return bytes.TrimSpace(s)
}

func foldLabel(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}
