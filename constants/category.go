package constants

import (
	"strings"
)

type Category string

const (
	Hate      Category = "hate"
	Offensive Category = "offensive"
	Normal    Category = "normal"
)

var allCategories = []Category{
	Hate,
	Offensive,
	Normal,
}

func AsStringSlice() []string {
	result := make([]string, len(allCategories))
	for i, cat := range allCategories {
		result[i] = string(cat)
	}
	return result
}

// Canonicalize maps a classifier label onto the fixed label set.
// Model checkpoints disagree on casing and naming, so a few synonyms are accepted.
func Canonicalize(input string) (Category, bool) {
	if input == "" {
		return "", false
	}

	normalized := strings.ToLower(strings.TrimSpace(input))
	normalized = strings.NewReplacer("_", " ", "-", " ").Replace(normalized)

	synonyms := map[string]Category{
		"hatespeech":    Hate,
		"hate speech":   Hate,
		"identity hate": Hate,
		"toxic":         Offensive,
		"severe toxic":  Offensive,
		"obscene":       Offensive,
		"insult":        Offensive,
		"threat":        Offensive,
		"abusive":       Offensive,
		"non toxic":     Normal,
		"neutral":       Normal,
		"clean":         Normal,
		"none":          Normal,
	}

	if cat, ok := synonyms[normalized]; ok {
		return cat, true
	}

	for _, cat := range allCategories {
		if normalized == string(cat) {
			return cat, true
		}
	}

	return "", false
}
