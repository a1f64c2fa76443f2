package schema

// LabelsJSONSchema constrains a classifier reply to {"labels": [...]} with exactly
// count entries drawn from allowed.
func LabelsJSONSchema(allowed []string, count int) map[string]any {
	item := map[string]any{"type": "string"}
	if len(allowed) > 0 {
		item["enum"] = allowed
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"labels": map[string]any{
				"type":     "array",
				"items":    item,
				"minItems": count,
				"maxItems": count,
			},
		},
		"required": []string{"labels"},
	}
}
