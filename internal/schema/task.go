package schema

import (
	"encoding/json"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
)

const maxKeyLength = 1024

// TaskJSONSchema describes both task bodies; they share one shape.
func TaskJSONSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": true,
		"properties": map[string]any{
			"id":       map[string]any{"type": "string", "minLength": 1},
			"filename": map[string]any{"type": "string", "minLength": 1, "maxLength": maxKeyLength},
		},
		"required": []string{"id", "filename"},
	}
}

var taskSchema = MustCompile("task.json", TaskJSONSchema())

// DecodeTranscriptionTask validates and decodes a transcription queue message.
// Malformed bodies return an error wrapping common.ErrValidation.
func DecodeTranscriptionTask(body []byte) (entity.TranscriptionTask, error) {
	var t entity.TranscriptionTask
	if err := decodeTask(body, &t); err != nil {
		return t, err
	}
	return t, checkTask(t.ID, t.Filename)
}

// DecodeClassificationTask validates and decodes a classification queue message.
func DecodeClassificationTask(body []byte) (entity.ClassificationTask, error) {
	var t entity.ClassificationTask
	if err := decodeTask(body, &t); err != nil {
		return t, err
	}
	return t, checkTask(t.ID, t.Filename)
}

func decodeTask(body []byte, out any) error {
	if err := ValidateJSON(taskSchema, body); err != nil {
		return common.NewAppError("MALFORMED_TASK", err.Error(), common.ErrValidation)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return common.NewAppError("MALFORMED_TASK", err.Error(), common.ErrValidation)
	}
	return nil
}

func checkTask(id, filename string) error {
	return common.CheckFields("MALFORMED_TASK",
		common.F("id", id, common.NotBlank, common.IsUUID),
		common.F("filename", filename, common.NotBlank, common.ObjectKeyOf(id)),
	)
}
