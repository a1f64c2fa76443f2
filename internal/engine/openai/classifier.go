package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
	"github.com/joseph-ayodele/transcript-moderator/internal/schema"
)

// Classifier labels a batch of texts with one chat completion in JSON mode.
type Classifier struct {
	*Client
	labels []string
}

func NewClassifier(c *Client, labels []string) *Classifier {
	return &Classifier{Client: c, labels: labels}
}

func (c *Classifier) Classify(ctx context.Context, texts []string) ([]engine.Prediction, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	rid := uuid.New().String()
	start := time.Now()
	c.logger.Info("classify.openai.start", "req_id", rid, "model", c.cfg.Model, "texts", len(texts))

	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: buildSystemPrompt(c.labels)},
			{Role: goopenai.ChatMessageRoleUser, Content: buildUserPrompt(texts)},
		},
	})
	if err != nil {
		c.logger.Error("classify.openai.http_error", "req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("%w: openai classification: %v", common.ErrEngine, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in openai response", common.ErrEngine)
	}

	labels, err := c.parse([]byte(strings.TrimSpace(resp.Choices[0].Message.Content)), len(texts))
	if err != nil {
		c.logger.Error("classify.openai.schema_validation_failed", "req_id", rid, "error", err,
			"content", resp.Choices[0].Message.Content)
		return nil, err
	}

	out := make([]engine.Prediction, len(labels))
	for i, l := range labels {
		out[i] = engine.Prediction{Label: l}
	}
	c.logger.Info("classify.openai.ok", "req_id", rid, "texts", len(texts),
		"elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

func (c *Classifier) parse(content []byte, n int) ([]string, error) {
	s, err := schema.Compile("labels.json", schema.LabelsJSONSchema(c.labels, n))
	if err != nil {
		return nil, err
	}
	content, _, err = normalizeLabelsJSON(content, c.labels, c.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEngine, err)
	}
	if err := schema.ValidateJSON(s, content); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEngine, err)
	}
	var reply struct {
		Labels []string `json:"labels"`
	}
	if err := json.Unmarshal(content, &reply); err != nil {
		return nil, fmt.Errorf("%w: decode labels: %v", common.ErrEngine, err)
	}
	return reply.Labels, nil
}

func buildSystemPrompt(labels []string) string {
	parts := []string{
		"You are a content moderation classifier for speech transcripts.",
		"Assign exactly one label to every numbered utterance.",
		"Allowed labels (enum): " + strings.Join(labels, ", ") + ".",
		`Return ONLY JSON of the form {"labels": [...]} with one label per utterance, in input order.`,
	}
	return strings.Join(parts, " ")
}

func buildUserPrompt(texts []string) string {
	var b strings.Builder
	b.WriteString("Utterances:\n")
	for i, t := range texts {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(strconv.Quote(t))
		b.WriteString("\n")
	}
	return b.String()
}
