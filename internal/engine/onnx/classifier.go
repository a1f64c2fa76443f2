package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tokenizer "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
	"github.com/joseph-ayodele/transcript-moderator/internal/engine"
)

type Config struct {
	ModelPath     string
	TokenizerPath string
	// LibraryPath points at libonnxruntime; empty uses the loader's search path.
	LibraryPath string
	// Labels name the model's output logits in order.
	Labels       []string
	MaxSeqLen    int
	InputNames   []string
	OutputName   string
	IntraThreads int
}

// Classifier runs a sequence-classification model (BERT style) locally.
type Classifier struct {
	cfg     Config
	tok     *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewClassifier loads the tokenizer and the ONNX model.
func NewClassifier(cfg Config, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Labels) == 0 {
		return nil, fmt.Errorf("onnx classifier needs labels")
	}
	if cfg.MaxSeqLen <= 0 {
		cfg.MaxSeqLen = 256
	}
	if len(cfg.InputNames) == 0 {
		cfg.InputNames = []string{"input_ids", "attention_mask", "token_type_ids"}
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "logits"
	}

	tok, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("failed to set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(cfg.IntraThreads); err != nil {
		logger.Warn("failed to set thread count", "error", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, cfg.InputNames, []string{cfg.OutputName}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.Info("onnx classifier loaded", "model", cfg.ModelPath, "labels", cfg.Labels)
	return &Classifier{cfg: cfg, tok: tok, session: session, logger: logger}, nil
}

func (c *Classifier) Classify(ctx context.Context, texts []string) ([]engine.Prediction, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	inputs := make([]tokenizer.EncodeInput, len(texts))
	for i, t := range texts {
		inputs[i] = tokenizer.NewSingleEncodeInput(tokenizer.NewInputSequence(t))
	}
	encodings, err := c.tok.EncodeBatch(inputs, true)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenization failed: %v", common.ErrEngine, err)
	}

	ids := make([][]int, len(encodings))
	masks := make([][]int, len(encodings))
	for i, enc := range encodings {
		ids[i] = enc.GetIds()
		masks[i] = enc.GetAttentionMask()
	}
	batch := flatten(ids, masks, c.cfg.MaxSeqLen)

	logits, err := c.run(batch)
	if err != nil {
		return nil, err
	}

	nLabels := len(c.cfg.Labels)
	if len(logits) != batch.size*nLabels {
		return nil, fmt.Errorf("%w: model returned %d logits for %d texts and %d labels",
			common.ErrEngine, len(logits), batch.size, nLabels)
	}
	out := make([]engine.Prediction, batch.size)
	for i := 0; i < batch.size; i++ {
		probs := engine.Softmax(logits[i*nLabels : (i+1)*nLabels])
		out[i] = engine.PredictionFromProbs(c.cfg.Labels, probs)
	}

	c.logger.Debug("classify.onnx.ok", "texts", len(texts), "seq_len", batch.seqLen,
		"elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

func (c *Classifier) run(b batch) ([]float32, error) {
	shape := ort.NewShape(int64(b.size), int64(b.seqLen))
	byName := map[string][]int64{
		"input_ids":      b.inputIDs,
		"attention_mask": b.attentionMask,
		"token_type_ids": b.tokenTypeIDs,
	}

	values := make([]ort.Value, 0, len(c.cfg.InputNames))
	defer func() {
		for _, v := range values {
			_ = v.Destroy()
		}
	}()
	for _, name := range c.cfg.InputNames {
		data, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported model input %q", common.ErrEngine, name)
		}
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create %s tensor: %v", common.ErrEngine, name, err)
		}
		values = append(values, t)
	}

	outputs := make([]ort.Value, 1)
	c.mu.Lock()
	err := c.session.Run(values, outputs)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: inference failed: %v", common.ErrEngine, err)
	}
	defer outputs[0].Destroy()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: output tensor is not float32", common.ErrEngine)
	}
	// copy before the tensor is destroyed
	return append([]float32(nil), tensor.GetData()...), nil
}

func (c *Classifier) Close() error {
	if c.session != nil {
		_ = c.session.Destroy()
	}
	return ort.DestroyEnvironment()
}

type batch struct {
	size          int
	seqLen        int
	inputIDs      []int64
	attentionMask []int64
	tokenTypeIDs  []int64
}

// flatten pads the encodings to the longest one (capped at maxLen) and lays them out row-major.
func flatten(ids, masks [][]int, maxLen int) batch {
	seqLen := 0
	for _, row := range ids {
		if len(row) > seqLen {
			seqLen = len(row)
		}
	}
	if seqLen > maxLen {
		seqLen = maxLen
	}
	if seqLen == 0 {
		seqLen = 1
	}

	b := batch{
		size:          len(ids),
		seqLen:        seqLen,
		inputIDs:      make([]int64, len(ids)*seqLen),
		attentionMask: make([]int64, len(ids)*seqLen),
		tokenTypeIDs:  make([]int64, len(ids)*seqLen),
	}
	for i, row := range ids {
		offset := i * seqLen
		for j := 0; j < seqLen && j < len(row); j++ {
			b.inputIDs[offset+j] = int64(row[j])
			if j < len(masks[i]) {
				b.attentionMask[offset+j] = int64(masks[i][j])
			}
		}
	}
	return b
}
