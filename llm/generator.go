package llm

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"nano-finetune-go/checkpoint"
	"nano-finetune-go/gpt2"
	"nano-finetune-go/tensor"
	"nano-finetune-go/tokenizer"
)

// Output is the result of one generation
type Output struct {
	Text string
	// TokenIDs holds the prompt ids followed by the generated ids
	TokenIDs     []int
	PromptTokens int
}

// ModelInfo summarizes the loaded model
type ModelInfo struct {
	Path       string `json:"path"`
	Parameters int    `json:"parameters"`
	VocabSize  int    `json:"vocab_size"`
	NPositions int    `json:"n_positions"`
	NLayer     int    `json:"n_layer"`
	NEmbd      int    `json:"n_embd"`
	GlobalStep int    `json:"global_step,omitempty"`
}

// Generator produces text continuations from one loaded model. Each call
// owns its KV cache and random source, so Generate may be called from many
// goroutines.
type Generator struct {
	model       *gpt2.Model
	tok         tokenizer.Tokenizer
	params      *SamplingParams
	stripPrompt bool
	seed        int64
	calls       atomic.Int64
	info        ModelInfo
}

// Option is a functional option for Generator
type Option func(*Generator)

// WithSamplingParams replaces the default sampling parameters
func WithSamplingParams(sp *SamplingParams) Option {
	return func(g *Generator) {
		g.params = sp
	}
}

// WithStripPrompt returns only the continuation instead of prompt plus
// continuation
func WithStripPrompt(b bool) Option {
	return func(g *Generator) {
		g.stripPrompt = b
	}
}

// WithSeed fixes the base seed of the per-call random sources
func WithSeed(seed int64) Option {
	return func(g *Generator) {
		g.seed = seed
	}
}

// NewGenerator creates a Generator over model and tok
func NewGenerator(model *gpt2.Model, tok tokenizer.Tokenizer, opts ...Option) (*Generator, error) {
	if model == nil || tok == nil {
		return nil, fmt.Errorf("model and tokenizer are required")
	}
	if tok.VocabSize() > model.Config.VocabSize {
		return nil, fmt.Errorf("tokenizer vocabulary (%d) larger than model vocabulary (%d)", tok.VocabSize(), model.Config.VocabSize)
	}
	g := &Generator{
		model:  model,
		tok:    tok,
		params: NewSamplingParams(),
		seed:   time.Now().UnixNano(),
		info: ModelInfo{
			Parameters: model.NumParameters(),
			VocabSize:  model.Config.VocabSize,
			NPositions: model.Config.NPositions,
			NLayer:     model.Config.NLayer,
			NEmbd:      model.Config.NEmbd,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Load reads a checkpoint directory and creates a Generator for it
func Load(ctx context.Context, dir string, opts ...Option) (*Generator, error) {
	start := time.Now()
	ck, err := checkpoint.Load(dir)
	if err != nil {
		return nil, err
	}
	g, err := NewGenerator(ck.Model, ck.Tokenizer, opts...)
	if err != nil {
		return nil, err
	}
	g.info.Path = dir
	if ck.State != nil {
		g.info.GlobalStep = ck.State.GlobalStep
	}
	logutil.GetLogger(ctx).Info("model loaded",
		zap.String("path", dir),
		zap.Int("parameters", g.info.Parameters),
		zap.Duration("cost", time.Since(start)),
	)
	return g, nil
}

// Info describes the loaded model
func (g *Generator) Info() ModelInfo {
	return g.info
}

// Generate samples a continuation of prompt and returns the decoded text
// with special tokens removed
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := g.GenerateOutput(ctx, prompt)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// GenerateOutput is Generate with token level detail
func (g *Generator) GenerateOutput(ctx context.Context, prompt string) (*Output, error) {
	start := time.Now()
	ids, err := g.tok.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prompt: %w", err)
	}
	if len(ids) > g.params.MaxInputTokens {
		ids = ids[:g.params.MaxInputTokens]
	}
	if len(ids) == 0 {
		ids = []int{g.model.Config.BOSTokenID}
	}

	tokens, err := g.GenerateIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	decodeFrom := 0
	if g.stripPrompt {
		decodeFrom = len(ids)
	}
	out := &Output{
		Text:         g.tok.Decode(tokens[decodeFrom:], true),
		TokenIDs:     tokens,
		PromptTokens: len(ids),
	}
	logutil.GetLogger(ctx).Debug("generation finished",
		zap.Int("prompt_tokens", out.PromptTokens),
		zap.Int("new_tokens", len(tokens)-len(ids)),
		zap.Duration("cost", time.Since(start)),
	)
	return out, nil
}

// GenerateIDs extends ids until EOS, the maximum length or n_positions is
// reached and returns the whole sequence. ids must not be empty.
func (g *Generator) GenerateIDs(ctx context.Context, ids []int) ([]int, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("no input tokens")
	}
	limit := min(g.params.MaxLength, g.model.Config.NPositions)
	out := append(make([]int, 0, max(limit, len(ids))), ids...)
	if len(out) >= limit {
		return out, nil
	}

	rng := rand.New(rand.NewSource(g.seed + g.calls.Add(1)))
	sp := g.params.sampler()
	eos := g.model.Config.EOSTokenID
	cache := g.model.NewKVCache()

	logits, err := g.model.Decode(cache, out)
	if err != nil {
		return nil, err
	}
	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := tensor.Sample(logits, sp, rng)
		out = append(out, next)
		if next == eos || len(out) >= limit {
			break
		}
		if logits, err = g.model.Decode(cache, []int{next}); err != nil {
			return nil, err
		}
	}
	return out, nil
}
