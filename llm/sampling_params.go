package llm

import (
	"fmt"

	"nano-finetune-go/tensor"
)

// SamplingParams holds the sampling parameters for generation
type SamplingParams struct {
	Temperature float32
	TopK        int
	TopP        float32
	// MaxLength bounds the whole sequence, prompt included
	MaxLength int
	// MaxInputTokens truncates longer prompts on the right
	MaxInputTokens     int
	NumReturnSequences int
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates SamplingParams with the chat server's fixed
// values: temperature 0.7, top-k 50, top-p 0.95, max length 1024
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature:        0.7,
		TopK:               50,
		TopP:               0.95,
		MaxLength:          1024,
		MaxInputTokens:     1024,
		NumReturnSequences: 1,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.validate(); err != nil {
		panic(err)
	}

	return sp
}

// validate checks if the sampling parameters are valid
func (sp *SamplingParams) validate() error {
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0")
	}
	if sp.TopK < 0 {
		return fmt.Errorf("top_k must be >= 0")
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1]")
	}
	if sp.MaxLength < 1 {
		return fmt.Errorf("max_length must be >= 1")
	}
	if sp.MaxInputTokens < 1 {
		return fmt.Errorf("max_input_tokens must be >= 1")
	}
	if sp.NumReturnSequences != 1 {
		return fmt.Errorf("only one returned sequence is supported")
	}
	return nil
}

func (sp *SamplingParams) sampler() *tensor.SamplingParams {
	return &tensor.SamplingParams{
		Temperature: sp.Temperature,
		TopK:        sp.TopK,
		TopP:        sp.TopP,
	}
}

// WithTemperature sets the sampling temperature, 0 selects greedy decoding
func WithTemperature(t float32) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithTopK keeps only the k most likely tokens, 0 disables
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopK = k
	}
}

// WithTopP sets the nucleus sampling threshold
func WithTopP(p float32) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithMaxLength sets the maximum sequence length, prompt included
func WithMaxLength(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxLength = n
	}
}

// WithMaxInputTokens sets the prompt truncation length
func WithMaxInputTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxInputTokens = n
	}
}
