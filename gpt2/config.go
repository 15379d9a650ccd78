package gpt2

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config mirrors the fields of a Hugging Face GPT2Config that the model uses.
// Unknown fields in config.json are ignored on load.
type Config struct {
	ModelType          string   `json:"model_type"`
	Architectures      []string `json:"architectures,omitempty"`
	VocabSize          int      `json:"vocab_size"`
	NPositions         int      `json:"n_positions"`
	NEmbd              int      `json:"n_embd"`
	NLayer             int      `json:"n_layer"`
	NHead              int      `json:"n_head"`
	ActivationFunction string   `json:"activation_function"`
	LayerNormEpsilon   float64  `json:"layer_norm_epsilon"`
	InitializerRange   float64  `json:"initializer_range"`
	BOSTokenID         int      `json:"bos_token_id"`
	EOSTokenID         int      `json:"eos_token_id"`
	TorchDtype         string   `json:"torch_dtype,omitempty"`
}

// DefaultConfig returns the 124M parameter GPT-2 configuration
func DefaultConfig() Config {
	return Config{
		ModelType:          "gpt2",
		Architectures:      []string{"GPT2LMHeadModel"},
		VocabSize:          50257,
		NPositions:         1024,
		NEmbd:              768,
		NLayer:             12,
		NHead:              12,
		ActivationFunction: "gelu_new",
		LayerNormEpsilon:   1e-5,
		InitializerRange:   0.02,
		BOSTokenID:         50256,
		EOSTokenID:         50256,
	}
}

// Validate checks that the dimensions describe a buildable model
func (c *Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab_size must be > 0, got %d", c.VocabSize)
	}
	if c.NPositions <= 0 {
		return fmt.Errorf("n_positions must be > 0, got %d", c.NPositions)
	}
	if c.NLayer < 0 {
		return fmt.Errorf("n_layer must be >= 0, got %d", c.NLayer)
	}
	if c.NHead <= 0 || c.NEmbd <= 0 || c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("n_embd (%d) must be a positive multiple of n_head (%d)", c.NEmbd, c.NHead)
	}
	if c.EOSTokenID < 0 || c.EOSTokenID >= c.VocabSize {
		return fmt.Errorf("eos_token_id %d outside vocabulary of %d", c.EOSTokenID, c.VocabSize)
	}
	if c.ActivationFunction != "" && c.ActivationFunction != "gelu_new" && c.ActivationFunction != "gelu" {
		return fmt.Errorf("unsupported activation_function: %s", c.ActivationFunction)
	}
	return nil
}

func (c *Config) eps() float32 {
	if c.LayerNormEpsilon <= 0 {
		return 1e-5
	}
	return float32(c.LayerNormEpsilon)
}

// LoadConfig reads config.json
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.Architectures = nil
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes config.json
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
