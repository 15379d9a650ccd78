package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/common/logger"

	"nano-finetune-go/llm"
	"nano-finetune-go/trainer"
)

// SinkConfig selects a checkpoint mirror; Data is passed to the sink factory
type SinkConfig struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// TrainConfig configures the finetune command
type TrainConfig struct {
	SourceDir       string            `json:"source_dir"`
	BaseModel       string            `json:"base_model"`
	FinalDir        string            `json:"final_dir"`
	ReadParallelism int               `json:"read_parallelism"`
	Progress        bool              `json:"progress"`
	Training        trainer.Arguments `json:"training"`
	Sink            *SinkConfig       `json:"sink,omitempty"`
	LogConfig       logger.LogConfig  `json:"log_config"`
}

// SamplingConfig mirrors llm.SamplingParams
type SamplingConfig struct {
	Temperature    float32 `json:"temperature"`
	TopK           int     `json:"top_k"`
	TopP           float32 `json:"top_p"`
	MaxLength      int     `json:"max_length"`
	MaxInputTokens int     `json:"max_input_tokens"`
}

// ServeConfig configures the chatserver command
type ServeConfig struct {
	ModelPath   string           `json:"model_path"`
	Host        string           `json:"host"`
	Port        int              `json:"port"`
	Parallel    int              `json:"parallel"`
	StripPrompt bool             `json:"strip_prompt"`
	Seed        int64            `json:"seed"`
	Sampling    SamplingConfig   `json:"sampling"`
	LogConfig   logger.LogConfig `json:"log_config"`
}

// DefaultTrain returns the stock fine-tuning settings
func DefaultTrain() TrainConfig {
	cfg := TrainConfig{
		SourceDir:       "./Mirror-AI-main",
		BaseModel:       "./gpt2",
		FinalDir:        "./fine_tuned_gpt2",
		ReadParallelism: 8,
		Progress:        true,
		Training:        trainer.DefaultArguments(),
	}
	cfg.LogConfig.Level = "info"
	cfg.LogConfig.Console = true
	return cfg
}

// DefaultServe returns the stock chat server settings
func DefaultServe() ServeConfig {
	cfg := ServeConfig{
		ModelPath: "./fine_tuned_gpt2_olive_mains/checkpoint-1300",
		Host:      "0.0.0.0",
		Port:      5000,
		Parallel:  1,
		Sampling: SamplingConfig{
			Temperature:    0.7,
			TopK:           50,
			TopP:           0.95,
			MaxLength:      1024,
			MaxInputTokens: 1024,
		},
	}
	cfg.LogConfig.Level = "info"
	cfg.LogConfig.Console = true
	return cfg
}

// decodeFile decodes the JSON file at path over dst, so fields absent from
// the file keep the values already in dst
func decodeFile(path string, dst any) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// LoadTrain reads a training config. An empty path yields the defaults.
func LoadTrain(path string) (*TrainConfig, error) {
	cfg := DefaultTrain()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the training config
func (c *TrainConfig) Validate() error {
	if strings.TrimSpace(c.SourceDir) == "" {
		return fmt.Errorf("source_dir is required")
	}
	if strings.TrimSpace(c.BaseModel) == "" {
		return fmt.Errorf("base_model is required")
	}
	if strings.TrimSpace(c.FinalDir) == "" {
		return fmt.Errorf("final_dir is required")
	}
	if c.ReadParallelism < 1 {
		c.ReadParallelism = 1
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.Sink != nil {
		c.Sink.Type = strings.ToLower(strings.TrimSpace(c.Sink.Type))
		switch c.Sink.Type {
		case "local", "s3":
		default:
			return fmt.Errorf("sink.type must be local or s3")
		}
		if c.Sink.Data == nil {
			return fmt.Errorf("sink.data is required")
		}
	}
	if err := c.Training.Validate(); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	return nil
}

// LoadServe reads a server config. An empty path yields the defaults.
func LoadServe(path string) (*ServeConfig, error) {
	cfg := DefaultServe()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the server config
func (c *ServeConfig) Validate() error {
	if strings.TrimSpace(c.ModelPath) == "" {
		return fmt.Errorf("model_path is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if c.Parallel < 1 {
		return fmt.Errorf("parallel must be >= 1")
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	s := c.Sampling
	if s.Temperature < 0 || s.TopK < 0 || s.TopP <= 0 || s.TopP > 1 || s.MaxLength < 1 || s.MaxInputTokens < 1 {
		return fmt.Errorf("sampling: invalid parameters %+v", s)
	}
	return nil
}

// Addr returns host:port
func (c *ServeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SamplingParams converts the sampling section
func (c *ServeConfig) SamplingParams() *llm.SamplingParams {
	s := c.Sampling
	return llm.NewSamplingParams(
		llm.WithTemperature(s.Temperature),
		llm.WithTopK(s.TopK),
		llm.WithTopP(s.TopP),
		llm.WithMaxLength(s.MaxLength),
		llm.WithMaxInputTokens(s.MaxInputTokens),
	)
}
