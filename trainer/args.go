package trainer

import (
	"fmt"
	"strings"
)

// Optimizer names accepted by Arguments.Optim
const (
	OptimAdamWTorch = "adamw_torch"
	OptimAdamW      = "adamw"
	OptimSGD        = "sgd"
)

// Arguments holds the training hyperparameters. Field names and JSON keys
// follow Hugging Face TrainingArguments so training_args.json reads the same.
type Arguments struct {
	OutputDir                 string  `json:"output_dir"`
	OverwriteOutputDir        bool    `json:"overwrite_output_dir"`
	NumTrainEpochs            int     `json:"num_train_epochs"`
	MaxSteps                  int     `json:"max_steps"`
	PerDeviceTrainBatchSize   int     `json:"per_device_train_batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	SaveSteps                 int     `json:"save_steps"`
	SaveTotalLimit            int     `json:"save_total_limit"`
	LearningRate              float64 `json:"learning_rate"`
	FP16                      bool    `json:"fp16"`
	Optim                     string  `json:"optim"`
	WeightDecay               float64 `json:"weight_decay"`
	AdamBeta1                 float64 `json:"adam_beta1"`
	AdamBeta2                 float64 `json:"adam_beta2"`
	AdamEpsilon               float64 `json:"adam_epsilon"`
	MaxGradNorm               float64 `json:"max_grad_norm"`
	WarmupSteps               int     `json:"warmup_steps"`
	LoggingSteps              int     `json:"logging_steps"`
	Seed                      int64   `json:"seed"`
	MaxLength                 int     `json:"max_length"`
	ResumeFromCheckpoint      string  `json:"resume_from_checkpoint,omitempty"`
}

// Option is a functional option for Arguments
type Option func(*Arguments)

// DefaultArguments returns the hyperparameters of the fine-tuning script
// with Hugging Face defaults for everything it leaves unset
func DefaultArguments() Arguments {
	return Arguments{
		OutputDir:                 "./fine_tuned_gpt2_olive_mains",
		OverwriteOutputDir:        true,
		NumTrainEpochs:            4,
		MaxSteps:                  -1,
		PerDeviceTrainBatchSize:   1,
		GradientAccumulationSteps: 8,
		SaveSteps:                 100,
		SaveTotalLimit:            14,
		LearningRate:              5e-5,
		FP16:                      true,
		Optim:                     OptimAdamWTorch,
		WeightDecay:               0,
		AdamBeta1:                 0.9,
		AdamBeta2:                 0.999,
		AdamEpsilon:               1e-8,
		MaxGradNorm:               1.0,
		WarmupSteps:               0,
		LoggingSteps:              50,
		Seed:                      42,
		MaxLength:                 1024,
	}
}

// NewArguments creates validated Arguments writing to outputDir
func NewArguments(outputDir string, opts ...Option) (*Arguments, error) {
	a := DefaultArguments()
	a.OutputDir = outputDir
	for _, opt := range opts {
		opt(&a)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks that the arguments describe a runnable training job
func (a *Arguments) Validate() error {
	if strings.TrimSpace(a.OutputDir) == "" {
		return fmt.Errorf("output_dir is required")
	}
	if a.NumTrainEpochs < 1 && a.MaxSteps <= 0 {
		return fmt.Errorf("num_train_epochs must be >= 1 when max_steps is unset")
	}
	if a.PerDeviceTrainBatchSize < 1 {
		return fmt.Errorf("per_device_train_batch_size must be >= 1")
	}
	if a.GradientAccumulationSteps < 1 {
		return fmt.Errorf("gradient_accumulation_steps must be >= 1")
	}
	if a.SaveSteps < 0 || a.LoggingSteps < 0 || a.WarmupSteps < 0 || a.SaveTotalLimit < 0 {
		return fmt.Errorf("save_steps, logging_steps, warmup_steps and save_total_limit must be >= 0")
	}
	if a.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0")
	}
	if a.MaxLength < 1 {
		return fmt.Errorf("max_length must be >= 1")
	}
	switch a.Optim {
	case OptimAdamWTorch, OptimAdamW:
		if a.AdamBeta1 < 0 || a.AdamBeta1 >= 1 || a.AdamBeta2 < 0 || a.AdamBeta2 >= 1 {
			return fmt.Errorf("adam betas must be in [0, 1)")
		}
		if a.AdamEpsilon <= 0 {
			return fmt.Errorf("adam_epsilon must be > 0")
		}
	case OptimSGD:
	default:
		return fmt.Errorf("unsupported optimizer %q", a.Optim)
	}
	if a.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be >= 0")
	}
	return nil
}

// WithOverwriteOutputDir allows writing into an output directory that
// already holds checkpoints
func WithOverwriteOutputDir(b bool) Option {
	return func(a *Arguments) {
		a.OverwriteOutputDir = b
	}
}

// WithNumTrainEpochs sets the number of passes over the dataset
func WithNumTrainEpochs(n int) Option {
	return func(a *Arguments) {
		a.NumTrainEpochs = n
	}
}

// WithMaxSteps caps the number of optimizer steps; values <= 0 derive the
// total from the epoch count
func WithMaxSteps(n int) Option {
	return func(a *Arguments) {
		a.MaxSteps = n
	}
}

// WithBatchSize sets the number of examples per micro-batch
func WithBatchSize(n int) Option {
	return func(a *Arguments) {
		a.PerDeviceTrainBatchSize = n
	}
}

// WithGradientAccumulationSteps sets how many micro-batches form one
// optimizer step
func WithGradientAccumulationSteps(n int) Option {
	return func(a *Arguments) {
		a.GradientAccumulationSteps = n
	}
}

// WithSaveSteps sets the checkpoint interval in optimizer steps
func WithSaveSteps(n int) Option {
	return func(a *Arguments) {
		a.SaveSteps = n
	}
}

// WithSaveTotalLimit sets how many periodic checkpoints are retained
func WithSaveTotalLimit(n int) Option {
	return func(a *Arguments) {
		a.SaveTotalLimit = n
	}
}

// WithLearningRate sets the peak learning rate
func WithLearningRate(lr float64) Option {
	return func(a *Arguments) {
		a.LearningRate = lr
	}
}

// WithFP16 selects float16 checkpoint weights
func WithFP16(b bool) Option {
	return func(a *Arguments) {
		a.FP16 = b
	}
}

// WithOptim selects the optimizer by name
func WithOptim(name string) Option {
	return func(a *Arguments) {
		a.Optim = name
	}
}

// WithWeightDecay sets the decoupled weight decay
func WithWeightDecay(wd float64) Option {
	return func(a *Arguments) {
		a.WeightDecay = wd
	}
}

// WithMaxGradNorm sets the gradient clipping threshold, 0 disables clipping
func WithMaxGradNorm(n float64) Option {
	return func(a *Arguments) {
		a.MaxGradNorm = n
	}
}

// WithWarmupSteps sets the number of linear warmup steps
func WithWarmupSteps(n int) Option {
	return func(a *Arguments) {
		a.WarmupSteps = n
	}
}

// WithLoggingSteps sets the logging interval in optimizer steps
func WithLoggingSteps(n int) Option {
	return func(a *Arguments) {
		a.LoggingSteps = n
	}
}

// WithSeed sets the shuffle seed
func WithSeed(seed int64) Option {
	return func(a *Arguments) {
		a.Seed = seed
	}
}

// WithMaxLength sets the tokenization length cap
func WithMaxLength(n int) Option {
	return func(a *Arguments) {
		a.MaxLength = n
	}
}

// WithResumeFromCheckpoint resumes training from a checkpoint directory
func WithResumeFromCheckpoint(dir string) Option {
	return func(a *Arguments) {
		a.ResumeFromCheckpoint = dir
	}
}
