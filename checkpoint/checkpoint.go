package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"nano-finetune-go/gpt2"
	"nano-finetune-go/tensor"
	"nano-finetune-go/tokenizer"
)

// File names inside a checkpoint directory
const (
	ModelFile        = "model.safetensors"
	ConfigFile       = "config.json"
	OptimizerFile    = "optimizer.safetensors"
	TrainerStateFile = "trainer_state.json"
	TrainingArgsFile = "training_args.json"
	ManifestFile     = "manifest.json"

	// Prefix of periodic checkpoint directories, followed by the global step
	Prefix = "checkpoint-"
)

var (
	// ErrNotFound is returned when a checkpoint directory does not exist
	ErrNotFound = errors.New("checkpoint not found")
	// ErrDigestMismatch is returned when a file does not match manifest.json
	ErrDigestMismatch = errors.New("checkpoint digest mismatch")
)

// SaveOptions selects what besides model and tokenizer is written
type SaveOptions struct {
	// Dtype of the serialized weights, tensor.DtypeF32 or tensor.DtypeF16
	Dtype string
	State *TrainerState
	// Args is marshalled to training_args.json when non-nil
	Args      any
	Optimizer map[string]*tensor.Tensor
}

// Save writes model, tokenizer and the optional training files into dir,
// followed by manifest.json
func Save(dir string, model *gpt2.Model, tok tokenizer.Tokenizer, opts SaveOptions) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dtype := opts.Dtype
	if dtype == "" {
		dtype = tensor.DtypeF32
	}

	cfg := model.Config
	cfg.TorchDtype = "float32"
	if dtype == tensor.DtypeF16 {
		cfg.TorchDtype = "float16"
	}
	if err := cfg.Save(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	meta := map[string]string{"format": "pt"}
	if err := tensor.WriteSafetensors(filepath.Join(dir, ModelFile), model.Tensors(), dtype, meta); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	if tok != nil {
		if err := tok.Save(dir); err != nil {
			return fmt.Errorf("failed to write tokenizer: %w", err)
		}
	}
	if opts.Optimizer != nil {
		if err := tensor.WriteSafetensors(filepath.Join(dir, OptimizerFile), opts.Optimizer, tensor.DtypeF32, nil); err != nil {
			return fmt.Errorf("failed to write optimizer state: %w", err)
		}
	}
	if opts.State != nil {
		if err := writeJSON(filepath.Join(dir, TrainerStateFile), opts.State); err != nil {
			return err
		}
	}
	if opts.Args != nil {
		if err := writeJSON(filepath.Join(dir, TrainingArgsFile), opts.Args); err != nil {
			return err
		}
	}
	_, err := WriteManifest(dir)
	return err
}

// Checkpoint is a loaded model directory
type Checkpoint struct {
	Dir       string
	Model     *gpt2.Model
	Tokenizer tokenizer.Tokenizer
	// State is nil for directories without trainer_state.json
	State *TrainerState
}

// Load reads and verifies a checkpoint directory
func Load(dir string) (*Checkpoint, error) {
	fi, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", dir, ErrNotFound)
	}

	if err := VerifyManifest(dir); err != nil {
		return nil, err
	}

	model, err := LoadModel(dir)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	if tok.VocabSize() > model.Config.VocabSize {
		return nil, fmt.Errorf("tokenizer vocabulary (%d) larger than model vocabulary (%d)", tok.VocabSize(), model.Config.VocabSize)
	}

	ck := &Checkpoint{Dir: dir, Model: model, Tokenizer: tok}
	if st, err := LoadState(dir); err == nil {
		ck.State = st
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return ck, nil
}

// LoadModel reads config.json and model.safetensors from dir
func LoadModel(dir string) (*gpt2.Model, error) {
	cfg, err := gpt2.LoadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	f, err := tensor.ReadSafetensors(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, err
	}
	model, err := gpt2.FromTensors(*cfg, f.Tensors)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ModelFile, err)
	}
	return model, nil
}

// LoadOptimizer reads optimizer.safetensors from dir
func LoadOptimizer(dir string) (map[string]*tensor.Tensor, error) {
	f, err := tensor.ReadSafetensors(filepath.Join(dir, OptimizerFile))
	if err != nil {
		return nil, err
	}
	return f.Tensors, nil
}
