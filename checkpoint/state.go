package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LogEntry is one record of the training log
type LogEntry struct {
	Step         int     `json:"step"`
	Epoch        float64 `json:"epoch"`
	Loss         float64 `json:"loss"`
	LearningRate float64 `json:"learning_rate"`
	GradNorm     float64 `json:"grad_norm"`
}

// TrainerState is the progress record stored in trainer_state.json
type TrainerState struct {
	GlobalStep     int        `json:"global_step"`
	Epoch          float64    `json:"epoch"`
	MaxSteps       int        `json:"max_steps"`
	NumTrainEpochs int        `json:"num_train_epochs"`
	TrainBatchSize int        `json:"train_batch_size"`
	SaveSteps      int        `json:"save_steps"`
	LoggingSteps   int        `json:"logging_steps"`
	LogHistory     []LogEntry `json:"log_history"`
}

// LoadState reads trainer_state.json from a checkpoint directory
func LoadState(dir string) (*TrainerState, error) {
	data, err := os.ReadFile(filepath.Join(dir, TrainerStateFile))
	if err != nil {
		return nil, err
	}
	var st TrainerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", TrainerStateFile, err)
	}
	return &st, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
