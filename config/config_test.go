package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTrainDefaults(t *testing.T) {
	cfg, err := LoadTrain("")
	require.NoError(t, err)
	assert.Equal(t, "./fine_tuned_gpt2", cfg.FinalDir)
	assert.Equal(t, "./fine_tuned_gpt2_olive_mains", cfg.Training.OutputDir)
	assert.Equal(t, 4, cfg.Training.NumTrainEpochs)
	assert.Equal(t, 8, cfg.Training.GradientAccumulationSteps)
	assert.Equal(t, "info", cfg.LogConfig.Level)
	assert.Nil(t, cfg.Sink)
}

func TestLoadTrainOverridesKeepDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"source_dir": "/data/olive",
		"training": {"num_train_epochs": 2, "save_steps": 50},
		"sink": {"type": "LOCAL", "data": {"dir": "/backup"}}
	}`)
	cfg, err := LoadTrain(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/olive", cfg.SourceDir)
	assert.Equal(t, 2, cfg.Training.NumTrainEpochs)
	assert.Equal(t, 50, cfg.Training.SaveSteps)
	assert.Equal(t, 14, cfg.Training.SaveTotalLimit)
	assert.Equal(t, 5e-5, cfg.Training.LearningRate)
	require.NotNil(t, cfg.Sink)
	assert.Equal(t, "local", cfg.Sink.Type)
	assert.Equal(t, "/backup", cfg.Sink.Data["dir"])
}

func TestLoadTrainErrors(t *testing.T) {
	cases := map[string]string{
		"bad json":          `{"source_dir": `,
		"unknown field":     `{"sorce_dir": "x"}`,
		"bad optimizer":     `{"training": {"optim": "lion"}}`,
		"empty source":      `{"source_dir": ""}`,
		"bad sink type":     `{"sink": {"type": "ftp", "data": {}}}`,
		"sink without data": `{"sink": {"type": "s3"}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadTrain(writeConfig(t, content))
			assert.Error(t, err)
		})
	}

	_, err := LoadTrain(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadServe(t *testing.T) {
	cfg, err := LoadServe("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:5000", cfg.Addr())
	assert.Equal(t, 1, cfg.Parallel)

	sp := cfg.SamplingParams()
	assert.Equal(t, float32(0.7), sp.Temperature)
	assert.Equal(t, 50, sp.TopK)
	assert.Equal(t, float32(0.95), sp.TopP)
	assert.Equal(t, 1024, sp.MaxLength)

	cfg, err = LoadServe(writeConfig(t, `{"port": 8080, "model_path": "/models/ck", "sampling": {"temperature": 0}}`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "/models/ck", cfg.ModelPath)
	assert.Equal(t, float32(0), cfg.Sampling.Temperature)
	assert.Equal(t, 50, cfg.Sampling.TopK)

	_, err = LoadServe(writeConfig(t, `{"port": 0}`))
	assert.Error(t, err)
	_, err = LoadServe(writeConfig(t, `{"parallel": 0}`))
	assert.Error(t, err)
	_, err = LoadServe(writeConfig(t, `{"sampling": {"top_p": 1.5}}`))
	assert.Error(t, err)
}
