package llm

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-finetune-go/checkpoint"
	"nano-finetune-go/gpt2"
	"nano-finetune-go/tokenizer"
)

const eos = 256

func tinyModel(t *testing.T) *gpt2.Model {
	t.Helper()
	cfg := gpt2.DefaultConfig()
	cfg.VocabSize = 257
	cfg.NPositions = 32
	cfg.NEmbd = 8
	cfg.NLayer = 1
	cfg.NHead = 2
	cfg.BOSTokenID = eos
	cfg.EOSTokenID = eos
	m, err := gpt2.New(cfg)
	require.NoError(t, err)
	m.InitRandom(11)
	return m
}

// favour makes token the argmax after every position
func favour(m *gpt2.Model, token int) {
	C := m.Config.NEmbd
	for i := range m.Params.Lnfw {
		m.Params.Lnfw[i] = 0
		m.Params.Lnfb[i] = 1
	}
	for c := 0; c < C; c++ {
		m.Params.Wte[token*C+c] = 1
	}
}

func greedy(opts ...SamplingOption) Option {
	return WithSamplingParams(NewSamplingParams(append([]SamplingOption{WithTemperature(0)}, opts...)...))
}

func TestDefaultSamplingParams(t *testing.T) {
	sp := NewSamplingParams()
	assert.Equal(t, float32(0.7), sp.Temperature)
	assert.Equal(t, 50, sp.TopK)
	assert.Equal(t, float32(0.95), sp.TopP)
	assert.Equal(t, 1024, sp.MaxLength)
	assert.Equal(t, 1024, sp.MaxInputTokens)
	assert.Equal(t, 1, sp.NumReturnSequences)

	assert.Panics(t, func() { NewSamplingParams(WithTopP(0)) })
	assert.Panics(t, func() { NewSamplingParams(WithTemperature(-1)) })
	assert.Panics(t, func() { NewSamplingParams(WithMaxLength(0)) })
}

func TestGenerateStopsAtEOS(t *testing.T) {
	m := tinyModel(t)
	favour(m, eos)
	g, err := NewGenerator(m, tokenizer.NewByteLevel(), greedy())
	require.NoError(t, err)

	out, err := g.GenerateOutput(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, []int{'h', 'i', eos}, out.TokenIDs)
	assert.Equal(t, "hi", out.Text)
	assert.Equal(t, 2, out.PromptTokens)

	g, err = NewGenerator(m, tokenizer.NewByteLevel(), greedy(), WithStripPrompt(true))
	require.NoError(t, err)
	text, err := g.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestGenerateRespectsMaxLength(t *testing.T) {
	m := tinyModel(t)
	favour(m, 'a')
	g, err := NewGenerator(m, tokenizer.NewByteLevel(), greedy(WithMaxLength(6)))
	require.NoError(t, err)

	text, err := g.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hiaaaa", text)

	// the model context caps the length too
	g, err = NewGenerator(m, tokenizer.NewByteLevel(), greedy())
	require.NoError(t, err)
	out, err := g.GenerateOutput(context.Background(), "hi")
	require.NoError(t, err)
	assert.Len(t, out.TokenIDs, m.Config.NPositions)
}

func TestGenerateTruncatesPrompt(t *testing.T) {
	m := tinyModel(t)
	favour(m, eos)
	g, err := NewGenerator(m, tokenizer.NewByteLevel(), greedy(WithMaxInputTokens(3)))
	require.NoError(t, err)

	out, err := g.GenerateOutput(context.Background(), "abcdef")
	require.NoError(t, err)
	assert.Equal(t, "abc", out.Text)
	assert.Equal(t, 3, out.PromptTokens)
}

func TestGenerateEmptyPromptStartsFromBOS(t *testing.T) {
	m := tinyModel(t)
	favour(m, 'z')
	g, err := NewGenerator(m, tokenizer.NewByteLevel(), greedy(WithMaxLength(4)))
	require.NoError(t, err)

	out, err := g.GenerateOutput(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []int{eos, 'z', 'z', 'z'}, out.TokenIDs)
	assert.Equal(t, "zzz", out.Text)
}

func TestGenerateCancelled(t *testing.T) {
	m := tinyModel(t)
	g, err := NewGenerator(m, tokenizer.NewByteLevel())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Generate(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateSeededSamplingIsReproducible(t *testing.T) {
	m := tinyModel(t)
	a, err := NewGenerator(m, tokenizer.NewByteLevel(), WithSeed(3), WithSamplingParams(NewSamplingParams(WithMaxLength(12))))
	require.NoError(t, err)
	b, err := NewGenerator(m, tokenizer.NewByteLevel(), WithSeed(3), WithSamplingParams(NewSamplingParams(WithMaxLength(12))))
	require.NoError(t, err)

	ta, err := a.Generate(context.Background(), "olive")
	require.NoError(t, err)
	tb, err := b.Generate(context.Background(), "olive")
	require.NoError(t, err)
	assert.Equal(t, ta, tb)
}

func TestGenerateConcurrentCalls(t *testing.T) {
	m := tinyModel(t)
	g, err := NewGenerator(m, tokenizer.NewByteLevel(), greedy(WithMaxLength(16)))
	require.NoError(t, err)

	want, err := g.Generate(context.Background(), "mains")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Generate(context.Background(), "mains")
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i])
	}
}

func TestLoadFromCheckpoint(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint-1300")
	m := tinyModel(t)
	require.NoError(t, checkpoint.Save(dir, m, tokenizer.NewByteLevel(), checkpoint.SaveOptions{
		State: &checkpoint.TrainerState{GlobalStep: 1300},
	}))

	g, err := Load(context.Background(), dir, greedy(WithMaxLength(8)))
	require.NoError(t, err)
	info := g.Info()
	assert.Equal(t, dir, info.Path)
	assert.Equal(t, 1300, info.GlobalStep)
	assert.Equal(t, m.NumParameters(), info.Parameters)

	_, err = Load(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestNewGeneratorRejectsLargerTokenizer(t *testing.T) {
	cfg := gpt2.DefaultConfig()
	cfg.VocabSize = 100
	cfg.NPositions = 8
	cfg.NEmbd = 8
	cfg.NLayer = 1
	cfg.NHead = 2
	cfg.BOSTokenID = 99
	cfg.EOSTokenID = 99
	m, err := gpt2.New(cfg)
	require.NoError(t, err)
	_, err = NewGenerator(m, tokenizer.NewByteLevel())
	assert.Error(t, err)
}
