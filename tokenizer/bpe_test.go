package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyBPE has one entry per byte (id == byte value) plus a handful of merges
func tinyBPE(t *testing.T) *BPE {
	t.Helper()
	vocab, merges := tinyVocab()
	tok, err := NewBPE(vocab, merges, []string{EndOfText})
	require.NoError(t, err)
	return tok
}

func tinyVocab() (map[string]int, [][2]string) {
	enc := bytesToUnicode()
	vocab := make(map[string]int, 262)
	for b := 0; b < 256; b++ {
		vocab[string(enc[b])] = b
	}
	vocab["he"] = 256
	vocab["ll"] = 257
	vocab["hell"] = 258
	vocab["hello"] = 259
	vocab["Ġw"] = 260
	vocab[EndOfText] = 261

	merges := [][2]string{{"h", "e"}, {"l", "l"}, {"he", "ll"}, {"hell", "o"}, {"Ġ", "w"}}
	return vocab, merges
}

func TestBytesToUnicodeIsBijective(t *testing.T) {
	enc := bytesToUnicode()
	seen := map[rune]bool{}
	for _, r := range enc {
		if seen[r] {
			t.Fatalf("Rune %q assigned twice", r)
		}
		seen[r] = true
	}
	assert.Equal(t, 'Ġ', enc[' '])
	assert.Equal(t, 'A', enc['A'])
}

func TestEncodeAppliesMergesByRank(t *testing.T) {
	tok := tinyBPE(t)

	ids, err := tok.Encode("hello world")
	require.NoError(t, err)
	assert.Equal(t, []int{259, 260, 'o', 'r', 'l', 'd'}, ids)

	// second occurrence comes from the word cache
	ids, err = tok.Encode("hello hello")
	require.NoError(t, err)
	assert.Equal(t, []int{259, ' ', 259}, ids)
}

func TestEncodeSplitsSpecialTokens(t *testing.T) {
	tok := tinyBPE(t)

	ids, err := tok.Encode("hi<|endoftext|>yo")
	require.NoError(t, err)
	assert.Equal(t, []int{'h', 'i', 261, 'y', 'o'}, ids)

	assert.Equal(t, "hiyo", tok.Decode(ids, true))
	assert.Equal(t, "hi<|endoftext|>yo", tok.Decode(ids, false))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok := tinyBPE(t)
	texts := []string{
		"hello world",
		"  leading spaces and trailing  ",
		"tabs\tand\nnewlines",
		"I'm sure they'll say it's fine",
		"unicode: café, 日本語, emoji 🙂",
		"",
	}
	for _, text := range texts {
		ids, err := tok.Encode(text)
		require.NoError(t, err)
		assert.Equal(t, text, tok.Decode(ids, true), "round trip of %q", text)
	}
}

func TestDecodeReplacesInvalidUTF8(t *testing.T) {
	tok := tinyBPE(t)
	// first byte of a three byte sequence on its own
	assert.Equal(t, "a�", tok.Decode([]int{'a', 0xE2}, true))
	// unknown ids are ignored
	assert.Equal(t, "a", tok.Decode([]int{'a', 99999}, true))
}

func TestPadIsEOS(t *testing.T) {
	tok := tinyBPE(t)
	assert.Equal(t, 261, tok.EOSTokenID())
	assert.Equal(t, tok.EOSTokenID(), tok.PadTokenID())
	assert.Equal(t, 262, tok.VocabSize())
	assert.True(t, tok.IsSpecial(261))
}

func TestNewBPERejectsMissingSpecialToken(t *testing.T) {
	vocab, merges := tinyVocab()
	delete(vocab, EndOfText)
	_, err := NewBPE(vocab, merges, nil)
	assert.Error(t, err)
}

func TestSaveAndLoadFiles(t *testing.T) {
	tok := tinyBPE(t)
	dir := t.TempDir()
	require.NoError(t, tok.Save(dir))

	for _, name := range []string{VocabFile, MergesFile, ConfigFile, SpecialTokensFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
	merges, err := os.ReadFile(filepath.Join(dir, MergesFile))
	require.NoError(t, err)
	assert.Equal(t, "#version: 0.2\nh e\nl l\nhe ll\nhell o\nĠ w\n", string(merges))

	loaded, err := Load(dir)
	require.NoError(t, err)
	want, _ := tok.Encode("hello world<|endoftext|>")
	got, err := loaded.Encode("hello world<|endoftext|>")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1024, loaded.ModelMaxLength())
}

func TestLoadTokenizerJSON(t *testing.T) {
	dir := t.TempDir()
	vocab, _ := tinyVocab()
	delete(vocab, EndOfText)

	tj := map[string]any{
		"model": map[string]any{
			"type":  "BPE",
			"vocab": vocab,
			// mixed string and pair merges
			"merges": []any{"h e", []string{"l", "l"}, "he ll", []string{"hell", "o"}, "Ġ w"},
		},
		"added_tokens": []map[string]any{
			{"id": 261, "content": EndOfText, "special": true},
		},
	}
	require.NoError(t, writeJSON(filepath.Join(dir, TokenizerJSONFile), tj))

	tok, err := LoadTokenizerJSON(dir)
	require.NoError(t, err)
	ids, err := tok.Encode("hello world<|endoftext|>")
	require.NoError(t, err)
	assert.Equal(t, []int{259, 260, 'o', 'r', 'l', 'd', 261}, ids)
	assert.Equal(t, 261, tok.EOSTokenID())
}

func TestLoadFallsBackToTokenizerJSON(t *testing.T) {
	var opened []string
	orig := loadTokenizerJSON
	loadTokenizerJSON = func(dir string) (Tokenizer, error) {
		opened = append(opened, dir)
		return NewByteLevel(), nil
	}
	defer func() { loadTokenizerJSON = orig }()

	jsonOnly := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(jsonOnly, TokenizerJSONFile), []byte("{}"), 0o644))
	tok, err := Load(jsonOnly)
	require.NoError(t, err)
	assert.Equal(t, 257, tok.VocabSize())
	assert.Equal(t, []string{jsonOnly}, opened)

	// vocab.json + merges.txt win over tokenizer.json
	both := t.TempDir()
	require.NoError(t, tinyBPE(t).Save(both))
	require.NoError(t, os.WriteFile(filepath.Join(both, TokenizerJSONFile), []byte("{}"), 0o644))
	tok, err = Load(both)
	require.NoError(t, err)
	assert.IsType(t, &BPE{}, tok)
	assert.Len(t, opened, 1)
}

func TestLoadEmptyDir(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrNoTokenizer)
}

func TestByteLevelTokenizer(t *testing.T) {
	tok := NewByteLevel()
	ids, err := tok.Encode("hi there<|endoftext|>")
	require.NoError(t, err)
	assert.Equal(t, []int{'h', 'i', ' ', 't', 'h', 'e', 'r', 'e', 256}, ids)
	assert.Equal(t, 257, tok.VocabSize())
	assert.Equal(t, 256, tok.EOSTokenID())
}
