package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Tokenizer converts between text and GPT-2 token ids
type Tokenizer interface {
	Encode(text string) ([]int, error)
	// Decode maps ids back to text. Special tokens are dropped when
	// skipSpecial is set; invalid UTF-8 becomes U+FFFD.
	Decode(ids []int, skipSpecial bool) string
	EOSTokenID() int
	PadTokenID() int
	VocabSize() int
	// ModelMaxLength is the longest sequence the tokenizer is configured for
	ModelMaxLength() int
	// Save writes the Hugging Face tokenizer files into dir
	Save(dir string) error
}

// Default special token of GPT-2
const EndOfText = "<|endoftext|>"

// File names of a Hugging Face GPT-2 tokenizer
const (
	VocabFile         = "vocab.json"
	MergesFile        = "merges.txt"
	TokenizerJSONFile = "tokenizer.json"
	ConfigFile        = "tokenizer_config.json"
	SpecialTokensFile = "special_tokens_map.json"
)

// ErrNoTokenizer is returned when a directory holds no known tokenizer files
var ErrNoTokenizer = errors.New("no tokenizer files found")

// loadTokenizerJSON opens a directory that only has tokenizer.json. Builds
// with the hftokenizers tag swap in the native loader.
var loadTokenizerJSON = func(dir string) (Tokenizer, error) {
	return LoadTokenizerJSON(dir)
}

// Load reads a tokenizer from dir, preferring vocab.json + merges.txt and
// falling back to tokenizer.json
func Load(dir string) (Tokenizer, error) {
	if exists(filepath.Join(dir, VocabFile)) && exists(filepath.Join(dir, MergesFile)) {
		return LoadFiles(dir)
	}
	if exists(filepath.Join(dir, TokenizerJSONFile)) {
		return loadTokenizerJSON(dir)
	}
	return nil, fmt.Errorf("%s: %w", dir, ErrNoTokenizer)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
