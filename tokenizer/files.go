package tokenizer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config represents the tokenizer_config.json structure
type Config struct {
	AddPrefixSpace bool   `json:"add_prefix_space"`
	BOSToken       string `json:"bos_token"`
	EOSToken       string `json:"eos_token"`
	PadToken       string `json:"pad_token,omitempty"`
	UnkToken       string `json:"unk_token"`
	ModelMaxLength int    `json:"model_max_length"`
	TokenizerClass string `json:"tokenizer_class"`
}

// SpecialTokensMap represents special_tokens_map.json
type SpecialTokensMap struct {
	BOSToken string `json:"bos_token"`
	EOSToken string `json:"eos_token"`
	PadToken string `json:"pad_token,omitempty"`
	UnkToken string `json:"unk_token"`
}

// tokenizerJSON is the subset of tokenizer.json needed for a BPE model.
// Merges are either "a b" strings or ["a", "b"] pairs depending on the
// writer version.
type tokenizerJSON struct {
	Model struct {
		Type   string            `json:"type"`
		Vocab  map[string]int    `json:"vocab"`
		Merges []json.RawMessage `json:"merges"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// LoadFiles reads vocab.json and merges.txt from dir
func LoadFiles(dir string) (*BPE, error) {
	data, err := os.ReadFile(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}
	vocab := make(map[string]int)
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocab: %w", err)
	}

	merges, err := readMerges(filepath.Join(dir, MergesFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load merges: %w", err)
	}

	cfg := readConfig(dir)
	t, err := NewBPE(vocab, merges, specialTokens(cfg))
	if err != nil {
		return nil, err
	}
	t.applyConfig(cfg)
	return t, nil
}

// LoadTokenizerJSON reads a Hugging Face tokenizer.json from dir
func LoadTokenizerJSON(dir string) (*BPE, error) {
	data, err := os.ReadFile(filepath.Join(dir, TokenizerJSONFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer.json: %w", err)
	}
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}
	if tj.Model.Type != "" && tj.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", tj.Model.Type)
	}

	merges := make([][2]string, 0, len(tj.Model.Merges))
	for i, raw := range tj.Model.Merges {
		m, err := parseMerge(raw)
		if err != nil {
			return nil, fmt.Errorf("merge %d: %w", i, err)
		}
		merges = append(merges, m)
	}

	vocab := tj.Model.Vocab
	var special []string
	for _, added := range tj.AddedTokens {
		vocab[added.Content] = added.ID
		if added.Special {
			special = append(special, added.Content)
		}
	}

	cfg := readConfig(dir)
	if cfg.EOSToken != "" || len(special) == 0 {
		special = append(specialTokens(cfg), special...)
	}
	t, err := NewBPE(vocab, merges, dedupe(special))
	if err != nil {
		return nil, err
	}
	t.applyConfig(cfg)
	return t, nil
}

func parseMerge(raw json.RawMessage) ([2]string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		first, second, ok := strings.Cut(s, " ")
		if !ok {
			return [2]string{}, fmt.Errorf("malformed merge %q", s)
		}
		return [2]string{first, second}, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 2 {
		return [2]string{}, fmt.Errorf("malformed merge %s", raw)
	}
	return [2]string{arr[0], arr[1]}, nil
}

func readMerges(path string) ([][2]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var merges [][2]string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		first, second, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("malformed merge line %q", line)
		}
		merges = append(merges, [2]string{first, second})
	}
	return merges, scanner.Err()
}

// readConfig loads tokenizer_config.json, tolerating its absence
func readConfig(dir string) Config {
	var cfg Config
	if data, err := os.ReadFile(filepath.Join(dir, ConfigFile)); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}
	return cfg
}

func specialTokens(cfg Config) []string {
	eos := cfg.EOSToken
	if eos == "" {
		eos = EndOfText
	}
	tokens := []string{eos}
	for _, tok := range []string{cfg.BOSToken, cfg.PadToken, cfg.UnkToken} {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return dedupe(tokens)
}

func (t *BPE) applyConfig(cfg Config) {
	if cfg.ModelMaxLength > 0 && cfg.ModelMaxLength < 1<<30 {
		t.modelMaxLength = cfg.ModelMaxLength
	}
	if id, ok := t.special[cfg.PadToken]; ok {
		t.padToken, t.padID = cfg.PadToken, id
	}
}

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0:0]
	for _, tok := range tokens {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

// Save writes vocab.json, merges.txt, tokenizer_config.json and
// special_tokens_map.json into dir
func (t *BPE) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := writeJSON(filepath.Join(dir, VocabFile), t.encoder); err != nil {
		return err
	}

	var merges bytes.Buffer
	merges.WriteString("#version: 0.2\n")
	for _, m := range t.merges {
		merges.WriteString(m.first + " " + m.second + "\n")
	}
	if err := os.WriteFile(filepath.Join(dir, MergesFile), merges.Bytes(), 0o644); err != nil {
		return err
	}

	cfg := Config{
		BOSToken:       t.eosToken,
		EOSToken:       t.eosToken,
		PadToken:       t.padToken,
		UnkToken:       t.eosToken,
		ModelMaxLength: t.modelMaxLength,
		TokenizerClass: "GPT2Tokenizer",
	}
	if err := writeJSON(filepath.Join(dir, ConfigFile), cfg); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, SpecialTokensFile), SpecialTokensMap{
		BOSToken: cfg.BOSToken,
		EOSToken: cfg.EOSToken,
		PadToken: cfg.PadToken,
		UnkToken: cfg.UnkToken,
	})
}

func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
