//go:build hftokenizers

package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

// HF backs Tokenizer with the Rust tokenizers library. Build with
// -tags hftokenizers and link libtokenizers.a.
type HF struct {
	tk     *tokenizers.Tokenizer
	path   string
	eosID  int
	maxLen int
}

func init() {
	loadTokenizerJSON = func(dir string) (Tokenizer, error) {
		return LoadHF(dir)
	}
}

// LoadHF opens dir/tokenizer.json. The EOS id is resolved by encoding the
// end-of-text token.
func LoadHF(dir string) (*HF, error) {
	path := filepath.Join(dir, TokenizerJSONFile)
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	ids, _ := tk.Encode(EndOfText, false)
	if len(ids) != 1 {
		tk.Close()
		return nil, fmt.Errorf("%s does not define %s as a single token", path, EndOfText)
	}
	h := &HF{tk: tk, path: path, eosID: int(ids[0]), maxLen: 1024}
	if cfg := readConfig(dir); cfg.ModelMaxLength > 0 && cfg.ModelMaxLength < 1<<30 {
		h.maxLen = cfg.ModelMaxLength
	}
	return h, nil
}

func (h *HF) Encode(text string) ([]int, error) {
	raw, _ := h.tk.Encode(text, false)
	ids := make([]int, len(raw))
	for i, id := range raw {
		ids[i] = int(id)
	}
	return ids, nil
}

func (h *HF) Decode(ids []int, skipSpecial bool) string {
	raw := make([]uint32, len(ids))
	for i, id := range ids {
		raw[i] = uint32(id)
	}
	return h.tk.Decode(raw, skipSpecial)
}

func (h *HF) EOSTokenID() int { return h.eosID }

func (h *HF) PadTokenID() int { return h.eosID }

func (h *HF) VocabSize() int { return int(h.tk.VocabSize()) }

func (h *HF) ModelMaxLength() int { return h.maxLen }

// Save copies tokenizer.json into dir
func (h *HF) Save(dir string) error {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, TokenizerJSONFile), data, 0o644)
}

// Close releases the native tokenizer
func (h *HF) Close() error {
	return h.tk.Close()
}

var _ Tokenizer = (*HF)(nil)
