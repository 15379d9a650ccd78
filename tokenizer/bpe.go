package tokenizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// GPT-2 pre-tokenization pattern. The lookahead keeps the last space of a
// whitespace run attached to the following word.
const pretokenizePattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

const wordCacheSize = 10000

type pair struct {
	first, second string
}

// BPE implements GPT-2 byte-level BPE tokenization. It is safe for
// concurrent use.
type BPE struct {
	encoder     map[string]int
	decoder     map[int]string
	merges      []pair
	ranks       map[pair]int
	byteEncoder [256]rune
	byteDecoder map[rune]byte
	pattern     *regexp2.Regexp
	cache       *lru.Cache[string, []string]

	special    map[string]int
	specialIDs map[int]bool
	// special token strings, longest first
	specialOrder []string

	eosToken string
	padToken string
	eosID    int
	padID    int

	modelMaxLength int
}

// NewBPE builds a tokenizer from a vocabulary and ordered merge list.
// specialTokens must already be present in vocab; the first one is used as
// EOS and pad token.
func NewBPE(vocab map[string]int, merges [][2]string, specialTokens []string) (*BPE, error) {
	if len(specialTokens) == 0 {
		specialTokens = []string{EndOfText}
	}
	cache, err := lru.New[string, []string](wordCacheSize)
	if err != nil {
		return nil, err
	}

	t := &BPE{
		encoder:        make(map[string]int, len(vocab)),
		decoder:        make(map[int]string, len(vocab)),
		ranks:          make(map[pair]int, len(merges)),
		byteEncoder:    bytesToUnicode(),
		byteDecoder:    make(map[rune]byte, 256),
		pattern:        regexp2.MustCompile(pretokenizePattern, regexp2.None),
		cache:          cache,
		special:        make(map[string]int),
		specialIDs:     make(map[int]bool),
		modelMaxLength: 1024,
	}
	for b, r := range t.byteEncoder {
		t.byteDecoder[r] = byte(b)
	}
	for tok, id := range vocab {
		t.encoder[tok] = id
		t.decoder[id] = tok
	}
	for i, m := range merges {
		p := pair{m[0], m[1]}
		if _, dup := t.ranks[p]; dup {
			continue
		}
		t.ranks[p] = i
		t.merges = append(t.merges, p)
	}

	for _, tok := range specialTokens {
		id, ok := t.encoder[tok]
		if !ok {
			return nil, fmt.Errorf("special token %q not in vocabulary", tok)
		}
		t.special[tok] = id
		t.specialIDs[id] = true
		t.specialOrder = append(t.specialOrder, tok)
	}
	sort.SliceStable(t.specialOrder, func(i, j int) bool {
		return len(t.specialOrder[i]) > len(t.specialOrder[j])
	})

	t.eosToken = specialTokens[0]
	t.padToken = specialTokens[0]
	t.eosID = t.special[t.eosToken]
	t.padID = t.eosID
	return t, nil
}

// NewByteLevel returns a tokenizer without merges: one token per byte, with
// ids equal to byte values, and <|endoftext|> as id 256
func NewByteLevel() *BPE {
	enc := bytesToUnicode()
	vocab := make(map[string]int, 257)
	for b, r := range enc {
		vocab[string(r)] = b
	}
	vocab[EndOfText] = 256
	t, err := NewBPE(vocab, nil, []string{EndOfText})
	if err != nil {
		panic(err)
	}
	return t
}

// bytesToUnicode maps every byte to a printable rune, the GPT-2 way
func bytesToUnicode() [256]rune {
	var enc [256]rune
	assigned := [256]bool{}

	for b := '!'; b <= '~'; b++ {
		enc[b], assigned[b] = b, true
	}
	for b := '¡'; b <= '¬'; b++ {
		enc[b], assigned[b] = b, true
	}
	for b := '®'; b <= 'ÿ'; b++ {
		enc[b], assigned[b] = b, true
	}

	n := 0
	for b := 0; b < 256; b++ {
		if !assigned[b] {
			enc[b] = rune(256 + n)
			n++
		}
	}
	return enc
}

// Encode converts text to token ids. Special tokens are matched verbatim
// before pre-tokenization.
func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	for len(text) > 0 {
		pos, tok := t.nextSpecial(text)
		if pos < 0 {
			return t.encodeOrdinary(ids, text)
		}
		var err error
		if ids, err = t.encodeOrdinary(ids, text[:pos]); err != nil {
			return nil, err
		}
		ids = append(ids, t.special[tok])
		text = text[pos+len(tok):]
	}
	return ids, nil
}

func (t *BPE) nextSpecial(text string) (int, string) {
	best, bestTok := -1, ""
	for _, tok := range t.specialOrder {
		if i := strings.Index(text, tok); i >= 0 && (best < 0 || i < best) {
			best, bestTok = i, tok
		}
	}
	return best, bestTok
}

func (t *BPE) encodeOrdinary(ids []int, text string) ([]int, error) {
	if text == "" {
		return ids, nil
	}
	m, err := t.pattern.FindStringMatch(text)
	for ; m != nil && err == nil; m, err = t.pattern.FindNextMatch(m) {
		for _, piece := range t.bpe(t.toUnicode(m.String())) {
			id, ok := t.encoder[piece]
			if !ok {
				return nil, fmt.Errorf("token %q not in vocabulary", piece)
			}
			ids = append(ids, id)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("pre-tokenization failed: %w", err)
	}
	return ids, nil
}

func (t *BPE) toUnicode(word string) string {
	var sb strings.Builder
	for i := 0; i < len(word); i++ {
		sb.WriteRune(t.byteEncoder[word[i]])
	}
	return sb.String()
}

// bpe splits a byte-encoded word into vocabulary pieces by repeatedly
// applying the lowest ranked merge
func (t *BPE) bpe(token string) []string {
	if pieces, ok := t.cache.Get(token); ok {
		return pieces
	}

	word := make([]string, 0, len(token))
	for _, r := range token {
		word = append(word, string(r))
	}

	for len(word) > 1 {
		best := pair{}
		bestRank := -1
		for i := 0; i < len(word)-1; i++ {
			if rank, ok := t.ranks[pair{word[i], word[i+1]}]; ok && (bestRank < 0 || rank < bestRank) {
				best, bestRank = pair{word[i], word[i+1]}, rank
			}
		}
		if bestRank < 0 {
			break
		}

		merged := make([]string, 0, len(word))
		for i := 0; i < len(word); i++ {
			if i < len(word)-1 && word[i] == best.first && word[i+1] == best.second {
				merged = append(merged, best.first+best.second)
				i++
				continue
			}
			merged = append(merged, word[i])
		}
		word = merged
	}

	t.cache.Add(token, word)
	return word
}

// Decode converts token ids back to text
func (t *BPE) Decode(ids []int, skipSpecial bool) string {
	var buf []byte
	for _, id := range ids {
		tok, ok := t.decoder[id]
		if !ok {
			continue
		}
		if t.specialIDs[id] {
			if !skipSpecial {
				buf = append(buf, tok...)
			}
			continue
		}
		for _, r := range tok {
			if b, ok := t.byteDecoder[r]; ok {
				buf = append(buf, b)
			} else {
				buf = append(buf, string(r)...)
			}
		}
	}
	return strings.ToValidUTF8(string(buf), "�")
}

// EOSTokenID returns the EOS token ID
func (t *BPE) EOSTokenID() int { return t.eosID }

// PadTokenID returns the padding token ID, which is EOS for GPT-2
func (t *BPE) PadTokenID() int { return t.padID }

// VocabSize returns the number of entries in the vocabulary
func (t *BPE) VocabSize() int { return len(t.encoder) }

// ModelMaxLength is the longest sequence the tokenizer is configured for
func (t *BPE) ModelMaxLength() int { return t.modelMaxLength }

// IsSpecial reports whether id is a special token
func (t *BPE) IsSpecial(id int) bool { return t.specialIDs[id] }

var _ Tokenizer = (*BPE)(nil)
