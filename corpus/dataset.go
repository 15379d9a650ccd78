package corpus

import (
	"fmt"
)

// IgnoreIndex marks target positions excluded from the loss
const IgnoreIndex = -1

// Encoder turns a line into token ids
type Encoder interface {
	Encode(text string) ([]int, error)
}

// Example is one tokenized corpus line. All examples of a Dataset share the
// same length; Labels equal InputIDs.
type Example struct {
	InputIDs      []int
	AttentionMask []int
	Labels        []int
}

// Len returns the number of real (unpadded) tokens
func (e Example) Len() int {
	n := 0
	for _, m := range e.AttentionMask {
		n += m
	}
	return n
}

// Targets shifts Labels left by one for next-token prediction. The last
// real token predicts the first pad (EOS), so the model learns where a line
// ends; positions inside the padding and the last position get IgnoreIndex.
func (e Example) Targets() []int {
	targets := make([]int, len(e.Labels))
	for t := range targets {
		if t+1 < len(e.Labels) && e.AttentionMask[t] == 1 {
			targets[t] = e.Labels[t+1]
		} else {
			targets[t] = IgnoreIndex
		}
	}
	return targets
}

// Dataset is a list of equal-length examples
type Dataset struct {
	Examples []Example
	SeqLen   int
}

// Len returns the number of examples
func (d *Dataset) Len() int { return len(d.Examples) }

// Tokenize encodes every line, truncating on the right to maxLen and padding
// on the right with padID up to the longest encoded line.
func Tokenize(lines []string, enc Encoder, maxLen, padID int) (*Dataset, error) {
	if maxLen <= 0 {
		return nil, fmt.Errorf("max length must be > 0, got %d", maxLen)
	}

	encoded := make([][]int, len(lines))
	seqLen := 1
	for i, line := range lines {
		ids, err := enc.Encode(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		if len(ids) > maxLen {
			ids = ids[:maxLen]
		}
		encoded[i] = ids
		seqLen = max(seqLen, len(ids))
	}

	ds := &Dataset{Examples: make([]Example, len(lines)), SeqLen: seqLen}
	for i, ids := range encoded {
		input := make([]int, seqLen)
		mask := make([]int, seqLen)
		for t := range input {
			if t < len(ids) {
				input[t] = ids[t]
				mask[t] = 1
			} else {
				input[t] = padID
			}
		}
		ds.Examples[i] = Example{
			InputIDs:      input,
			AttentionMask: mask,
			Labels:        append([]int(nil), input...),
		}
	}
	return ds, nil
}
