package gpt2

import (
	"fmt"
	"math"

	"nano-finetune-go/tensor"
)

// KVCache holds per-layer keys and values for incremental decoding of a
// single sequence. A cache belongs to one caller at a time.
type KVCache struct {
	keys   [][]float32 // [L][maxT*C]
	values [][]float32 // [L][maxT*C]
	len    int
}

// NewKVCache allocates an empty cache sized for n_positions tokens
func (m *Model) NewKVCache() *KVCache {
	L, C, maxT := m.Config.NLayer, m.Config.NEmbd, m.Config.NPositions
	c := &KVCache{
		keys:   make([][]float32, L),
		values: make([][]float32, L),
	}
	for l := 0; l < L; l++ {
		c.keys[l] = make([]float32, maxT*C)
		c.values[l] = make([]float32, maxT*C)
	}
	return c
}

// Len returns the number of cached positions
func (c *KVCache) Len() int { return c.len }

// Decode appends tokens to the cached sequence and returns the next-token
// logits [V] after the last of them.
func (m *Model) Decode(cache *KVCache, tokens []int) ([]float32, error) {
	cfg := &m.Config
	V, C, L, NH, maxT := cfg.VocabSize, cfg.NEmbd, cfg.NLayer, cfg.NHead, cfg.NPositions
	N := len(tokens)
	if N == 0 {
		return nil, fmt.Errorf("no tokens to decode")
	}
	start := cache.len
	if start+N > maxT {
		return nil, fmt.Errorf("sequence length %d exceeds n_positions %d", start+N, maxT)
	}
	for _, id := range tokens {
		if id < 0 || id >= V {
			return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, V)
		}
	}

	p := &m.Params
	eps := cfg.eps()
	hs := C / NH
	scale := float32(1 / math.Sqrt(float64(hs)))

	x := make([]float32, N*C)
	for i, id := range tokens {
		pos := start + i
		row := x[i*C : (i+1)*C]
		we := p.Wte[id*C : (id+1)*C]
		pe := p.Wpe[pos*C : (pos+1)*C]
		for j := range row {
			row[j] = we[j] + pe[j]
		}
	}

	ln := make([]float32, N*C)
	qkv := make([]float32, N*3*C)
	atty := make([]float32, N*C)
	proj := make([]float32, N*C)
	fch := make([]float32, N*4*C)
	fchGelu := make([]float32, N*4*C)
	scores := make([]float32, start+N)

	for l := 0; l < L; l++ {
		lw := layerParams(p, l, C)

		tensor.LayerNormForward(ln, nil, nil, x, lw.ln1w, lw.ln1b, N, C, eps)
		tensor.MatmulForward(qkv, ln, lw.qkvw, lw.qkvb, N, C, 3*C)

		keys, values := cache.keys[l], cache.values[l]
		for i := 0; i < N; i++ {
			pos := start + i
			copy(keys[pos*C:(pos+1)*C], qkv[i*3*C+C:i*3*C+2*C])
			copy(values[pos*C:(pos+1)*C], qkv[i*3*C+2*C:i*3*C+3*C])
		}

		for i := 0; i < N; i++ {
			pos := start + i
			for h := 0; h < NH; h++ {
				query := qkv[i*3*C+h*hs:][:hs]
				maxval := float32(-math.MaxFloat32)
				for t2 := 0; t2 <= pos; t2++ {
					key := keys[t2*C+h*hs:][:hs]
					s := float32(0)
					for k := 0; k < hs; k++ {
						s += query[k] * key[k]
					}
					s *= scale
					scores[t2] = s
					if s > maxval {
						maxval = s
					}
				}
				sum := float32(0)
				for t2 := 0; t2 <= pos; t2++ {
					e := float32(math.Exp(float64(scores[t2] - maxval)))
					scores[t2] = e
					sum += e
				}
				out := atty[i*C+h*hs:][:hs]
				clear(out)
				for t2 := 0; t2 <= pos; t2++ {
					w := scores[t2] / sum
					value := values[t2*C+h*hs:][:hs]
					for k := 0; k < hs; k++ {
						out[k] += w * value[k]
					}
				}
			}
		}

		tensor.MatmulForward(proj, atty, lw.attprojw, lw.attprojb, N, C, C)
		tensor.ResidualForward(x, x, proj)
		tensor.LayerNormForward(ln, nil, nil, x, lw.ln2w, lw.ln2b, N, C, eps)
		tensor.MatmulForward(fch, ln, lw.fcw, lw.fcb, N, C, 4*C)
		tensor.GELUForward(fchGelu, fch)
		tensor.MatmulForward(proj, fchGelu, lw.fcprojw, lw.fcprojb, N, 4*C, C)
		tensor.ResidualForward(x, x, proj)
	}
	cache.len = start + N

	last := x[(N-1)*C : N*C]
	lnf := make([]float32, C)
	tensor.LayerNormForward(lnf, nil, nil, last, p.Lnfw, p.Lnfb, 1, C, eps)
	logits := make([]float32, V)
	tensor.MatmulForward(logits, lnf, p.Wte, nil, 1, C, V)
	return logits, nil
}
