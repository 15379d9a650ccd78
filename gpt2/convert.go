package gpt2

import (
	"fmt"

	"nano-finetune-go/tensor"
)

// Hugging Face stores GPT-2 linear layers as Conv1D with weights [in, out];
// the model keeps them [out, in]. The LM head is tied to wte and is not
// serialized.

const hfPrefix = "transformer."

type hfLinear struct {
	name    string
	weights func(p *ParamTensors) []float32
	in, out func(C int) int
}

func linearLayers() []hfLinear {
	one := func(C int) int { return C }
	three := func(C int) int { return 3 * C }
	four := func(C int) int { return 4 * C }
	return []hfLinear{
		{"attn.c_attn", func(p *ParamTensors) []float32 { return p.Qkvw }, one, three},
		{"attn.c_proj", func(p *ParamTensors) []float32 { return p.Attprojw }, one, one},
		{"mlp.c_fc", func(p *ParamTensors) []float32 { return p.Fcw }, one, four},
		{"mlp.c_proj", func(p *ParamTensors) []float32 { return p.Fcprojw }, four, one},
	}
}

type hfVector struct {
	name   string
	values func(p *ParamTensors) []float32
	size   func(C int) int
}

func layerVectors() []hfVector {
	one := func(C int) int { return C }
	return []hfVector{
		{"ln_1.weight", func(p *ParamTensors) []float32 { return p.Ln1w }, one},
		{"ln_1.bias", func(p *ParamTensors) []float32 { return p.Ln1b }, one},
		{"attn.c_attn.bias", func(p *ParamTensors) []float32 { return p.Qkvb }, func(C int) int { return 3 * C }},
		{"attn.c_proj.bias", func(p *ParamTensors) []float32 { return p.Attprojb }, one},
		{"ln_2.weight", func(p *ParamTensors) []float32 { return p.Ln2w }, one},
		{"ln_2.bias", func(p *ParamTensors) []float32 { return p.Ln2b }, one},
		{"mlp.c_fc.bias", func(p *ParamTensors) []float32 { return p.Fcb }, func(C int) int { return 4 * C }},
		{"mlp.c_proj.bias", func(p *ParamTensors) []float32 { return p.Fcprojb }, one},
	}
}

// Tensors returns the parameters keyed by Hugging Face GPT2LMHeadModel names
func (m *Model) Tensors() map[string]*tensor.Tensor {
	cfg := &m.Config
	C, L := cfg.NEmbd, cfg.NLayer
	p := &m.Params
	out := make(map[string]*tensor.Tensor, 4+L*12)

	out[hfPrefix+"wte.weight"] = tensor.FromSlice(clone(p.Wte), cfg.VocabSize, C)
	out[hfPrefix+"wpe.weight"] = tensor.FromSlice(clone(p.Wpe), cfg.NPositions, C)
	out[hfPrefix+"ln_f.weight"] = tensor.FromSlice(clone(p.Lnfw), C)
	out[hfPrefix+"ln_f.bias"] = tensor.FromSlice(clone(p.Lnfb), C)

	for l := 0; l < L; l++ {
		prefix := fmt.Sprintf("%sh.%d.", hfPrefix, l)
		for _, lin := range linearLayers() {
			in, o := lin.in(C), lin.out(C)
			w := lin.weights(p)[l*in*o : (l+1)*in*o]
			// [out, in] -> [in, out]
			out[prefix+lin.name+".weight"] = tensor.Transpose(tensor.FromSlice(w, o, in))
		}
		for _, vec := range layerVectors() {
			n := vec.size(C)
			out[prefix+vec.name] = tensor.FromSlice(clone(vec.values(p)[l*n:(l+1)*n]), n)
		}
	}
	return out
}

// FromTensors builds a model from Hugging Face named tensors. Names may carry
// the "transformer." prefix or not; attention bias buffers and lm_head are
// ignored.
func FromTensors(cfg Config, tensors map[string]*tensor.Tensor) (*Model, error) {
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	C, L := cfg.NEmbd, cfg.NLayer
	p := &m.Params

	lookup := func(name string, shape ...int) (*tensor.Tensor, error) {
		t, ok := tensors[hfPrefix+name]
		if !ok {
			t, ok = tensors[name]
		}
		if !ok {
			return nil, fmt.Errorf("tensor not found: %s", name)
		}
		if !t.SameShape(shape...) {
			return nil, fmt.Errorf("tensor %s: expected shape %v, got %v", name, shape, t.Shape)
		}
		return t, nil
	}
	load := func(dst []float32, name string, shape ...int) error {
		t, err := lookup(name, shape...)
		if err != nil {
			return err
		}
		copy(dst, t.Data)
		return nil
	}

	if err := load(p.Wte, "wte.weight", cfg.VocabSize, C); err != nil {
		return nil, err
	}
	if err := load(p.Wpe, "wpe.weight", cfg.NPositions, C); err != nil {
		return nil, err
	}
	if err := load(p.Lnfw, "ln_f.weight", C); err != nil {
		return nil, err
	}
	if err := load(p.Lnfb, "ln_f.bias", C); err != nil {
		return nil, err
	}

	for l := 0; l < L; l++ {
		prefix := fmt.Sprintf("h.%d.", l)
		for _, lin := range linearLayers() {
			in, o := lin.in(C), lin.out(C)
			t, err := lookup(prefix+lin.name+".weight", in, o)
			if err != nil {
				return nil, err
			}
			copy(lin.weights(p)[l*in*o:(l+1)*in*o], tensor.Transpose(t).Data)
		}
		for _, vec := range layerVectors() {
			n := vec.size(C)
			if err := load(vec.values(p)[l*n:(l+1)*n], prefix+vec.name, n); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func clone(s []float32) []float32 {
	return append([]float32(nil), s...)
}
