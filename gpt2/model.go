package gpt2

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"nano-finetune-go/tensor"
)

// ErrNoForward is returned by Backward when no loss has been computed
var ErrNoForward = errors.New("backward called without a forward pass with targets")

// Model is a GPT-2 language model with an explicit backward pass.
// Model is not safe for concurrent training calls; Decode only reads
// parameters and may run concurrently with other Decode calls.
type Model struct {
	Config Config

	Params       ParamTensors
	Grads        ParamTensors
	ranges       []ParamRange
	paramsMemory []float32
	gradsMemory  []float32

	acts     *activations
	gradActs *activations
	batch    int
	seqLen   int

	inputs     []int
	targets    []int
	numTargets int
}

// New allocates a zero-initialized model for cfg
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ranges := paramRanges(&cfg)
	total := 0
	for _, r := range ranges {
		total += r.Size
	}
	m := &Model{
		Config:       cfg,
		ranges:       ranges,
		paramsMemory: make([]float32, total),
		gradsMemory:  make([]float32, total),
	}
	m.Params = bindParams(m.paramsMemory, ranges)
	m.Grads = bindParams(m.gradsMemory, ranges)
	return m, nil
}

// InitRandom fills parameters the way GPT2PreTrainedModel initializes them:
// normal(0, initializer_range) for weights, scaled down for residual
// projections, ones and zeros for layer norms, zero biases.
func (m *Model) InitRandom(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	std := m.Config.InitializerRange
	if std <= 0 {
		std = 0.02
	}
	residualStd := std / math.Sqrt(2*float64(m.Config.NLayer))

	normal := func(buf []float32, s float64) {
		for i := range buf {
			buf[i] = float32(rng.NormFloat64() * s)
		}
	}
	fill := func(buf []float32, v float32) {
		for i := range buf {
			buf[i] = v
		}
	}

	p := m.Params
	normal(p.Wte, std)
	normal(p.Wpe, std)
	normal(p.Qkvw, std)
	normal(p.Attprojw, residualStd)
	normal(p.Fcw, std)
	normal(p.Fcprojw, residualStd)
	fill(p.Ln1w, 1)
	fill(p.Ln2w, 1)
	fill(p.Lnfw, 1)
	for _, b := range [][]float32{p.Ln1b, p.Ln2b, p.Lnfb, p.Qkvb, p.Attprojb, p.Fcb, p.Fcprojb} {
		fill(b, 0)
	}
}

// NumParameters returns the number of trainable parameters
func (m *Model) NumParameters() int {
	return len(m.paramsMemory)
}

// ParamMemory exposes the flat parameter buffer
func (m *Model) ParamMemory() []float32 { return m.paramsMemory }

// GradMemory exposes the flat gradient buffer, aligned with ParamMemory
func (m *Model) GradMemory() []float32 { return m.gradsMemory }

// ParamRanges lists the named tensors inside ParamMemory
func (m *Model) ParamRanges() []ParamRange {
	return append([]ParamRange(nil), m.ranges...)
}

// ZeroGrad clears accumulated parameter gradients
func (m *Model) ZeroGrad() {
	clear(m.gradsMemory)
}

// Forward runs the model on a [B, T] batch. mask marks real tokens with 1 and
// padding with 0; nil means every position is real. When targets is non-nil
// the mean cross-entropy over targets >= 0 is returned and a following call
// to Backward is allowed. Logits of the last call are available via Logits.
func (m *Model) Forward(inputs, targets, mask []int, B, T int) (float32, error) {
	cfg := &m.Config
	V, C, L, NH := cfg.VocabSize, cfg.NEmbd, cfg.NLayer, cfg.NHead
	if B <= 0 || T <= 0 {
		return 0, fmt.Errorf("invalid batch shape [%d, %d]", B, T)
	}
	if T > cfg.NPositions {
		return 0, fmt.Errorf("sequence length %d exceeds n_positions %d", T, cfg.NPositions)
	}
	BT := B * T
	if len(inputs) != BT {
		return 0, fmt.Errorf("expected %d input ids, got %d", BT, len(inputs))
	}
	if targets != nil && len(targets) != BT {
		return 0, fmt.Errorf("expected %d targets, got %d", BT, len(targets))
	}
	if mask != nil && len(mask) != BT {
		return 0, fmt.Errorf("expected %d mask entries, got %d", BT, len(mask))
	}
	for _, id := range inputs {
		if id < 0 || id >= V {
			return 0, fmt.Errorf("token id %d outside vocabulary of %d", id, V)
		}
	}
	for _, id := range targets {
		if id >= V {
			return 0, fmt.Errorf("target id %d outside vocabulary of %d", id, V)
		}
	}

	if m.acts == nil || m.batch != B || m.seqLen != T {
		m.acts = newActivations(cfg, B, T)
		m.gradActs = nil
		m.batch, m.seqLen = B, T
	}
	m.inputs = append(m.inputs[:0], inputs...)

	p := m.Params
	a := m.acts
	eps := cfg.eps()

	tensor.EncoderForward(a.encoded, inputs, p.Wte, p.Wpe, B, T, C)

	residual := a.encoded
	for l := 0; l < L; l++ {
		lw := layerParams(&p, l, C)
		la := layerActs(a, l, B, T, C, NH)

		tensor.LayerNormForward(la.ln1, la.ln1Mean, la.ln1Rstd, residual, lw.ln1w, lw.ln1b, BT, C, eps)
		tensor.MatmulForward(la.qkv, la.ln1, lw.qkvw, lw.qkvb, BT, C, 3*C)
		tensor.AttentionForward(la.atty, la.preatt, la.att, la.qkv, mask, B, T, C, NH)
		tensor.MatmulForward(la.attproj, la.atty, lw.attprojw, lw.attprojb, BT, C, C)
		tensor.ResidualForward(la.residual2, residual, la.attproj)
		tensor.LayerNormForward(la.ln2, la.ln2Mean, la.ln2Rstd, la.residual2, lw.ln2w, lw.ln2b, BT, C, eps)
		tensor.MatmulForward(la.fch, la.ln2, lw.fcw, lw.fcb, BT, C, 4*C)
		tensor.GELUForward(la.fchGelu, la.fch)
		tensor.MatmulForward(la.fcproj, la.fchGelu, lw.fcprojw, lw.fcprojb, BT, 4*C, C)
		tensor.ResidualForward(la.residual3, la.residual2, la.fcproj)

		residual = la.residual3
	}
	tensor.LayerNormForward(a.lnf, a.lnfMean, a.lnfRstd, residual, p.Lnfw, p.Lnfb, BT, C, eps)
	tensor.MatmulForward(a.logits, a.lnf, p.Wte, nil, BT, C, V)

	if targets == nil {
		m.targets = nil
		m.numTargets = 0
		return 0, nil
	}

	m.targets = append(m.targets[:0], targets...)
	tensor.SoftmaxCrossEntropyForward(a.probs, a.losses, a.logits, targets, BT, V)

	m.numTargets = 0
	sum := float64(0)
	for i, t := range targets {
		if t < 0 {
			continue
		}
		sum += float64(a.losses[i])
		m.numTargets++
	}
	if m.numTargets == 0 {
		return 0, nil
	}
	return float32(sum / float64(m.numTargets)), nil
}

// Logits returns the [B, T, V] logits of the last Forward call
func (m *Model) Logits() []float32 {
	if m.acts == nil {
		return nil
	}
	return m.acts.logits
}

// Backward accumulates d(scale*loss)/dparams into the gradient buffer for the
// last Forward call. scale lets callers average over accumulation steps.
func (m *Model) Backward(scale float32) error {
	if m.acts == nil || m.targets == nil {
		return ErrNoForward
	}
	if m.numTargets == 0 {
		return nil
	}

	cfg := &m.Config
	V, C, L, NH := cfg.VocabSize, cfg.NEmbd, cfg.NLayer, cfg.NHead
	B, T := m.batch, m.seqLen
	BT := B * T

	if m.gradActs == nil {
		m.gradActs = newActivations(cfg, B, T)
	} else {
		m.gradActs.zero()
	}

	p, g := m.Params, m.Grads
	a, d := m.acts, m.gradActs

	dloss := scale / float32(m.numTargets)
	for i, t := range m.targets {
		if t >= 0 {
			d.losses[i] = dloss
		}
	}

	tensor.CrossEntropySoftmaxBackward(d.logits, d.losses, a.probs, m.targets, BT, V)
	tensor.MatmulBackward(d.lnf, g.Wte, nil, d.logits, a.lnf, p.Wte, BT, C, V)

	residual := a.encoded
	dresidual := d.encoded
	if L > 0 {
		residual = a.residual3[(L-1)*BT*C : L*BT*C]
		dresidual = d.residual3[(L-1)*BT*C : L*BT*C]
	}
	tensor.LayerNormBackward(dresidual, g.Lnfw, g.Lnfb, d.lnf, residual, p.Lnfw, a.lnfMean, a.lnfRstd, BT, C)

	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual, dresidual = a.encoded, d.encoded
		} else {
			residual = a.residual3[(l-1)*BT*C : l*BT*C]
			dresidual = d.residual3[(l-1)*BT*C : l*BT*C]
		}

		lw := layerParams(&p, l, C)
		lg := layerParams(&g, l, C)
		la := layerActs(a, l, B, T, C, NH)
		ld := layerActs(d, l, B, T, C, NH)

		tensor.ResidualBackward(ld.residual2, ld.fcproj, ld.residual3)
		tensor.MatmulBackward(ld.fchGelu, lg.fcprojw, lg.fcprojb, ld.fcproj, la.fchGelu, lw.fcprojw, BT, 4*C, C)
		tensor.GELUBackward(ld.fch, la.fch, ld.fchGelu)
		tensor.MatmulBackward(ld.ln2, lg.fcw, lg.fcb, ld.fch, la.ln2, lw.fcw, BT, C, 4*C)
		tensor.LayerNormBackward(ld.residual2, lg.ln2w, lg.ln2b, ld.ln2, la.residual2, lw.ln2w, la.ln2Mean, la.ln2Rstd, BT, C)
		tensor.ResidualBackward(dresidual, ld.attproj, ld.residual2)
		tensor.MatmulBackward(ld.atty, lg.attprojw, lg.attprojb, ld.attproj, la.atty, lw.attprojw, BT, C, C)
		tensor.AttentionBackward(ld.qkv, ld.preatt, ld.att, ld.atty, la.qkv, la.att, B, T, C, NH)
		tensor.MatmulBackward(ld.ln1, lg.qkvw, lg.qkvb, ld.qkv, la.ln1, lw.qkvw, BT, C, 3*C)
		tensor.LayerNormBackward(dresidual, lg.ln1w, lg.ln1b, ld.ln1, residual, lw.ln1w, la.ln1Mean, la.ln1Rstd, BT, C)
	}
	tensor.EncoderBackward(g.Wte, g.Wpe, d.encoded, m.inputs, B, T, C)
	return nil
}

type layerWeights struct {
	ln1w, ln1b, qkvw, qkvb, attprojw, attprojb []float32
	ln2w, ln2b, fcw, fcb, fcprojw, fcprojb     []float32
}

func layerParams(p *ParamTensors, l, C int) layerWeights {
	return layerWeights{
		ln1w:     p.Ln1w[l*C : (l+1)*C],
		ln1b:     p.Ln1b[l*C : (l+1)*C],
		qkvw:     p.Qkvw[l*3*C*C : (l+1)*3*C*C],
		qkvb:     p.Qkvb[l*3*C : (l+1)*3*C],
		attprojw: p.Attprojw[l*C*C : (l+1)*C*C],
		attprojb: p.Attprojb[l*C : (l+1)*C],
		ln2w:     p.Ln2w[l*C : (l+1)*C],
		ln2b:     p.Ln2b[l*C : (l+1)*C],
		fcw:      p.Fcw[l*4*C*C : (l+1)*4*C*C],
		fcb:      p.Fcb[l*4*C : (l+1)*4*C],
		fcprojw:  p.Fcprojw[l*4*C*C : (l+1)*4*C*C],
		fcprojb:  p.Fcprojb[l*C : (l+1)*C],
	}
}

type layerActivations struct {
	ln1, ln1Mean, ln1Rstd, qkv, atty, preatt, att, attproj []float32
	residual2, ln2, ln2Mean, ln2Rstd, fch, fchGelu         []float32
	fcproj, residual3                                      []float32
}

func layerActs(a *activations, l, B, T, C, NH int) layerActivations {
	BT := B * T
	att := B * NH * T * T
	return layerActivations{
		ln1:       a.ln1[l*BT*C : (l+1)*BT*C],
		ln1Mean:   a.ln1Mean[l*BT : (l+1)*BT],
		ln1Rstd:   a.ln1Rstd[l*BT : (l+1)*BT],
		qkv:       a.qkv[l*BT*3*C : (l+1)*BT*3*C],
		atty:      a.atty[l*BT*C : (l+1)*BT*C],
		preatt:    a.preatt[l*att : (l+1)*att],
		att:       a.att[l*att : (l+1)*att],
		attproj:   a.attproj[l*BT*C : (l+1)*BT*C],
		residual2: a.residual2[l*BT*C : (l+1)*BT*C],
		ln2:       a.ln2[l*BT*C : (l+1)*BT*C],
		ln2Mean:   a.ln2Mean[l*BT : (l+1)*BT],
		ln2Rstd:   a.ln2Rstd[l*BT : (l+1)*BT],
		fch:       a.fch[l*BT*4*C : (l+1)*BT*4*C],
		fchGelu:   a.fchGelu[l*BT*4*C : (l+1)*BT*4*C],
		fcproj:    a.fcproj[l*BT*C : (l+1)*BT*C],
		residual3: a.residual3[l*BT*C : (l+1)*BT*C],
	}
}
