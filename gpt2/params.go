package gpt2

// ParamTensors are named views into one contiguous parameter buffer. Layer
// tensors are stacked along a leading n_layer dimension and linear weights
// are stored [out, in].
type ParamTensors struct {
	Wte      []float32 // [V, C]
	Wpe      []float32 // [maxT, C]
	Ln1w     []float32 // [L, C]
	Ln1b     []float32 // [L, C]
	Qkvw     []float32 // [L, 3C, C]
	Qkvb     []float32 // [L, 3C]
	Attprojw []float32 // [L, C, C]
	Attprojb []float32 // [L, C]
	Ln2w     []float32 // [L, C]
	Ln2b     []float32 // [L, C]
	Fcw      []float32 // [L, 4C, C]
	Fcb      []float32 // [L, 4C]
	Fcprojw  []float32 // [L, C, 4C]
	Fcprojb  []float32 // [L, C]
	Lnfw     []float32 // [C]
	Lnfb     []float32 // [C]
}

// ParamRange locates one named tensor inside the flat buffer
type ParamRange struct {
	Name   string
	Offset int
	Size   int
	// Decay is false for biases and layer norm parameters
	Decay bool
}

const numParamTensors = 16

var paramNames = [numParamTensors]string{
	"wte", "wpe", "ln1w", "ln1b", "qkvw", "qkvb", "attprojw", "attprojb",
	"ln2w", "ln2b", "fcw", "fcb", "fcprojw", "fcprojb", "lnfw", "lnfb",
}

var paramDecay = [numParamTensors]bool{
	true, true, false, false, true, false, true, false,
	false, false, true, false, true, false, false, false,
}

func paramSizes(cfg *Config) [numParamTensors]int {
	V, C, L, maxT := cfg.VocabSize, cfg.NEmbd, cfg.NLayer, cfg.NPositions
	return [numParamTensors]int{
		V * C,
		maxT * C,
		L * C,
		L * C,
		L * 3 * C * C,
		L * 3 * C,
		L * C * C,
		L * C,
		L * C,
		L * C,
		L * 4 * C * C,
		L * 4 * C,
		L * C * 4 * C,
		L * C,
		C,
		C,
	}
}

func paramRanges(cfg *Config) []ParamRange {
	sizes := paramSizes(cfg)
	ranges := make([]ParamRange, numParamTensors)
	offset := 0
	for i, size := range sizes {
		ranges[i] = ParamRange{Name: paramNames[i], Offset: offset, Size: size, Decay: paramDecay[i]}
		offset += size
	}
	return ranges
}

func bindParams(buf []float32, ranges []ParamRange) ParamTensors {
	views := make([][]float32, len(ranges))
	for i, r := range ranges {
		views[i] = buf[r.Offset : r.Offset+r.Size : r.Offset+r.Size]
	}
	return ParamTensors{
		Wte: views[0], Wpe: views[1],
		Ln1w: views[2], Ln1b: views[3],
		Qkvw: views[4], Qkvb: views[5],
		Attprojw: views[6], Attprojb: views[7],
		Ln2w: views[8], Ln2b: views[9],
		Fcw: views[10], Fcb: views[11],
		Fcprojw: views[12], Fcprojb: views[13],
		Lnfw: views[14], Lnfb: views[15],
	}
}

// activations holds every intermediate needed by the backward pass for one
// (B, T) shape. The same layout is reused for activation gradients.
type activations struct {
	encoded   []float32 // [B, T, C]
	ln1       []float32 // [L, B, T, C]
	ln1Mean   []float32 // [L, B, T]
	ln1Rstd   []float32 // [L, B, T]
	qkv       []float32 // [L, B, T, 3C]
	atty      []float32 // [L, B, T, C]
	preatt    []float32 // [L, B, NH, T, T]
	att       []float32 // [L, B, NH, T, T]
	attproj   []float32 // [L, B, T, C]
	residual2 []float32 // [L, B, T, C]
	ln2       []float32 // [L, B, T, C]
	ln2Mean   []float32 // [L, B, T]
	ln2Rstd   []float32 // [L, B, T]
	fch       []float32 // [L, B, T, 4C]
	fchGelu   []float32 // [L, B, T, 4C]
	fcproj    []float32 // [L, B, T, C]
	residual3 []float32 // [L, B, T, C]
	lnf       []float32 // [B, T, C]
	lnfMean   []float32 // [B, T]
	lnfRstd   []float32 // [B, T]
	logits    []float32 // [B, T, V]
	probs     []float32 // [B, T, V]
	losses    []float32 // [B, T]
}

func newActivations(cfg *Config, B, T int) *activations {
	V, C, L, NH := cfg.VocabSize, cfg.NEmbd, cfg.NLayer, cfg.NHead
	BT := B * T
	return &activations{
		encoded:   make([]float32, BT*C),
		ln1:       make([]float32, L*BT*C),
		ln1Mean:   make([]float32, L*BT),
		ln1Rstd:   make([]float32, L*BT),
		qkv:       make([]float32, L*BT*3*C),
		atty:      make([]float32, L*BT*C),
		preatt:    make([]float32, L*B*NH*T*T),
		att:       make([]float32, L*B*NH*T*T),
		attproj:   make([]float32, L*BT*C),
		residual2: make([]float32, L*BT*C),
		ln2:       make([]float32, L*BT*C),
		ln2Mean:   make([]float32, L*BT),
		ln2Rstd:   make([]float32, L*BT),
		fch:       make([]float32, L*BT*4*C),
		fchGelu:   make([]float32, L*BT*4*C),
		fcproj:    make([]float32, L*BT*C),
		residual3: make([]float32, L*BT*C),
		lnf:       make([]float32, BT*C),
		lnfMean:   make([]float32, BT),
		lnfRstd:   make([]float32, BT),
		logits:    make([]float32, BT*V),
		probs:     make([]float32, BT*V),
		losses:    make([]float32, BT),
	}
}

func (a *activations) zero() {
	for _, buf := range [][]float32{
		a.encoded, a.ln1, a.ln1Mean, a.ln1Rstd, a.qkv, a.atty, a.preatt, a.att,
		a.attproj, a.residual2, a.ln2, a.ln2Mean, a.ln2Rstd, a.fch, a.fchGelu,
		a.fcproj, a.residual3, a.lnf, a.lnfMean, a.lnfRstd, a.logits, a.probs, a.losses,
	} {
		clear(buf)
	}
}
