package trainer

import (
	"fmt"
	"math"

	"nano-finetune-go/gpt2"
	"nano-finetune-go/tensor"
)

// Optimizer updates the flat parameter buffer from the flat gradient buffer
type Optimizer interface {
	Name() string
	Step(params, grads []float32, lr float64)
	// State returns the tensors needed to resume, keyed by name
	State() map[string]*tensor.Tensor
	LoadState(state map[string]*tensor.Tensor) error
}

// Optimizer state tensor names
const (
	stateStep     = "step"
	stateExpAvg   = "exp_avg"
	stateExpAvgSq = "exp_avg_sq"

	// float32 weights stored with fp16 checkpoints
	stateMasterParams = "master_params"
)

func newOptimizer(args *Arguments, ranges []gpt2.ParamRange, numParams int) (Optimizer, error) {
	switch args.Optim {
	case OptimAdamWTorch, OptimAdamW:
		return NewAdamW(numParams, ranges, args.AdamBeta1, args.AdamBeta2, args.AdamEpsilon, args.WeightDecay), nil
	case OptimSGD:
		return NewSGD(ranges, args.WeightDecay), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer %q", args.Optim)
	}
}

// AdamW is Adam with decoupled weight decay and bias correction, matching
// torch.optim.AdamW. Weight decay skips ranges whose Decay flag is false.
type AdamW struct {
	beta1, beta2 float64
	eps          float64
	weightDecay  float64
	ranges       []gpt2.ParamRange

	m, v []float32
	t    int
}

// NewAdamW allocates moment buffers for numParams parameters
func NewAdamW(numParams int, ranges []gpt2.ParamRange, beta1, beta2, eps, weightDecay float64) *AdamW {
	return &AdamW{
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		ranges:      ranges,
		m:           make([]float32, numParams),
		v:           make([]float32, numParams),
	}
}

func (o *AdamW) Name() string { return OptimAdamW }

// Steps returns the number of updates applied so far
func (o *AdamW) Steps() int { return o.t }

func (o *AdamW) Step(params, grads []float32, lr float64) {
	o.t++
	b1, b2 := float32(o.beta1), float32(o.beta2)
	bc1 := float32(1 - math.Pow(o.beta1, float64(o.t)))
	bc2 := float32(1 - math.Pow(o.beta2, float64(o.t)))
	eps := float32(o.eps)
	step := float32(lr)

	for _, r := range o.ranges {
		decay := float32(0)
		if r.Decay {
			decay = float32(lr * o.weightDecay)
		}
		for i := r.Offset; i < r.Offset+r.Size; i++ {
			g := grads[i]
			if decay != 0 {
				params[i] -= decay * params[i]
			}
			o.m[i] = b1*o.m[i] + (1-b1)*g
			o.v[i] = b2*o.v[i] + (1-b2)*g*g
			mHat := o.m[i] / bc1
			vHat := o.v[i] / bc2
			params[i] -= step * mHat / (float32(math.Sqrt(float64(vHat))) + eps)
		}
	}
}

func (o *AdamW) State() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		stateStep:     tensor.FromSlice([]float32{float32(o.t)}, 1),
		stateExpAvg:   tensor.FromSlice(o.m, len(o.m)),
		stateExpAvgSq: tensor.FromSlice(o.v, len(o.v)),
	}
}

func (o *AdamW) LoadState(state map[string]*tensor.Tensor) error {
	step, ok := state[stateStep]
	if !ok || step.Size() != 1 {
		return fmt.Errorf("optimizer state: missing %s", stateStep)
	}
	for name, dst := range map[string][]float32{stateExpAvg: o.m, stateExpAvgSq: o.v} {
		src, ok := state[name]
		if !ok {
			return fmt.Errorf("optimizer state: missing %s", name)
		}
		if src.Size() != len(dst) {
			return fmt.Errorf("optimizer state: %s has %d values, expected %d", name, src.Size(), len(dst))
		}
		copy(dst, src.Data)
	}
	o.t = int(step.Data[0])
	return nil
}

// SGD is plain stochastic gradient descent with optional L2 weight decay
type SGD struct {
	weightDecay float64
	ranges      []gpt2.ParamRange
	t           int
}

// NewSGD creates an SGD optimizer over ranges
func NewSGD(ranges []gpt2.ParamRange, weightDecay float64) *SGD {
	return &SGD{weightDecay: weightDecay, ranges: ranges}
}

func (o *SGD) Name() string { return OptimSGD }

func (o *SGD) Step(params, grads []float32, lr float64) {
	o.t++
	step := float32(lr)
	for _, r := range o.ranges {
		wd := float32(0)
		if r.Decay {
			wd = float32(o.weightDecay)
		}
		for i := r.Offset; i < r.Offset+r.Size; i++ {
			params[i] -= step * (grads[i] + wd*params[i])
		}
	}
}

func (o *SGD) State() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		stateStep: tensor.FromSlice([]float32{float32(o.t)}, 1),
	}
}

func (o *SGD) LoadState(state map[string]*tensor.Tensor) error {
	if step, ok := state[stateStep]; ok && step.Size() == 1 {
		o.t = int(step.Data[0])
	}
	return nil
}

// clipGradNorm scales grads in place so that their global L2 norm is at most
// maxNorm and returns the norm before clipping. maxNorm <= 0 only measures.
func clipGradNorm(grads []float32, maxNorm float64) float64 {
	var sum float64
	for _, g := range grads {
		sum += float64(g) * float64(g)
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 {
		return norm
	}
	coef := maxNorm / (norm + 1e-6)
	if coef < 1 {
		c := float32(coef)
		for i := range grads {
			grads[i] *= c
		}
	}
	return norm
}

// linearSchedule returns the learning rate for the optimizer step with
// zero-based index step: linear warmup to base, then linear decay to zero
// at total.
func linearSchedule(base float64, step, warmup, total int) float64 {
	if step < warmup {
		return base * float64(step) / float64(max(1, warmup))
	}
	remaining := float64(total-step) / float64(max(1, total-warmup))
	return base * max(0, remaining)
}
