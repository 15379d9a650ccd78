package tensor

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Kernels operate on flat row-major buffers. N is the number of rows
// (batch*sequence), C the channel count. Every backward kernel accumulates
// into its gradient outputs, so callers zero them once per pass.

const geluScale = 0.7978845608028654 // sqrt(2/pi)

// EncoderForward writes token + position embeddings for every (b, t)
func EncoderForward(out []float32, inp []int, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			o := out[(b*T+t)*C : (b*T+t+1)*C]
			ix := inp[b*T+t]
			we := wte[ix*C : (ix+1)*C]
			pe := wpe[t*C : (t+1)*C]
			for i := range o {
				o[i] = we[i] + pe[i]
			}
		}
	}
}

// EncoderBackward scatters embedding gradients back into wte and wpe
func EncoderBackward(dwte, dwpe, dout []float32, inp []int, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			d := dout[(b*T+t)*C : (b*T+t+1)*C]
			ix := inp[b*T+t]
			dwe := dwte[ix*C : (ix+1)*C]
			dpe := dwpe[t*C : (t+1)*C]
			for i, g := range d {
				dwe[i] += g
				dpe[i] += g
			}
		}
	}
}

// LayerNormForward normalizes each row and caches mean and 1/std for backward
func LayerNormForward(out, mean, rstd, inp, weight, bias []float32, N, C int, eps float32) {
	for n := 0; n < N; n++ {
		x := inp[n*C : (n+1)*C]

		m := float32(0)
		for _, v := range x {
			m += v
		}
		m /= float32(C)

		variance := float32(0)
		for _, v := range x {
			d := v - m
			variance += d * d
		}
		variance /= float32(C)

		s := float32(1 / math.Sqrt(float64(variance+eps)))
		o := out[n*C : (n+1)*C]
		for i, v := range x {
			o[i] = s*(v-m)*weight[i] + bias[i]
		}
		if mean != nil {
			mean[n] = m
		}
		if rstd != nil {
			rstd[n] = s
		}
	}
}

// LayerNormBackward propagates through LayerNormForward using cached statistics
func LayerNormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, N, C int) {
	for n := 0; n < N; n++ {
		d := dout[n*C : (n+1)*C]
		x := inp[n*C : (n+1)*C]
		di := dinp[n*C : (n+1)*C]
		m, s := mean[n], rstd[n]

		dnormMean := float32(0)
		dnormNormMean := float32(0)
		for i := range d {
			norm := (x[i] - m) * s
			dnorm := weight[i] * d[i]
			dnormMean += dnorm
			dnormNormMean += dnorm * norm
		}
		dnormMean /= float32(C)
		dnormNormMean /= float32(C)

		for i := range d {
			norm := (x[i] - m) * s
			dnorm := weight[i] * d[i]
			dbias[i] += d[i]
			dweight[i] += norm * d[i]
			di[i] += (dnorm - dnormMean - norm*dnormNormMean) * s
		}
	}
}

// MatmulForward computes out[N,OC] = inp[N,C] x weight[OC,C]^T + bias
func MatmulForward(out, inp, weight, bias []float32, N, C, OC int) {
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(inp, N, C), general(weight, OC, C), 0, general(out, N, OC))
	if bias == nil {
		return
	}
	for n := 0; n < N; n++ {
		row := out[n*OC : (n+1)*OC]
		for o := range row {
			row[o] += bias[o]
		}
	}
}

// MatmulBackward accumulates gradients of MatmulForward. dbias may be nil.
func MatmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, N, C, OC int) {
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(dout, N, OC), general(weight, OC, C), 1, general(dinp, N, C))
	blas32.Gemm(blas.Trans, blas.NoTrans, 1,
		general(dout, N, OC), general(inp, N, C), 1, general(dweight, OC, C))
	if dbias == nil {
		return
	}
	for n := 0; n < N; n++ {
		row := dout[n*OC : (n+1)*OC]
		for o, g := range row {
			dbias[o] += g
		}
	}
}

// AttentionForward runs causal multi-head attention over a packed qkv input
// [B,T,3C]. preatt and att are [B,NH,T,T]. Keys whose mask entry is 0 are
// excluded; a nil mask attends to every earlier position.
func AttentionForward(out, preatt, att, inp []float32, mask []int, B, T, C, NH int) {
	C3 := 3 * C
	hs := C / NH
	scale := float32(1 / math.Sqrt(float64(hs)))

	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				query := inp[b*T*C3+t*C3+h*hs:][:hs]
				preattBth := preatt[b*NH*T*T+h*T*T+t*T:][:T]
				attBth := att[b*NH*T*T+h*T*T+t*T:][:T]

				maxval := float32(-math.MaxFloat32)
				for t2 := 0; t2 <= t; t2++ {
					if masked(mask, b*T+t2) {
						preattBth[t2] = 0
						continue
					}
					key := inp[b*T*C3+t2*C3+h*hs+C:][:hs]
					val := float32(0)
					for i := 0; i < hs; i++ {
						val += query[i] * key[i]
					}
					val *= scale
					preattBth[t2] = val
					if val > maxval {
						maxval = val
					}
				}

				expsum := float32(0)
				for t2 := 0; t2 <= t; t2++ {
					if masked(mask, b*T+t2) {
						attBth[t2] = 0
						continue
					}
					e := float32(math.Exp(float64(preattBth[t2] - maxval)))
					attBth[t2] = e
					expsum += e
				}
				inv := float32(0)
				if expsum > 0 {
					inv = 1 / expsum
				}
				for t2 := 0; t2 < T; t2++ {
					if t2 <= t {
						attBth[t2] *= inv
					} else {
						attBth[t2] = 0
					}
				}

				outBth := out[b*T*C+t*C+h*hs:][:hs]
				for i := range outBth {
					outBth[i] = 0
				}
				for t2 := 0; t2 <= t; t2++ {
					a := attBth[t2]
					if a == 0 {
						continue
					}
					value := inp[b*T*C3+t2*C3+h*hs+2*C:][:hs]
					for i := 0; i < hs; i++ {
						outBth[i] += a * value[i]
					}
				}
			}
		}
	}
}

// AttentionBackward propagates through AttentionForward into dinp [B,T,3C]
func AttentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := 3 * C
	hs := C / NH
	scale := float32(1 / math.Sqrt(float64(hs)))

	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				attBth := att[b*NH*T*T+h*T*T+t*T:][:T]
				dattBth := datt[b*NH*T*T+h*T*T+t*T:][:T]
				dpreattBth := dpreatt[b*NH*T*T+h*T*T+t*T:][:T]
				query := inp[b*T*C3+t*C3+h*hs:][:hs]
				dquery := dinp[b*T*C3+t*C3+h*hs:][:hs]
				doutBth := dout[b*T*C+t*C+h*hs:][:hs]

				// value accumulation
				for t2 := 0; t2 <= t; t2++ {
					value := inp[b*T*C3+t2*C3+h*hs+2*C:][:hs]
					dvalue := dinp[b*T*C3+t2*C3+h*hs+2*C:][:hs]
					a := attBth[t2]
					for i := 0; i < hs; i++ {
						dattBth[t2] += value[i] * doutBth[i]
						dvalue[i] += a * doutBth[i]
					}
				}

				// softmax: dpre = att * (datt - <att, datt>)
				dot := float32(0)
				for t2 := 0; t2 <= t; t2++ {
					dot += attBth[t2] * dattBth[t2]
				}
				for t2 := 0; t2 <= t; t2++ {
					dpreattBth[t2] += attBth[t2] * (dattBth[t2] - dot)
				}

				// query . key
				for t2 := 0; t2 <= t; t2++ {
					g := dpreattBth[t2] * scale
					if g == 0 {
						continue
					}
					key := inp[b*T*C3+t2*C3+h*hs+C:][:hs]
					dkey := dinp[b*T*C3+t2*C3+h*hs+C:][:hs]
					for i := 0; i < hs; i++ {
						dquery[i] += key[i] * g
						dkey[i] += query[i] * g
					}
				}
			}
		}
	}
}

// GELUForward applies the tanh approximation used by GPT-2 ("gelu_new")
func GELUForward(out, inp []float32) {
	for i, x := range inp {
		cube := 0.044715 * x * x * x
		out[i] = 0.5 * x * (1 + float32(math.Tanh(geluScale*float64(x+cube))))
	}
}

// GELUBackward accumulates dinp from dout through GELUForward
func GELUBackward(dinp, inp, dout []float32) {
	for i, xf := range inp {
		x := float64(xf)
		cube := 0.044715 * x * x * x
		arg := geluScale * (x + cube)
		tanhOut := math.Tanh(arg)
		coshOut := math.Cosh(arg)
		sech := 1 / (coshOut * coshOut)
		local := 0.5*(1+tanhOut) + x*0.5*sech*geluScale*(1+3*0.044715*x*x)
		dinp[i] += float32(local) * dout[i]
	}
}

// ResidualForward writes out = a + b
func ResidualForward(out, a, b []float32) {
	for i := range out {
		out[i] = a[i] + b[i]
	}
}

// ResidualBackward routes dout into both residual branches
func ResidualBackward(da, db, dout []float32) {
	for i, g := range dout {
		da[i] += g
		db[i] += g
	}
}

// SoftmaxCrossEntropyForward fills probs [N,V] and per-row losses. Rows with
// a negative target get zero loss.
func SoftmaxCrossEntropyForward(probs, losses, logits []float32, targets []int, N, V int) {
	for n := 0; n < N; n++ {
		row := logits[n*V : (n+1)*V]
		p := probs[n*V : (n+1)*V]

		maxval := row[0]
		for _, v := range row[1:] {
			if v > maxval {
				maxval = v
			}
		}
		sum := float64(0)
		for i, v := range row {
			e := math.Exp(float64(v - maxval))
			p[i] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for i := range p {
			p[i] *= inv
		}

		ix := targets[n]
		if ix < 0 {
			losses[n] = 0
			continue
		}
		losses[n] = float32(math.Log(sum) - float64(row[ix]-maxval))
	}
}

// CrossEntropySoftmaxBackward accumulates dlogits = (probs - onehot) * dloss
func CrossEntropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int, N, V int) {
	for n := 0; n < N; n++ {
		ix := targets[n]
		if ix < 0 {
			continue
		}
		dloss := dlosses[n]
		d := dlogits[n*V : (n+1)*V]
		p := probs[n*V : (n+1)*V]
		for i := range d {
			d[i] += p[i] * dloss
		}
		d[ix] -= dloss
	}
}

func masked(mask []int, idx int) bool {
	return mask != nil && mask[idx] == 0
}

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}
