package gpt2

import (
	"math"
	"sync"
)

// encoderForward sums the token embedding and the position embedding for
// every (b, t) position. out is (B,T,C), wte is (V,C), wpe is (maxT,C).
func encoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C:]
			wteIx := wte[int(inp[b*T+t])*C:]
			wpeT := wpe[t*C:]
			for i := 0; i < C; i++ {
				outBT[i] = wteIx[i] + wpeT[i]
			}
		}
	}
}

// encoderBackward scatters dout back into the token and position
// embedding gradients. Repeated token ids accumulate into the same rows,
// which is what ties the embedding gradient to the lm-head gradient.
func encoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C:]
			dwteIx := dwte[int(inp[b*T+t])*C:]
			dwpeT := dwpe[t*C:]
			for i := 0; i < C; i++ {
				d := doutBT[i]
				dwteIx[i] += d
				dwpeT[i] += d
			}
		}
	}
}

// layernormForward standardizes each C-wide vector to zero mean and unit
// variance, then applies the learned scale and shift. mean and rstd are
// (B,T) side buffers kept for the backward pass.
func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps = 1e-5
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float64
			for i := 0; i < C; i++ {
				m += float64(x[i])
			}
			m /= float64(C)
			var v float64
			for i := 0; i < C; i++ {
				d := float64(x[i]) - m
				v += d * d
			}
			v /= float64(C)
			s := 1.0 / math.Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				n := s * (float64(x[i]) - m)
				outBT[i] = float32(n*float64(weight[i]) + float64(bias[i]))
			}
			mean[b*T+t] = float32(m)
			rstd[b*T+t] = float32(s)
		}
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*C + t*C
			doutBT := dout[base : base+C]
			inpBT := inp[base : base+C]
			dinpBT := dinp[base : base+C]
			meanBT := mean[b*T+t]
			rstdBT := rstd[b*T+t]

			var dnormMean, dnormNormMean float32
			for i := 0; i < C; i++ {
				normI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dnormMean += dnormI
				dnormNormMean += dnormI * normI
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			for i := 0; i < C; i++ {
				normI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += normI * doutBT[i]
				dinpBT[i] += (dnormI - dnormMean - normI*dnormNormMean) * rstdBT
			}
		}
	}
}

// matmulForward computes out = inp @ weight^T + bias for every (b, t)
// position. inp is (B,T,C), weight is (OC,C), out is (B,T,OC). Positions
// are independent, so each runs on its own goroutine.
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				inpBT := inp[b*T*C+t*C:]
				outBT := out[b*T*OC+t*OC:]
				for o := 0; o < OC; o++ {
					var val float64
					if bias != nil {
						val = float64(bias[o])
					}
					wrow := weight[o*C:]
					for i := 0; i < C; i++ {
						val += float64(inpBT[i]) * float64(wrow[i])
					}
					outBT[o] = float32(val)
				}
			}(b, t)
		}
	}
	wg.Wait()
}

func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	// backward into inp, parallel over (b, t)
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				doutBT := dout[b*T*OC+t*OC:]
				dinpBT := dinp[b*T*C+t*C:]
				for o := 0; o < OC; o++ {
					wrow := weight[o*C:]
					d := doutBT[o]
					for i := 0; i < C; i++ {
						dinpBT[i] += wrow[i] * d
					}
				}
			}(b, t)
		}
	}
	wg.Wait()
	// backward into weight and bias, parallel over output channels
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			for b := 0; b < B; b++ {
				for t := 0; t < T; t++ {
					doutBT := dout[b*T*OC+t*OC:]
					inpBT := inp[b*T*C+t*C:]
					dwrow := dweight[o*C:]
					d := doutBT[o]
					if dbias != nil {
						dbias[o] += d
					}
					for i := 0; i < C; i++ {
						dwrow[i] += inpBT[i] * d
					}
				}
			}
		}(o)
	}
	wg.Wait()
}

// attentionForward runs causal multi-head attention. inp is (B,T,3C)
// holding the fused q/k/v projections; preatt and att are (B,NH,T,T);
// out is (B,T,C), the per-head weighted value sums laid back side by
// side. Causality holds because key positions beyond the query position
// are never read: the score loops stop at t and attention weights past t
// are written as zero, which is the lower-triangular mask in additive
// -inf form after the softmax.
func attentionForward(out, preatt, att, inp []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / math.Sqrt(float64(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				wg.Add(1)
				go func(b, t, h int) {
					defer wg.Done()
					queryT := inp[b*T*C3+t*C3+h*hs:]
					preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
					attBTH := att[b*NH*T*T+h*T*T+t*T:]

					// scaled dot products against keys up to position t
					maxval := -10000.0
					for t2 := 0; t2 <= t; t2++ {
						keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float64
						for i := 0; i < hs; i++ {
							val += float64(queryT[i]) * float64(keyT2[i])
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBTH[t2] = float32(val)
					}

					// softmax over the unmasked prefix
					var expsum float64
					for t2 := 0; t2 <= t; t2++ {
						expv := math.Exp(float64(preattBTH[t2]) - maxval)
						expsum += expv
						attBTH[t2] = float32(expv)
					}
					var expsumInv float64
					if expsum != 0.0 {
						expsumInv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						if t2 <= t {
							attBTH[t2] *= float32(expsumInv)
						} else {
							attBTH[t2] = 0.0
						}
					}

					// weighted sum of values
					outBTH := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBTH[i] = 0.0
					}
					for t2 := 0; t2 <= t; t2++ {
						valueT2 := inp[b*T*C3+t2*C3+h*hs+2*C:]
						a := attBTH[t2]
						for i := 0; i < hs; i++ {
							outBTH[i] += a * valueT2[i]
						}
					}
				}(b, t, h)
			}
		}
	}
	wg.Wait()
}

func attentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
				dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
				queryT := inp[b*T*C3+t*C3+h*hs:]
				dqueryT := dinp[b*T*C3+t*C3+h*hs:]
				doutBTH := dout[b*T*C+t*C+h*hs:]

				// through the value accumulation
				for t2 := 0; t2 <= t; t2++ {
					valueT2 := inp[b*T*C3+t2*C3+h*hs+2*C:]
					dvalueT2 := dinp[b*T*C3+t2*C3+h*hs+2*C:]
					for i := 0; i < hs; i++ {
						dattBTH[t2] += valueT2[i] * doutBTH[i]
						dvalueT2[i] += attBTH[t2] * doutBTH[i]
					}
				}
				// through the softmax
				for t2 := 0; t2 <= t; t2++ {
					for t3 := 0; t3 <= t; t3++ {
						var indicator float32
						if t2 == t3 {
							indicator = 1.0
						}
						dpreattBTH[t3] += attBTH[t2] * (indicator - attBTH[t3]) * dattBTH[t2]
					}
				}
				// through the query @ key dot products
				for t2 := 0; t2 <= t; t2++ {
					keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
					dkeyT2 := dinp[b*T*C3+t2*C3+h*hs+C:]
					for i := 0; i < hs; i++ {
						dqueryT[i] += keyT2[i] * dpreattBTH[t2] * scale
						dkeyT2[i] += queryT[i] * dpreattBTH[t2] * scale
					}
				}
			}
		}
	}
}

var geluScalingFactor = math.Sqrt(2.0 / math.Pi)

// geluForward applies the tanh-approximated GELU nonlinearity.
func geluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		out[i] = float32(0.5 * x * (1.0 + math.Tanh(geluScalingFactor*(x+cube))))
	}
}

func geluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		tanhArg := geluScalingFactor * (x + cube)
		tanhOut := math.Tanh(tanhArg)
		coshOut := math.Cosh(tanhArg)
		sechSq := 1.0 / (coshOut * coshOut)
		localGrad := 0.5*(1.0+tanhOut) + x*0.5*sechSq*geluScalingFactor*(1.0+3.0*0.044715*x*x)
		dinp[i] += float32(localGrad) * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// softmaxForward turns logits into probabilities over the vocabulary,
// independently per (b, t) position.
func softmaxForward(probs, logits []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			logitsBT := logits[base : base+V]
			probsBT := probs[base : base+V]
			maxval := float32(-10000.0)
			for i := 0; i < V; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}
			var sum float64
			for i := 0; i < V; i++ {
				probsBT[i] = float32(math.Exp(float64(logitsBT[i] - maxval)))
				sum += float64(probsBT[i])
			}
			for i := 0; i < V; i++ {
				probsBT[i] /= float32(sum)
			}
		}
	}
}

func crossEntropyForward(losses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			prob := probs[b*T*V+t*V+int(targets[b*T+t])]
			losses[b*T+t] = float32(-math.Log(float64(prob)))
		}
	}
}

// crossentropySoftmaxBackward fuses the loss and softmax backward:
// dlogits = probs - onehot(target), scaled by the upstream loss grad.
func crossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*V + t*V
			dlogitsBT := dlogits[base : base+V]
			probsBT := probs[base : base+V]
			dloss := dlosses[b*T+t]
			ix := int(targets[b*T+t])
			for i := 0; i < V; i++ {
				var indicator float32
				if i == ix {
					indicator = 1.0
				}
				dlogitsBT[i] += (probsBT[i] - indicator) * dloss
			}
		}
	}
}
