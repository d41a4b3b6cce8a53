package gpt2

import "math"

// Update applies one AdamW step with bias correction. t is 1-based.
// Weight decay touches only the decayed group: weight matrices and
// embedding tables. Biases and layernorm parameters get the plain Adam
// update.
func (model *GPT2) Update(learningRate, beta1, beta2, eps, weightDecay float32, t int) {
	if model.MMemory == nil {
		model.MMemory = make([]float32, model.Params.Len())
		model.VMemory = make([]float32, model.Params.Len())
	}
	c1 := 1.0 - Pow(beta1, float32(t))
	c2 := 1.0 - Pow(beta2, float32(t))
	for _, seg := range model.Params.Segments() {
		wd := weightDecay
		if !seg.Tag.Decayed() {
			wd = 0.0
		}
		for i := seg.Offset; i < seg.Offset+seg.Size; i++ {
			param := model.Params.Memory[i]
			grad := model.Grads.Memory[i]
			m := beta1*model.MMemory[i] + (1.0-beta1)*grad
			v := beta2*model.VMemory[i] + (1.0-beta2)*grad*grad
			mHat := m / c1
			vHat := v / c2
			model.MMemory[i] = m
			model.VMemory[i] = v
			model.Params.Memory[i] -= learningRate * (mHat/(Sqrt(vHat)+eps) + wd*param)
		}
	}
}

// ClipGradNorm rescales the full gradient vector so its L2 norm does not
// exceed maxNorm, and returns the pre-clip norm. Gradients already
// within the threshold are left untouched.
func (model *GPT2) ClipGradNorm(maxNorm float32) float32 {
	return clipGradNorm(model.Grads.Memory, maxNorm)
}

func clipGradNorm(grads []float32, maxNorm float32) float32 {
	var sumSq float64
	for _, g := range grads {
		sumSq += float64(g) * float64(g)
	}
	norm := float32(math.Sqrt(sumSq))
	if norm > maxNorm {
		scale := maxNorm / norm
		for i := range grads {
			grads[i] *= scale
		}
	}
	return norm
}
