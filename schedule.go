package gpt2

import "math"

// LRSchedule is a pure function of the step index: linear warmup to
// MaxLR over WarmupSteps, cosine decay to MinLR at MaxSteps, MinLR
// afterwards. Every worker computes the same value for the same step.
type LRSchedule struct {
	MaxLR       float32
	MinLR       float32
	WarmupSteps int
	MaxSteps    int
}

func (s LRSchedule) LR(step int) float32 {
	if step < s.WarmupSteps {
		return s.MaxLR * float32(step+1) / float32(s.WarmupSteps)
	}
	if step > s.MaxSteps {
		return s.MinLR
	}
	ratio := float64(step-s.WarmupSteps) / float64(s.MaxSteps-s.WarmupSteps)
	coeff := 0.5 * (1.0 + math.Cos(math.Pi*ratio))
	return s.MinLR + float32(coeff)*(s.MaxLR-s.MinLR)
}
