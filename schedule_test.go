package gpt2

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRSchedule(t *testing.T) {
	s := LRSchedule{MaxLR: 6e-4, MinLR: 6e-5, WarmupSteps: 10, MaxSteps: 100}

	assert.InDelta(t, s.MaxLR/float32(s.WarmupSteps), s.LR(0), 1e-9, "first step is one warmup increment")
	assert.InDelta(t, s.MaxLR, s.LR(s.WarmupSteps-1), 1e-9, "warmup ends at max lr")

	prev := s.LR(s.WarmupSteps)
	for step := s.WarmupSteps + 1; step <= s.MaxSteps; step++ {
		lr := s.LR(step)
		assert.LessOrEqual(t, lr, prev, "cosine decay is non-increasing at step %d", step)
		prev = lr
	}
	assert.InDelta(t, s.MinLR, s.LR(s.MaxSteps), 1e-9, "decay bottoms out at min lr")
	for _, step := range []int{s.MaxSteps + 1, s.MaxSteps + 100, s.MaxSteps * 10} {
		assert.Equal(t, s.MinLR, s.LR(step), "past max steps lr is pinned to min")
	}
}

func TestLRScheduleWarmupRamp(t *testing.T) {
	s := LRSchedule{MaxLR: 1.0, MinLR: 0.1, WarmupSteps: 4, MaxSteps: 8}
	want := []float32{0.25, 0.5, 0.75, 1.0}
	for step, lr := range want {
		assert.InDelta(t, lr, s.LR(step), 1e-7)
	}
}
