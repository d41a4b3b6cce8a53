package gpt2

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGPT2ConfigValidate(t *testing.T) {
	assert.NoError(t, GPT2Small.Validate())
	assert.Equal(t, 64, GPT2Small.HeadDim())

	bad := GPT2Small
	bad.NH = 7
	assert.ErrorContains(t, bad.Validate(), "not divisible")

	bad = GPT2Small
	bad.L = 0
	assert.ErrorContains(t, bad.Validate(), "positive")
}

func TestRunContextValidate(t *testing.T) {
	tests := []struct {
		name    string
		run     RunContext
		wantErr string
	}{
		{"single process", RunContext{Rank: 0, WorldSize: 1}, ""},
		{"last rank", RunContext{Rank: 7, WorldSize: 8}, ""},
		{"rank out of range", RunContext{Rank: 8, WorldSize: 8}, "out of range"},
		{"negative rank", RunContext{Rank: -1, WorldSize: 2}, "out of range"},
		{"zero world size", RunContext{Rank: 0, WorldSize: 0}, "positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
	assert.True(t, RunContext{Rank: 0, WorldSize: 4}.Master())
	assert.False(t, RunContext{Rank: 1, WorldSize: 4}.Master())
}

func TestGradAccumSteps(t *testing.T) {
	tests := []struct {
		name      string
		cfg       TrainConfig
		worldSize int
		want      int
		wantErr   bool
	}{
		{
			name:      "reference run single worker",
			cfg:       TrainConfig{B: 64, T: 1024, TotalBatchTokens: 524288},
			worldSize: 1,
			want:      8,
		},
		{
			name:      "reference run eight workers",
			cfg:       TrainConfig{B: 64, T: 1024, TotalBatchTokens: 524288},
			worldSize: 8,
			want:      1,
		},
		{
			name:      "indivisible target",
			cfg:       TrainConfig{B: 3, T: 5, TotalBatchTokens: 64},
			worldSize: 1,
			wantErr:   true,
		},
		{
			name:      "zero batch",
			cfg:       TrainConfig{B: 0, T: 1024, TotalBatchTokens: 524288},
			worldSize: 1,
			wantErr:   true,
		},
		{
			// zero is divisible by anything, so it needs its own check:
			// zero accum steps would mean a step that trains on nothing
			name:      "zero total batch tokens",
			cfg:       TrainConfig{B: 4, T: 64, TotalBatchTokens: 0},
			worldSize: 1,
			wantErr:   true,
		},
		{
			name:      "negative total batch tokens",
			cfg:       TrainConfig{B: 4, T: 64, TotalBatchTokens: -256},
			worldSize: 1,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.GradAccumSteps(tt.worldSize)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultTrainConfig(t *testing.T) {
	cfg := DefaultTrainConfig()
	accum, err := cfg.GradAccumSteps(1)
	assert.NoError(t, err)
	assert.Equal(t, 8, accum)
	assert.Less(t, cfg.MinLR, cfg.MaxLR)
	assert.Less(t, cfg.WarmupSteps, cfg.MaxSteps)
}
