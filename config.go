package gpt2

import "fmt"

// GPT2Config holds the architecture hyper-parameters of a model. It is
// built once at startup and never mutated.
type GPT2Config struct {
	MaxSeqLen int `json:"max_seq_len"`
	V         int `json:"vocab_size"`
	L         int `json:"num_layers"`
	NH        int `json:"num_heads"`
	C         int `json:"channels"`
}

// GPT2Small is the 124M-parameter configuration.
var GPT2Small = GPT2Config{
	MaxSeqLen: 1024,
	V:         50257,
	L:         12,
	NH:        12,
	C:         768,
}

func (c GPT2Config) Validate() error {
	if c.MaxSeqLen <= 0 || c.V <= 0 || c.L <= 0 || c.NH <= 0 || c.C <= 0 {
		return fmt.Errorf("config: all dimensions must be positive, got %+v", c)
	}
	if c.C%c.NH != 0 {
		return fmt.Errorf("config: channels %d not divisible by num heads %d", c.C, c.NH)
	}
	return nil
}

// HeadDim is the per-head width of the attention projections.
func (c GPT2Config) HeadDim() int { return c.C / c.NH }

// RunContext identifies one worker in a lock-step training run. Workers are
// numbered 0..WorldSize-1 and rank 0 is the master, responsible for all
// printing. A single-process run is {Rank: 0, WorldSize: 1}.
type RunContext struct {
	Rank      int
	WorldSize int
	Device    string
}

func (r RunContext) Master() bool { return r.Rank == 0 }

func (r RunContext) Validate() error {
	if r.WorldSize <= 0 {
		return fmt.Errorf("run context: world size must be positive, got %d", r.WorldSize)
	}
	if r.Rank < 0 || r.Rank >= r.WorldSize {
		return fmt.Errorf("run context: rank %d out of range for world size %d", r.Rank, r.WorldSize)
	}
	return nil
}

// TrainConfig holds the knobs of the training loop.
type TrainConfig struct {
	B                int     // micro batch size
	T                int     // sequence length
	TotalBatchTokens int     // target effective batch size, in tokens
	MaxLR            float32
	MinLR            float32
	WarmupSteps      int
	MaxSteps         int
	WeightDecay      float32
	EvalEvery        int // steps between validation/sampling events
	EvalBatches      int // validation batches per event
	SamplePrompt     string
	SampleLen        int // total sampled sequence length, prompt included
	TopK             int
}

// DefaultTrainConfig mirrors the GPT-2 reference pretraining run.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		B:                64,
		T:                1024,
		TotalBatchTokens: 524288, // 2^19, ~0.5M tokens
		MaxLR:            6e-4,
		MinLR:            6e-5,
		WarmupSteps:      715,
		MaxSteps:         19073,
		WeightDecay:      0.1,
		EvalEvery:        100,
		EvalBatches:      20,
		SamplePrompt:     "Hello, I'm a language model,",
		SampleLen:        32,
		TopK:             50,
	}
}

// GradAccumSteps returns the number of micro-steps needed to reach
// TotalBatchTokens across all workers. The target must divide evenly.
func (tc TrainConfig) GradAccumSteps(worldSize int) (int, error) {
	tokensPerMicroStep := tc.B * tc.T * worldSize
	if tokensPerMicroStep <= 0 {
		return 0, fmt.Errorf("train config: B, T and world size must be positive")
	}
	if tc.TotalBatchTokens <= 0 {
		return 0, fmt.Errorf("train config: total batch tokens must be positive, got %d", tc.TotalBatchTokens)
	}
	if tc.TotalBatchTokens%tokensPerMicroStep != 0 {
		return 0, fmt.Errorf("train config: total batch tokens %d not divisible by B*T*workers = %d*%d*%d = %d",
			tc.TotalBatchTokens, tc.B, tc.T, worldSize, tokensPerMicroStep)
	}
	return tc.TotalBatchTokens / tokensPerMicroStep, nil
}
