package gpt2

import (
	"fmt"
	"math/rand"
	"time"
)

// AdamW hyper-parameters of the reference pretraining run.
const (
	adamBeta1 = 0.9
	adamBeta2 = 0.95
	adamEps   = 1e-8

	gradClipNorm = 1.0
	sampleSeed   = 42
)

// StepStats are the per-step scalars the trainer exposes.
type StepStats struct {
	Step         int
	Loss         float32 // accumulated micro-batch loss, averaged across workers
	LR           float32
	GradNorm     float32 // pre-clip global L2 norm
	Duration     time.Duration
	TokensPerSec float64
}

// Trainer drives the step loop: micro-batch gradient accumulation to the
// target effective batch size, one gradient all-reduce per step,
// clipping, the LR schedule, the optimizer update, and periodic
// validation and sampling. Every worker runs an identical Trainer over
// its own data partition; workers start from identical parameters and
// stay in consensus because they apply identical updates to identically
// averaged gradients.
type Trainer struct {
	Model     *GPT2
	TrainData *DataLoader
	ValData   *DataLoader
	Comm      Communicator
	Tokenizer Tokenizer // optional; raw token ids are printed without one
	Config    TrainConfig
	RunCtx    RunContext
	Sched     LRSchedule

	// OnStep, when set, receives the scalars of every completed step.
	// The default reporting to stdout happens regardless, on the master
	// rank only.
	OnStep func(StepStats)

	gradAccumSteps int
}

// NewTrainer validates the configuration against the run context. The
// effective batch size must divide evenly into micro-steps.
func NewTrainer(model *GPT2, trainData, valData *DataLoader, comm Communicator, cfg TrainConfig, run RunContext) (*Trainer, error) {
	if err := run.Validate(); err != nil {
		return nil, err
	}
	accum, err := cfg.GradAccumSteps(run.WorldSize)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		Model:          model,
		TrainData:      trainData,
		ValData:        valData,
		Comm:           comm,
		Config:         cfg,
		RunCtx:         run,
		Sched: LRSchedule{
			MaxLR:       cfg.MaxLR,
			MinLR:       cfg.MinLR,
			WarmupSteps: cfg.WarmupSteps,
			MaxSteps:    cfg.MaxSteps,
		},
		gradAccumSteps: accum,
	}, nil
}

// GradAccumSteps is the number of micro-batches accumulated per step.
func (tr *Trainer) GradAccumSteps() int { return tr.gradAccumSteps }

// Run executes the fixed-length step loop and tears down the
// communicator afterwards.
func (tr *Trainer) Run() error {
	if tr.RunCtx.Master() {
		fmt.Printf("effective batch: %d tokens => %d grad accum steps at B=%d T=%d workers=%d\n",
			tr.Config.TotalBatchTokens, tr.gradAccumSteps, tr.Config.B, tr.Config.T, tr.RunCtx.WorldSize)
		fmt.Printf("train dataset num_batches: %d\n", tr.TrainData.NumBatches())
		if tr.ValData != nil {
			fmt.Printf("val dataset num_batches: %d\n", tr.ValData.NumBatches())
		}
		dt, dp, nt, np := tr.Model.ParamGroupSizes()
		fmt.Printf("decayed tensors: %d (%d params), non-decayed tensors: %d (%d params)\n", dt, dp, nt, np)
	}
	defer tr.Comm.Close()
	for step := 0; step < tr.Config.MaxSteps; step++ {
		if tr.Config.EvalEvery > 0 && step%tr.Config.EvalEvery == 0 {
			if err := tr.validate(step); err != nil {
				return err
			}
			if step > 0 {
				if err := tr.sample(step); err != nil {
					return err
				}
			}
		}
		if _, err := tr.Step(step); err != nil {
			return err
		}
	}
	return nil
}

// Step runs one optimizer step and returns its scalars.
func (tr *Trainer) Step(step int) (StepStats, error) {
	start := time.Now()
	B, T := tr.Config.B, tr.Config.T
	model := tr.Model
	model.ZeroGradients()
	var lossAccum float32
	for microStep := 0; microStep < tr.gradAccumSteps; microStep++ {
		input, target, err := tr.TrainData.NextBatch()
		if err != nil {
			return StepStats{}, err
		}
		if err := model.Forward(input, target, B, T); err != nil {
			return StepStats{}, err
		}
		// scaled so the accumulated gradient is a mean over the whole
		// effective batch, not a sum of micro-batch means
		scale := 1.0 / float32(tr.gradAccumSteps)
		lossAccum += model.MeanLoss * scale
		if err := model.Backward(scale); err != nil {
			return StepStats{}, err
		}
		// gradients are synchronized once per accumulation window, on
		// the final micro-step only
		if tr.RunCtx.WorldSize > 1 && microStep == tr.gradAccumSteps-1 {
			if err := tr.Comm.AllReduceMean(model.Grads.Memory); err != nil {
				return StepStats{}, err
			}
		}
	}
	if tr.RunCtx.WorldSize > 1 {
		// reported loss is the cross-worker average; gradient averaging
		// above is what keeps the workers in consensus
		loss := []float32{lossAccum}
		if err := tr.Comm.AllReduceMean(loss); err != nil {
			return StepStats{}, err
		}
		lossAccum = loss[0]
	}
	norm := model.ClipGradNorm(gradClipNorm)
	lr := tr.Sched.LR(step)
	model.Update(lr, adamBeta1, adamBeta2, adamEps, tr.Config.WeightDecay, step+1)

	dt := time.Since(start)
	tokensProcessed := B * T * tr.gradAccumSteps * tr.RunCtx.WorldSize
	stats := StepStats{
		Step:         step,
		Loss:         lossAccum,
		LR:           lr,
		GradNorm:     norm,
		Duration:     dt,
		TokensPerSec: float64(tokensProcessed) / dt.Seconds(),
	}
	if tr.RunCtx.Master() {
		fmt.Printf("step %4d | loss: %.6f | lr: %.4e | norm: %.4f | dt: %.2fms | tok/sec: %.2f\n",
			stats.Step, stats.Loss, stats.LR, stats.GradNorm,
			float64(stats.Duration.Microseconds())/1000.0, stats.TokensPerSec)
	}
	if tr.OnStep != nil {
		tr.OnStep(stats)
	}
	return stats, nil
}

// validate rewinds the validation loader, accumulates loss over a fixed
// number of forward-only passes, and averages the result across workers.
func (tr *Trainer) validate(step int) error {
	if tr.ValData == nil || tr.Config.EvalBatches <= 0 {
		return nil
	}
	if err := tr.ValData.Reset(); err != nil {
		return err
	}
	var valLoss float32
	for i := 0; i < tr.Config.EvalBatches; i++ {
		input, target, err := tr.ValData.NextBatch()
		if err != nil {
			return err
		}
		if err := tr.Model.Forward(input, target, tr.Config.B, tr.Config.T); err != nil {
			return err
		}
		valLoss += tr.Model.MeanLoss / float32(tr.Config.EvalBatches)
	}
	if tr.RunCtx.WorldSize > 1 {
		loss := []float32{valLoss}
		if err := tr.Comm.AllReduceMean(loss); err != nil {
			return err
		}
		valLoss = loss[0]
	}
	if tr.RunCtx.Master() {
		fmt.Printf("step %4d | validation loss: %.4f\n", step, valLoss)
	}
	return nil
}

// sample generates a fixed-length continuation of the configured prompt
// with top-k sampling, seeded per worker so runs are reproducible, and
// reports the freshly generated sequence.
func (tr *Trainer) sample(step int) error {
	if tr.Config.SampleLen <= 0 || tr.Config.SamplePrompt == "" {
		return nil
	}
	prompt, err := tr.encodePrompt()
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(sampleSeed + int64(tr.RunCtx.Rank)))
	tokens, err := tr.Model.Generate(prompt, tr.Config.SampleLen, tr.Config.TopK, rng)
	if err != nil {
		return err
	}
	if tr.Tokenizer != nil {
		text, err := tr.Tokenizer.Decode(tokens)
		if err != nil {
			return err
		}
		fmt.Printf("rank %d sample: %s\n", tr.RunCtx.Rank, text)
	} else {
		fmt.Printf("rank %d sample tokens: %v\n", tr.RunCtx.Rank, tokens)
	}
	return nil
}

func (tr *Trainer) encodePrompt() ([]int32, error) {
	if tr.Tokenizer != nil {
		return tr.Tokenizer.Encode(tr.Config.SamplePrompt)
	}
	// without a tokenizer the prompt degenerates to a single EOT-like
	// token within the model's vocabulary
	tok := GPT2EOT
	if int(tok) >= tr.Model.Config.V {
		tok = 0
	}
	return []int32{tok}, nil
}
