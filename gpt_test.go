package gpt2

import (
	"math"
	mathrand "math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toyConfig() GPT2Config {
	return GPT2Config{MaxSeqLen: 8, V: 32, L: 2, NH: 2, C: 8}
}

func newToyModel(t *testing.T, seed uint64) *GPT2 {
	t.Helper()
	model, err := NewGPT2(toyConfig())
	require.NoError(t, err)
	model.InitializeWeights(seed)
	return model
}

func TestNewGPT2RejectsBadConfig(t *testing.T) {
	_, err := NewGPT2(GPT2Config{MaxSeqLen: 8, V: 32, L: 2, NH: 3, C: 8})
	assert.ErrorContains(t, err, "not divisible")
	_, err = NewGPT2(GPT2Config{MaxSeqLen: 0, V: 32, L: 2, NH: 2, C: 8})
	assert.ErrorContains(t, err, "positive")
}

func TestForwardShapesAndLoss(t *testing.T) {
	model := newToyModel(t, 1)
	B, T := 2, 4
	input := make([]int32, B*T)
	target := make([]int32, B*T)
	for i := range input {
		input[i] = int32(i % model.Config.V)
		target[i] = int32((i + 1) % model.Config.V)
	}
	require.NoError(t, model.Forward(input, target, B, T))

	logits := model.Acts.Logits.Data()
	require.GreaterOrEqual(t, len(logits), B*T*model.Config.V)
	for i := 0; i < B*T*model.Config.V; i++ {
		assert.False(t, IsNaN(logits[i]) || IsInf(logits[i], 0), "logit %d is not finite", i)
	}
	assert.False(t, IsNaN(model.MeanLoss))
	assert.Greater(t, model.MeanLoss, float32(0.0), "cross entropy is positive")

	// without targets the loss is sentinel -1
	require.NoError(t, model.Forward(input, nil, B, T))
	assert.Equal(t, float32(-1.0), model.MeanLoss)
}

func TestForwardRejectsLongSequence(t *testing.T) {
	model := newToyModel(t, 1)
	T := model.Config.MaxSeqLen + 1
	input := make([]int32, T)
	err := model.Forward(input, nil, 1, T)
	assert.ErrorContains(t, err, "exceeds maximum")
}

// Perturbing a future token must not change outputs at earlier positions.
func TestCausalMasking(t *testing.T) {
	model := newToyModel(t, 7)
	T := 6
	input := []int32{3, 1, 4, 1, 5, 9}
	require.NoError(t, model.Forward(input, nil, 1, T))
	V := model.Config.V
	before := make([]float32, (T-1)*V)
	copy(before, model.Acts.Logits.Data()[:(T-1)*V])

	perturbed := append([]int32(nil), input...)
	perturbed[T-1] = 26
	require.NoError(t, model.Forward(perturbed, nil, 1, T))
	after := model.Acts.Logits.Data()[:(T-1)*V]

	assert.Equal(t, before, []float32(after), "logits before the perturbed position are unchanged")
}

func TestWeightTying(t *testing.T) {
	model := newToyModel(t, 3)
	wte := model.Params.WordTokEmbed.Data()
	head := model.LMHead().Data()

	// the two logical sites are one allocation, not copies
	require.Equal(t, len(wte), len(head))
	assert.Same(t, &wte[0], &head[0])

	wte[5] = 1234.5
	assert.Equal(t, float32(1234.5), head[5])
	head[6] = -9.25
	assert.Equal(t, float32(-9.25), wte[6])
}

func TestWeightTyingGradientCombinesBothSites(t *testing.T) {
	model := newToyModel(t, 3)
	B, T := 1, 4
	input := []int32{1, 2, 3, 4}
	target := []int32{2, 3, 4, 5}
	require.NoError(t, model.Forward(input, target, B, T))
	require.NoError(t, model.Backward(1.0))

	// the embedding rows of the input tokens receive the encoder
	// contribution on top of the lm-head contribution; rows of tokens
	// never seen still get lm-head gradient through the softmax
	var nonzero int
	for _, g := range model.Grads.WordTokEmbed.Data() {
		if g != 0 {
			nonzero++
		}
	}
	assert.Greater(t, nonzero, model.Config.C, "tied gradient has contributions beyond a single row")
}

func TestInitializeWeights(t *testing.T) {
	config := GPT2Config{MaxSeqLen: 64, V: 256, L: 4, NH: 4, C: 64}
	model, err := NewGPT2(config)
	require.NoError(t, err)
	model.InitializeWeights(11)

	stats := func(data []float32) (mean, std float64) {
		for _, v := range data {
			mean += float64(v)
		}
		mean /= float64(len(data))
		for _, v := range data {
			d := float64(v) - mean
			std += d * d
		}
		return mean, math.Sqrt(std / float64(len(data)))
	}

	_, stdTok := stats(model.Params.WordTokEmbed.Data())
	assert.InDelta(t, 0.02, stdTok, 0.002, "embedding std is 0.02")

	_, stdQkv := stats(model.Params.QueryKeyValW.Data())
	assert.InDelta(t, 0.02, stdQkv, 0.002, "standard weight std is 0.02")

	wantResidual := 0.02 / math.Sqrt(2*float64(config.L))
	_, stdAttProj := stats(model.Params.AttProjW.Data())
	assert.InDelta(t, wantResidual, stdAttProj, wantResidual/5, "attention projection std is scaled by 1/sqrt(2L)")
	_, stdFcProj := stats(model.Params.FeedFwdProjW.Data())
	assert.InDelta(t, wantResidual, stdFcProj, wantResidual/5, "feedforward projection std is scaled by 1/sqrt(2L)")

	for i, v := range model.Params.QueryKeyValB.Data() {
		require.Zero(t, v, "bias %d starts at zero", i)
	}
	for i, v := range model.Params.LayerNorm1W.Data() {
		require.Equal(t, float32(1.0), v, "layernorm scale %d starts at one", i)
	}
	for i, v := range model.Params.LayerNorm1B.Data() {
		require.Zero(t, v, "layernorm shift %d starts at zero", i)
	}
}

func TestInitializeWeightsDeterministic(t *testing.T) {
	a := newToyModel(t, 21)
	b := newToyModel(t, 21)
	assert.Equal(t, a.Params.Memory, b.Params.Memory)
	c := newToyModel(t, 22)
	assert.NotEqual(t, a.Params.Memory, c.Params.Memory)
}

func TestParamGroupSizes(t *testing.T) {
	model := newToyModel(t, 1)
	dt, dp, nt, np := model.ParamGroupSizes()
	// wte, wpe, qkvw, attprojw, fcw, fcprojw
	assert.Equal(t, 6, dt)
	// ln1w, ln1b, qkvb, attprojb, ln2w, ln2b, fcb, fcprojb, lnfw, lnfb
	assert.Equal(t, 10, nt)
	assert.Equal(t, model.NumParams(), dp+np)
	assert.Greater(t, dp, np, "weight matrices dominate the parameter count")
}

func TestGenerateDeterministicAndBounded(t *testing.T) {
	model := newToyModel(t, 5)
	prompt := []int32{1, 2, 3}
	genA, err := model.Generate(prompt, 8, 4, mathrand.New(mathrand.NewSource(42)))
	require.NoError(t, err)
	genB, err := model.Generate(prompt, 8, 4, mathrand.New(mathrand.NewSource(42)))
	require.NoError(t, err)
	assert.Equal(t, genA, genB, "same seed generates the same sequence")
	assert.Len(t, genA, 8)
	assert.Equal(t, prompt, genA[:3], "prompt is preserved")
	for _, tok := range genA {
		assert.GreaterOrEqual(t, tok, int32(0))
		assert.Less(t, tok, int32(model.Config.V))
	}

	_, err = model.Generate(prompt, model.Config.MaxSeqLen+1, 4, mathrand.New(mathrand.NewSource(1)))
	assert.ErrorContains(t, err, "exceeds maximum sequence length")
}
