package gpt2

import (
	"errors"
	"fmt"
	"math"

	mathrand "math/rand"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

const GPT2EOT int32 = 50256

// GPT2 is a decoder-only transformer. All weights live in Params; Grads
// mirrors its layout and is filled by Backward. Acts and GradsActs hold
// forward and backward intermediates and are lazily sized to the largest
// (B, T) seen.
type GPT2 struct {
	Config    GPT2Config
	Params    ParameterTensors
	Grads     ParameterTensors
	Acts      ActivationTensors
	GradsActs ActivationTensors
	MMemory   []float32 // AdamW first moments
	VMemory   []float32 // AdamW second moments
	B, T      int       // dimensions of the last forward pass
	actsB     int       // dimensions Acts was allocated with
	actsT     int
	Inputs    []int32
	Targets   []int32
	MeanLoss  float32
}

// NewGPT2 allocates an un-initialized model. Call InitializeWeights for
// fresh training or LoadCheckpoint to import pretrained weights.
func NewGPT2(config GPT2Config) (*GPT2, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	model := &GPT2{Config: config, MeanLoss: -1.0}
	model.Params.Init(config.V, config.C, config.MaxSeqLen, config.L)
	return model, nil
}

// InitializeWeights draws every linear and embedding weight from a
// zero-mean normal with std 0.02. Projections that write into the
// residual stream (attention output and feedforward contraction) are
// scaled down by 1/sqrt(2L) - each of the L layers adds to the stream
// twice, and without the scaling the stream's variance grows with depth.
// Biases and layernorm shifts start at zero, layernorm scales at one.
func (model *GPT2) InitializeWeights(seed uint64) {
	src := rand.NewSource(seed)
	std := distuv.Normal{Mu: 0, Sigma: 0.02, Src: src}
	residual := distuv.Normal{
		Mu:    0,
		Sigma: 0.02 / math.Sqrt(2*float64(model.Config.L)),
		Src:   src,
	}
	for _, seg := range model.Params.Segments() {
		data := model.Params.Memory[seg.Offset : seg.Offset+seg.Size]
		switch seg.Tag {
		case TagWeight, TagEmbedding:
			for i := range data {
				data[i] = float32(std.Rand())
			}
		case TagResidualProj:
			for i := range data {
				data[i] = float32(residual.Rand())
			}
		case TagNormWeight:
			for i := range data {
				data[i] = 1.0
			}
		case TagBias, TagNormBias:
			for i := range data {
				data[i] = 0.0
			}
		}
	}
}

// LMHead returns the output-projection weight. It is the token embedding
// table itself, not a copy: writes through either view land in the same
// storage.
func (model *GPT2) LMHead() tensor { return model.Params.WordTokEmbed }

func (model *GPT2) NumParams() int { return model.Params.Len() }

// ParamGroupSizes reports the weight-decayed and non-decayed optimizer
// groups as (tensor count, element count) pairs.
func (model *GPT2) ParamGroupSizes() (decayTensors, decayParams, nodecayTensors, nodecayParams int) {
	for _, seg := range model.Params.Segments() {
		if seg.Tag.Decayed() {
			decayTensors++
			decayParams += seg.Size
		} else {
			nodecayTensors++
			nodecayParams += seg.Size
		}
	}
	return
}

func (model *GPT2) String() string {
	var s string
	s += "[GPT-2]\n"
	s += fmt.Sprintf("max_seq_len: %d\n", model.Config.MaxSeqLen)
	s += fmt.Sprintf("vocab_size: %d\n", model.Config.V)
	s += fmt.Sprintf("num_layers: %d\n", model.Config.L)
	s += fmt.Sprintf("num_heads: %d\n", model.Config.NH)
	s += fmt.Sprintf("channels: %d\n", model.Config.C)
	s += fmt.Sprintf("num_parameters: %d\n", model.NumParams())
	return s
}

// ensureActivations (re)allocates the activation buffers when a forward
// pass needs more room than the current allocation provides.
func (model *GPT2) ensureActivations(B, T int) {
	if model.Acts.Memory != nil && B <= model.actsB && T <= model.actsT {
		return
	}
	if B < model.actsB {
		B = model.actsB
	}
	if T < model.actsT {
		T = model.actsT
	}
	model.actsB, model.actsT = B, T
	model.Acts.Init(B, model.Config.C, T, model.Config.L, model.Config.NH, model.Config.V)
	if model.Grads.Memory != nil {
		model.GradsActs.Init(B, model.Config.C, T, model.Config.L, model.Config.NH, model.Config.V)
	}
	model.Inputs = make([]int32, B*T)
	model.Targets = make([]int32, B*T)
}

// Forward runs the model over input token ids shaped (B, T) and fills
// Acts.Logits with vocabulary logits shaped (B, T, V). When target is
// non-empty the per-token cross-entropy, averaged over all B*T
// positions, is stored in MeanLoss; otherwise MeanLoss is -1.
func (model *GPT2) Forward(input, target []int32, B, T int) error {
	V, L, NH, C := model.Config.V, model.Config.L, model.Config.NH, model.Config.C
	if T > model.Config.MaxSeqLen {
		return fmt.Errorf("forward: sequence length %d exceeds maximum %d", T, model.Config.MaxSeqLen)
	}
	if len(input) < B*T {
		return fmt.Errorf("forward: input has %d tokens, need %d", len(input), B*T)
	}
	if len(target) > 0 && len(target) < B*T {
		return fmt.Errorf("forward: target has %d tokens, need %d", len(target), B*T)
	}
	model.ensureActivations(B, T)
	model.B, model.T = B, T
	copy(model.Inputs, input[:B*T])
	if len(target) > 0 {
		copy(model.Targets, target[:B*T])
	}
	params, acts := model.Params, model.Acts
	encoderForward(acts.Encoded.data, input, params.WordTokEmbed.data, params.WordPosEmbed.data, B, T, C)
	var residual []float32
	for l := 0; l < L; l++ {
		if l == 0 {
			residual = acts.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
		}
		lLn1w := params.LayerNorm1W.data[l*C:]
		lLn1b := params.LayerNorm1B.data[l*C:]
		lQkvw := params.QueryKeyValW.data[l*3*C*C:]
		lQkvb := params.QueryKeyValB.data[l*3*C:]
		lAttprojw := params.AttProjW.data[l*C*C:]
		lAttprojb := params.AttProjB.data[l*C:]
		lLn2w := params.LayerNorm2W.data[l*C:]
		lLn2b := params.LayerNorm2B.data[l*C:]
		lFcw := params.FeedFwdW.data[l*4*C*C:]
		lFcb := params.FeedFwdB.data[l*4*C:]
		lFcprojw := params.FeedFwdProjW.data[l*C*4*C:]
		lFcprojb := params.FeedFwdProjB.data[l*C:]

		lLn1 := acts.LayerNorm1Act.data[l*B*T*C:]
		lLn1Mean := acts.LayerNorm1Mean.data[l*B*T:]
		lLn1Rstd := acts.LayerNorm1Rstd.data[l*B*T:]
		lQkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		lAtty := acts.AttentionOut.data[l*B*T*C:]
		lPreatt := acts.PreAttention.data[l*B*NH*T*T:]
		lAtt := acts.Attention.data[l*B*NH*T*T:]
		lAttproj := acts.AttentionProj.data[l*B*T*C:]
		lResidual2 := acts.Residual2.data[l*B*T*C:]
		lLn2 := acts.LayerNorm2Act.data[l*B*T*C:]
		lLn2Mean := acts.LayerNorm2Mean.data[l*B*T:]
		lLn2Rstd := acts.LayerNorm2Rstd.data[l*B*T:]
		lFch := acts.FeedForward.data[l*B*T*4*C:]
		lFchGelu := acts.FeedForwardGelu.data[l*B*T*4*C:]
		lFcproj := acts.FeedForwardProj.data[l*B*T*C:]
		lResidual3 := acts.Residual3.data[l*B*T*C:]

		// x = x + attn(ln_1(x))
		layernormForward(lLn1, lLn1Mean, lLn1Rstd, residual, lLn1w, lLn1b, B, T, C)
		matmulForward(lQkv, lLn1, lQkvw, lQkvb, B, T, C, 3*C)
		attentionForward(lAtty, lPreatt, lAtt, lQkv, B, T, C, NH)
		matmulForward(lAttproj, lAtty, lAttprojw, lAttprojb, B, T, C, C)
		residualForward(lResidual2, residual, lAttproj, B*T*C)
		// x = x + mlp(ln_2(x))
		layernormForward(lLn2, lLn2Mean, lLn2Rstd, lResidual2, lLn2w, lLn2b, B, T, C)
		matmulForward(lFch, lLn2, lFcw, lFcb, B, T, C, 4*C)
		geluForward(lFchGelu, lFch, B*T*4*C)
		matmulForward(lFcproj, lFchGelu, lFcprojw, lFcprojb, B, T, 4*C, C)
		residualForward(lResidual3, lResidual2, lFcproj, B*T*C)
	}
	residual = acts.Residual3.data[(L-1)*B*T*C:]
	layernormForward(acts.LayerNormFinal.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data,
		residual, params.LayerFinNormW.data, params.LayerFinNormB.data, B, T, C)
	// logits through the tied lm head
	matmulForward(acts.Logits.data, acts.LayerNormFinal.data, params.WordTokEmbed.data, nil, B, T, C, V)
	softmaxForward(acts.Probabilities.data, acts.Logits.data, B, T, V)
	if len(target) > 0 {
		crossEntropyForward(acts.Losses.data, acts.Probabilities.data, target, B, T, V)
		var meanLoss float32
		for i := 0; i < B*T; i++ {
			meanLoss += acts.Losses.data[i]
		}
		meanLoss /= float32(B * T)
		model.MeanLoss = meanLoss
	} else {
		model.MeanLoss = -1.0
	}
	return nil
}

// Backward accumulates parameter gradients into Grads for the last
// forward pass that had targets. Gradients add across calls; callers
// zero them once per optimizer step, not per micro-batch. lossScale
// scales the seed gradient, which is how gradient accumulation turns a
// sum over micro-batches into a mean.
func (model *GPT2) Backward(lossScale float32) error {
	if model.MeanLoss == -1.0 {
		return errors.New("backward: must forward with targets first")
	}
	B, T, V, L, NH, C := model.B, model.T, model.Config.V, model.Config.L, model.Config.NH, model.Config.C
	if len(model.Grads.Memory) == 0 {
		model.Grads.Init(V, C, model.Config.MaxSeqLen, L)
		model.GradsActs.Init(model.actsB, C, model.actsT, L, NH, V)
		model.ZeroGradients()
	}
	params, grads, acts, gradsActs := model.Params, model.Grads, model.Acts, model.GradsActs
	for i := range gradsActs.Memory {
		gradsActs.Memory[i] = 0.0
	}
	dlossMean := lossScale / float32(B*T)
	for i := 0; i < B*T; i++ {
		gradsActs.Losses.data[i] = dlossMean
	}
	crossentropySoftmaxBackward(gradsActs.Logits.data, gradsActs.Losses.data, acts.Probabilities.data, model.Targets, B, T, V)
	// the lm head backward accumulates into the embedding gradient; the
	// encoder backward at the bottom adds its contribution to the same
	// buffer, combining both use sites of the tied weight
	matmulBackward(gradsActs.LayerNormFinal.data, grads.WordTokEmbed.data, nil, gradsActs.Logits.data, acts.LayerNormFinal.data, params.WordTokEmbed.data, B, T, C, V)
	residual := acts.Residual3.data[(L-1)*B*T*C:]
	dresidual := gradsActs.Residual3.data[(L-1)*B*T*C:]
	layernormBackward(dresidual, grads.LayerFinNormW.data, grads.LayerFinNormB.data, gradsActs.LayerNormFinal.data,
		residual, params.LayerFinNormW.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, B, T, C)
	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual = acts.Encoded.data
			dresidual = gradsActs.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
			dresidual = gradsActs.Residual3.data[(l-1)*B*T*C:]
		}
		lLn1w := params.LayerNorm1W.data[l*C:]
		lQkvw := params.QueryKeyValW.data[l*3*C*C:]
		lAttprojw := params.AttProjW.data[l*C*C:]
		lLn2w := params.LayerNorm2W.data[l*C:]
		lFcw := params.FeedFwdW.data[l*4*C*C:]
		lFcprojw := params.FeedFwdProjW.data[l*C*4*C:]

		dlLn1w := grads.LayerNorm1W.data[l*C:]
		dlLn1b := grads.LayerNorm1B.data[l*C:]
		dlQkvw := grads.QueryKeyValW.data[l*3*C*C:]
		dlQkvb := grads.QueryKeyValB.data[l*3*C:]
		dlAttprojw := grads.AttProjW.data[l*C*C:]
		dlAttprojb := grads.AttProjB.data[l*C:]
		dlLn2w := grads.LayerNorm2W.data[l*C:]
		dlLn2b := grads.LayerNorm2B.data[l*C:]
		dlFcw := grads.FeedFwdW.data[l*4*C*C:]
		dlFcb := grads.FeedFwdB.data[l*4*C:]
		dlFcprojw := grads.FeedFwdProjW.data[l*C*4*C:]
		dlFcprojb := grads.FeedFwdProjB.data[l*C:]

		lLn1 := acts.LayerNorm1Act.data[l*B*T*C:]
		lLn1Mean := acts.LayerNorm1Mean.data[l*B*T:]
		lLn1Rstd := acts.LayerNorm1Rstd.data[l*B*T:]
		lQkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		lAtty := acts.AttentionOut.data[l*B*T*C:]
		lAtt := acts.Attention.data[l*B*NH*T*T:]
		lResidual2 := acts.Residual2.data[l*B*T*C:]
		lLn2 := acts.LayerNorm2Act.data[l*B*T*C:]
		lLn2Mean := acts.LayerNorm2Mean.data[l*B*T:]
		lLn2Rstd := acts.LayerNorm2Rstd.data[l*B*T:]
		lFch := acts.FeedForward.data[l*B*T*4*C:]
		lFchGelu := acts.FeedForwardGelu.data[l*B*T*4*C:]

		dlLn1 := gradsActs.LayerNorm1Act.data[l*B*T*C:]
		dlQkv := gradsActs.QueryKeyVal.data[l*B*T*3*C:]
		dlAtty := gradsActs.AttentionOut.data[l*B*T*C:]
		dlPreatt := gradsActs.PreAttention.data[l*B*NH*T*T:]
		dlAtt := gradsActs.Attention.data[l*B*NH*T*T:]
		dlAttproj := gradsActs.AttentionProj.data[l*B*T*C:]
		dlResidual2 := gradsActs.Residual2.data[l*B*T*C:]
		dlLn2 := gradsActs.LayerNorm2Act.data[l*B*T*C:]
		dlFch := gradsActs.FeedForward.data[l*B*T*4*C:]
		dlFchGelu := gradsActs.FeedForwardGelu.data[l*B*T*4*C:]
		dlFcproj := gradsActs.FeedForwardProj.data[l*B*T*C:]
		dlResidual3 := gradsActs.Residual3.data[l*B*T*C:]

		residualBackward(dlResidual2, dlFcproj, dlResidual3, B*T*C)
		matmulBackward(dlFchGelu, dlFcprojw, dlFcprojb, dlFcproj, lFchGelu, lFcprojw, B, T, 4*C, C)
		geluBackward(dlFch, lFch, dlFchGelu, B*T*4*C)
		matmulBackward(dlLn2, dlFcw, dlFcb, dlFch, lLn2, lFcw, B, T, C, 4*C)
		layernormBackward(dlResidual2, dlLn2w, dlLn2b, dlLn2, lResidual2, lLn2w, lLn2Mean, lLn2Rstd, B, T, C)
		residualBackward(dresidual, dlAttproj, dlResidual2, B*T*C)
		matmulBackward(dlAtty, dlAttprojw, dlAttprojb, dlAttproj, lAtty, lAttprojw, B, T, C, C)
		attentionBackward(dlQkv, dlPreatt, dlAtt, dlAtty, lQkv, lAtt, B, T, C, NH)
		matmulBackward(dlLn1, dlQkvw, dlQkvb, dlQkv, lLn1, lQkvw, B, T, C, 3*C)
		layernormBackward(dresidual, dlLn1w, dlLn1b, dlLn1, residual, lLn1w, lLn1Mean, lLn1Rstd, B, T, C)
	}
	encoderBackward(grads.WordTokEmbed.data, grads.WordPosEmbed.data, gradsActs.Encoded.data, model.Inputs, B, T, C)
	return nil
}

// ZeroGradients clears the parameter gradient accumulators. Called once
// at the start of each optimizer step.
func (model *GPT2) ZeroGradients() {
	for i := range model.Grads.Memory {
		model.Grads.Memory[i] = 0.0
	}
}

// Generate autoregressively extends prompt until the sequence reaches
// maxLength tokens, sampling each next token from the top-k restricted
// distribution at the last position. The prompt is part of the returned
// sequence.
func (model *GPT2) Generate(prompt []int32, maxLength, topK int, rng *mathrand.Rand) ([]int32, error) {
	if len(prompt) == 0 {
		return nil, errors.New("generate: empty prompt")
	}
	if len(prompt) > maxLength {
		maxLength = len(prompt)
	}
	if maxLength > model.Config.MaxSeqLen {
		return nil, fmt.Errorf("generate: max length %d exceeds maximum sequence length %d", maxLength, model.Config.MaxSeqLen)
	}
	tokens := make([]int32, len(prompt), maxLength)
	copy(tokens, prompt)
	for len(tokens) < maxLength {
		// recomputes all positions each step; fine for the short
		// fixed-length continuations the trainer samples
		if err := model.Forward(tokens, nil, 1, len(tokens)); err != nil {
			return nil, err
		}
		probs := model.Acts.Probabilities.data[(len(tokens)-1)*model.Config.V : len(tokens)*model.Config.V]
		next := sampleTopK(probs, topK, rng.Float32())
		tokens = append(tokens, int32(next))
	}
	return tokens, nil
}
