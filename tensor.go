package gpt2

type tensor struct {
	data []float32
	dims []int
}

func newTensor(data []float32, dims ...int) (tensor, int) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{data: data[:n], dims: dims}, n
}

func (t tensor) Data() []float32 { return t.data }

func (t tensor) size() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// ParamTag classifies a parameter tensor for initialization and weight
// decay. Residual-path projections get their init std scaled down; only
// weight matrices and embedding tables are decayed.
type ParamTag int

const (
	TagWeight ParamTag = iota // linear weight, default init
	TagResidualProj           // linear weight feeding a residual add
	TagEmbedding              // embedding table
	TagBias                   // linear bias, zero init
	TagNormWeight             // layernorm scale, ones init
	TagNormBias               // layernorm shift, zero init
)

// Decayed reports whether tensors with this tag belong to the
// weight-decayed optimizer group.
func (tag ParamTag) Decayed() bool {
	switch tag {
	case TagWeight, TagResidualProj, TagEmbedding:
		return true
	}
	return false
}

// ParamSegment locates one named parameter tensor inside the flat
// parameter memory.
type ParamSegment struct {
	Name   string
	Tag    ParamTag
	Offset int
	Size   int
}

// ParameterTensors holds all model weights in one flat allocation, with
// named views carved out of it. WordTokEmbed doubles as the output
// projection: the token embedding and the language-model head are the
// same storage (weight tying), so gradients from both use sites land in
// the same place.
type ParameterTensors struct {
	Memory        []float32
	segments      []ParamSegment
	WordTokEmbed  tensor // (V, C) token embedding, also the tied lm head
	WordPosEmbed  tensor // (maxT, C) position embedding
	LayerNorm1W   tensor // (L, C) pre-attention layernorm scale
	LayerNorm1B   tensor // (L, C) pre-attention layernorm shift
	QueryKeyValW  tensor // (L, 3C, C) fused q/k/v projection
	QueryKeyValB  tensor // (L, 3C)
	AttProjW      tensor // (L, C, C) attention output projection
	AttProjB      tensor // (L, C)
	LayerNorm2W   tensor // (L, C) pre-feedforward layernorm scale
	LayerNorm2B   tensor // (L, C) pre-feedforward layernorm shift
	FeedFwdW      tensor // (L, 4C, C) feedforward expansion
	FeedFwdB      tensor // (L, 4C)
	FeedFwdProjW  tensor // (L, C, 4C) feedforward contraction
	FeedFwdProjB  tensor // (L, C)
	LayerFinNormW tensor // (C) final layernorm scale
	LayerFinNormB tensor // (C) final layernorm shift
}

func (p *ParameterTensors) Init(V, C, maxSeqLen, L int) {
	p.Memory = make([]float32,
		V*C+ // WordTokEmbed
			maxSeqLen*C+ // WordPosEmbed
			2*L*C+ // LayerNorm1W, LayerNorm1B
			L*3*C*C+ // QueryKeyValW
			L*3*C+ // QueryKeyValB
			L*C*C+ // AttProjW
			L*C+ // AttProjB
			2*L*C+ // LayerNorm2W, LayerNorm2B
			L*4*C*C+ // FeedFwdW
			L*4*C+ // FeedFwdB
			L*C*4*C+ // FeedFwdProjW
			L*C+ // FeedFwdProjB
			2*C, // LayerFinNormW, LayerFinNormB
	)
	p.segments = p.segments[:0]
	mem := p.Memory
	offset := 0
	next := func(name string, tag ParamTag, dims ...int) tensor {
		t, n := newTensor(mem, dims...)
		p.segments = append(p.segments, ParamSegment{Name: name, Tag: tag, Offset: offset, Size: n})
		mem = mem[n:]
		offset += n
		return t
	}
	p.WordTokEmbed = next("wte", TagEmbedding, V, C)
	p.WordPosEmbed = next("wpe", TagEmbedding, maxSeqLen, C)
	p.LayerNorm1W = next("ln1w", TagNormWeight, L, C)
	p.LayerNorm1B = next("ln1b", TagNormBias, L, C)
	p.QueryKeyValW = next("qkvw", TagWeight, L, 3*C, C)
	p.QueryKeyValB = next("qkvb", TagBias, L, 3*C)
	p.AttProjW = next("attprojw", TagResidualProj, L, C, C)
	p.AttProjB = next("attprojb", TagBias, L, C)
	p.LayerNorm2W = next("ln2w", TagNormWeight, L, C)
	p.LayerNorm2B = next("ln2b", TagNormBias, L, C)
	p.FeedFwdW = next("fcw", TagWeight, L, 4*C, C)
	p.FeedFwdB = next("fcb", TagBias, L, 4*C)
	p.FeedFwdProjW = next("fcprojw", TagResidualProj, L, C, 4*C)
	p.FeedFwdProjB = next("fcprojb", TagBias, L, C)
	p.LayerFinNormW = next("lnfw", TagNormWeight, C)
	p.LayerFinNormB = next("lnfb", TagNormBias, C)
	if len(mem) != 0 {
		panic("parameter memory was not fully assigned")
	}
}

func (p *ParameterTensors) Len() int { return len(p.Memory) }

// Segments returns the named views into Memory in declaration order. The
// same offsets apply to any buffer laid out like Memory, such as the
// gradient and optimizer moment buffers.
func (p *ParameterTensors) Segments() []ParamSegment { return p.segments }

// ActivationTensors holds every intermediate of a forward pass, again as
// named views into one flat allocation. Mean/rstd buffers are retained
// for the backward pass.
type ActivationTensors struct {
	Memory             []float32
	Encoded            tensor // (B, T, C) token + position embedding sum
	LayerNorm1Act      tensor // (L, B, T, C)
	LayerNorm1Mean     tensor // (L, B, T)
	LayerNorm1Rstd     tensor // (L, B, T)
	QueryKeyVal        tensor // (L, B, T, 3C)
	AttentionOut       tensor // (L, B, T, C) concatenated head outputs
	PreAttention       tensor // (L, B, NH, T, T) scaled scores before softmax
	Attention          tensor // (L, B, NH, T, T) post-softmax weights
	AttentionProj      tensor // (L, B, T, C)
	Residual2          tensor // (L, B, T, C) residual stream after attention
	LayerNorm2Act      tensor // (L, B, T, C)
	LayerNorm2Mean     tensor // (L, B, T)
	LayerNorm2Rstd     tensor // (L, B, T)
	FeedForward        tensor // (L, B, T, 4C)
	FeedForwardGelu    tensor // (L, B, T, 4C)
	FeedForwardProj    tensor // (L, B, T, C)
	Residual3          tensor // (L, B, T, C) residual stream after feedforward
	LayerNormFinal     tensor // (B, T, C)
	LayerNormFinalMean tensor // (B, T)
	LayerNormFinalStd  tensor // (B, T)
	Logits             tensor // (B, T, V)
	Probabilities      tensor // (B, T, V)
	Losses             tensor // (B, T)
}

func (a *ActivationTensors) Init(B, C, T, L, NH, V int) {
	a.Memory = make([]float32,
		B*T*C+
			L*B*T*C+
			2*L*B*T+
			L*B*T*3*C+
			L*B*T*C+
			2*L*B*NH*T*T+
			2*L*B*T*C+
			L*B*T*C+
			2*L*B*T+
			2*L*B*T*4*C+
			2*L*B*T*C+
			B*T*C+
			2*B*T+
			2*B*T*V+
			B*T,
	)
	mem := a.Memory
	next := func(dims ...int) tensor {
		t, n := newTensor(mem, dims...)
		mem = mem[n:]
		return t
	}
	a.Encoded = next(B, T, C)
	a.LayerNorm1Act = next(L, B, T, C)
	a.LayerNorm1Mean = next(L, B, T)
	a.LayerNorm1Rstd = next(L, B, T)
	a.QueryKeyVal = next(L, B, T, 3*C)
	a.AttentionOut = next(L, B, T, C)
	a.PreAttention = next(L, B, NH, T, T)
	a.Attention = next(L, B, NH, T, T)
	a.AttentionProj = next(L, B, T, C)
	a.Residual2 = next(L, B, T, C)
	a.LayerNorm2Act = next(L, B, T, C)
	a.LayerNorm2Mean = next(L, B, T)
	a.LayerNorm2Rstd = next(L, B, T)
	a.FeedForward = next(L, B, T, 4*C)
	a.FeedForwardGelu = next(L, B, T, 4*C)
	a.FeedForwardProj = next(L, B, T, C)
	a.Residual3 = next(L, B, T, C)
	a.LayerNormFinal = next(B, T, C)
	a.LayerNormFinalMean = next(B, T)
	a.LayerNormFinalStd = next(B, T)
	a.Logits = next(B, T, V)
	a.Probabilities = next(B, T, V)
	a.Losses = next(B, T)
	if len(mem) != 0 {
		panic("activation memory was not fully assigned")
	}
}
