package gpt2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameterTensorsLayout(t *testing.T) {
	V, C, maxT, L := 7, 4, 5, 2
	var p ParameterTensors
	p.Init(V, C, maxT, L)

	segs := p.Segments()
	require.Len(t, segs, 16)

	// segments tile the flat memory with no gaps
	offset := 0
	total := 0
	for _, seg := range segs {
		assert.Equal(t, offset, seg.Offset, "segment %s offset", seg.Name)
		offset += seg.Size
		total += seg.Size
	}
	assert.Equal(t, total, p.Len())

	// writes through a named view are visible in the flat memory
	p.WordTokEmbed.data[0] = 42
	assert.Equal(t, float32(42), p.Memory[0])
	p.LayerFinNormB.data[C-1] = 7
	assert.Equal(t, float32(7), p.Memory[p.Len()-1])
}

func TestParamTagDecayed(t *testing.T) {
	tests := []struct {
		tag  ParamTag
		want bool
	}{
		{TagWeight, true},
		{TagResidualProj, true},
		{TagEmbedding, true},
		{TagBias, false},
		{TagNormWeight, false},
		{TagNormBias, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.tag.Decayed(), "tag %d", tt.tag)
	}
}

func TestParameterTensorsTags(t *testing.T) {
	var p ParameterTensors
	p.Init(3, 4, 2, 2)
	wantTags := map[string]ParamTag{
		"wte":      TagEmbedding,
		"wpe":      TagEmbedding,
		"qkvw":     TagWeight,
		"fcw":      TagWeight,
		"attprojw": TagResidualProj,
		"fcprojw":  TagResidualProj,
		"qkvb":     TagBias,
		"ln1w":     TagNormWeight,
		"lnfb":     TagNormBias,
	}
	got := map[string]ParamTag{}
	for _, seg := range p.Segments() {
		got[seg.Name] = seg.Tag
	}
	for name, tag := range wantTags {
		assert.Equal(t, tag, got[name], "tag of %s", name)
	}
}

func TestNewTensorPanicsOnShortData(t *testing.T) {
	assert.Panics(t, func() {
		newTensor(make([]float32, 3), 2, 2)
	})
}
