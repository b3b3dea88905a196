package graph

import (
	"context"
	"testing"

	"github.com/skyhookml/explain/skyhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConv2DIdentityKernel(t *testing.T) {
	conv := NewConv2D(1, 1, 3)
	conv.Weights[4] = 1 // center tap
	conv.Bias[0] = 0.5
	x := ramp(4)
	out, err := conv.Forward(context.Background(), skyhook.Single(x))
	require.NoError(t, err)
	y, _ := out.Select(0)
	assert.Equal(t, []float32{0.5, 1.5, 2.5, 3.5}, y.Data)

	_, err = NewConv2D(2, 1, 1).Forward(context.Background(), skyhook.Single(x))
	assert.ErrorIs(t, err, skyhook.ErrShape)
}

func TestAvgPoolAndPyramid(t *testing.T) {
	x := skyhook.NewTensor(1, 1, 4, 4)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}
	out, err := AvgPool2D{Size: 2}.Forward(context.Background(), skyhook.Single(x))
	require.NoError(t, err)
	y, _ := out.Select(0)
	assert.Equal(t, []float32{2.5, 4.5, 10.5, 12.5}, y.Data)

	out, err = Pyramid{Levels: 3}.Forward(context.Background(), skyhook.Single(x))
	require.NoError(t, err)
	require.True(t, out.IsSequence())
	var sizes [][4]int
	for _, level := range out.Tensors() {
		sizes = append(sizes, level.Shape())
	}
	assert.Equal(t, [][4]int{{1, 1, 4, 4}, {1, 1, 2, 2}, {1, 1, 1, 1}}, sizes)

	_, err = Pyramid{Levels: 4}.Forward(context.Background(), skyhook.Single(x))
	assert.ErrorIs(t, err, skyhook.ErrShape)
}

func TestReLUKeepsSequence(t *testing.T) {
	a := skyhook.NewTensor(1, 1, 1, 2)
	a.Data = []float32{-1, 1}
	out, err := ReLU{}.Forward(context.Background(), skyhook.Sequence(a, a))
	require.NoError(t, err)
	require.Equal(t, 2, out.Len())
	for _, x := range out.Tensors() {
		assert.Equal(t, []float32{0, 1}, x.Data)
	}
	assert.Equal(t, []float32{-1, 1}, a.Data)
}

func TestBuildDefaultModel(t *testing.T) {
	net, err := Build(DefaultModelConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"backbone", "neck", "head"}, net.StageNames())

	x := skyhook.NewTensor(2, 3, 16, 16)
	for i := range x.Data {
		x.Data[i] = float32(i%7) / 7
	}
	out, err := net.Forward(context.Background(), x)
	require.NoError(t, err)
	probs, _ := out.Select(0)
	assert.Equal(t, [4]int{2, 10, 1, 1}, probs.Shape())
	for b := 0; b < 2; b++ {
		var total float32
		for c := 0; c < 10; c++ {
			total += probs.At(b, c, 0, 0)
		}
		assert.InDelta(t, 1, total, 1e-5)
	}
}

func TestBuildRejectsUnknownLayer(t *testing.T) {
	cfg := ModelConfig{InputChannels: 3, Stages: []StageConfig{{Name: "x", Layers: []LayerConfig{{Type: "lstm"}}}}}
	_, err := Build(cfg)
	assert.Error(t, err)
}
