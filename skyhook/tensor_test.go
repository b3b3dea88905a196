package skyhook

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorIndexing(t *testing.T) {
	x := NewTensor(2, 3, 4, 5)
	x.Set(1, 2, 3, 4, 7)
	assert.Equal(t, float32(7), x.Data[len(x.Data)-1])
	assert.Equal(t, float32(7), x.At(1, 2, 3, 4))
	assert.Equal(t, float32(7), x.Plane(1, 2)[19])

	ex := x.Example(1)
	assert.Equal(t, [4]int{1, 3, 4, 5}, ex.Shape())
	assert.Equal(t, float32(7), ex.At(0, 2, 3, 4))
}

func TestTensorFromDataShape(t *testing.T) {
	_, err := TensorFromData(1, 2, 2, 2, make([]float32, 7))
	require.True(t, errors.Is(err, ErrShape))

	x, err := TensorFromData(1, 2, 2, 2, make([]float32, 8))
	require.NoError(t, err)
	assert.Equal(t, [4]int{1, 2, 2, 2}, x.Shape())
}

func TestStackTensors(t *testing.T) {
	a := NewTensor(1, 2, 1, 1)
	a.Data = []float32{1, 2}
	b := NewTensor(2, 2, 1, 1)
	b.Data = []float32{3, 4, 5, 6}
	out, err := StackTensors([]*Tensor{a, b})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Batch)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, out.Data)

	_, err = StackTensors([]*Tensor{a, NewTensor(1, 3, 1, 1)})
	assert.True(t, errors.Is(err, ErrShape))
}

func TestFeatureMapSelect(t *testing.T) {
	a, b, c := NewTensor(1, 1, 4, 4), NewTensor(1, 1, 2, 2), NewTensor(1, 1, 1, 1)

	single := Single(a)
	got, err := single.Select(5)
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.False(t, single.IsSequence())

	seq := Sequence(a, b, c)
	got, err = seq.Select(1)
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, 3, seq.Len())

	_, err = seq.Select(3)
	assert.True(t, errors.Is(err, ErrIndex))

	_, err = Sequence().Select(0)
	assert.True(t, errors.Is(err, ErrEmptySequence))
}
