package hooks

import (
	"errors"
	"math"
	"testing"

	"github.com/skyhookml/explain/skyhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled(batch, channels, height, width int, f func(b, c, h, w int) float32) *skyhook.Tensor {
	x := skyhook.NewTensor(batch, channels, height, width)
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			for h := 0; h < height; h++ {
				for w := 0; w < width; w++ {
					x.Set(b, c, h, w, f(b, c, h, w))
				}
			}
		}
	}
	return x
}

func TestFeatureVectorConstant(t *testing.T) {
	x := filled(3, 4, 5, 6, func(b, c, h, w int) float32 { return 2.5 })
	out, err := FeatureVector{}.Apply(skyhook.Single(x))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, out.Shape)
	for _, v := range out.Floats {
		assert.InDelta(t, 2.5, v, 1e-6)
	}
}

func TestFeatureVectorPyramidConcat(t *testing.T) {
	big := filled(2, 2, 4, 4, func(b, c, h, w int) float32 { return float32(10*b + c) })
	small := filled(2, 3, 2, 2, func(b, c, h, w int) float32 { return float32(100 + 10*b + c + h) })
	out, err := FeatureVector{}.Apply(skyhook.Sequence(big, small))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, out.Shape)
	assert.InDeltaSlice(t, []float32{0, 1, 100.5, 101.5, 102.5, 10, 11, 110.5, 111.5, 112.5}, out.Floats, 1e-5)

	_, err = FeatureVector{}.Apply(skyhook.Sequence())
	assert.True(t, errors.Is(err, skyhook.ErrEmptySequence))
}

func TestSaliencyMapConcreteExample(t *testing.T) {
	// channel 0 is all ones, channel 1 all threes: the channel mean is flat
	x, err := skyhook.TensorFromData(1, 2, 2, 2, []float32{1, 1, 1, 1, 3, 3, 3, 3})
	require.NoError(t, err)
	out, err := SaliencyMap{}.Apply(skyhook.Single(x))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, out.Shape)
	assert.Equal(t, []uint8{0, 0, 0, 0}, out.Bytes)
}

func TestSaliencyMapRange(t *testing.T) {
	x := filled(3, 4, 6, 7, func(b, c, h, w int) float32 {
		return float32(math.Sin(float64(b*97+c*13+h*7+w)) * float64(b+1))
	})
	for _, transform := range []Transform{SaliencyMap{}, EigenCAM{}} {
		out, err := transform.Apply(skyhook.Single(x))
		require.NoError(t, err)
		for _, example := range out.Unbind() {
			lo, hi := example.MinMax()
			assert.Equal(t, 0.0, lo, transform.Name())
			assert.Equal(t, 255.0, hi, transform.Name())
		}
	}
}

func TestSaliencyMapValues(t *testing.T) {
	// channel mean over a 1x3 map is [0, 1, 2]
	x := filled(1, 2, 1, 3, func(b, c, h, w int) float32 { return float32(w + c*2 - 1) })
	out, err := SaliencyMap{}.Apply(skyhook.Single(x))
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 127, 255}, out.Bytes)
}

func TestSaliencyMapRangeBeyondFloat32(t *testing.T) {
	// max - min overflows float32 although every value is finite
	x, err := skyhook.TensorFromData(1, 1, 1, 3, []float32{-3e38, 0, 3e38})
	require.NoError(t, err)
	out, err := SaliencyMap{}.Apply(skyhook.Single(x))
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 127, 255}, out.Bytes)

	dst := make([]uint8, 2)
	normalizeInto(dst, []float32{3e38, -3e38})
	assert.Equal(t, []uint8{255, 0}, dst)
}

func TestSaliencyMapSelectsPyramidLevel(t *testing.T) {
	levels := []*skyhook.Tensor{
		filled(2, 3, 8, 8, func(b, c, h, w int) float32 { return float32(h * w) }),
		filled(2, 3, 4, 4, func(b, c, h, w int) float32 { return float32((b+1)*h - c*w) }),
		filled(2, 3, 2, 2, func(b, c, h, w int) float32 { return float32(c) }),
	}
	got, err := SaliencyMap{FPNIndex: 1}.Apply(skyhook.Sequence(levels...))
	require.NoError(t, err)
	want, err := SaliencyMap{}.Apply(skyhook.Single(levels[1]))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []int{2, 4, 4}, got.Shape)

	_, err = SaliencyMap{FPNIndex: 3}.Apply(skyhook.Sequence(levels...))
	assert.True(t, errors.Is(err, skyhook.ErrIndex))
}

func TestSaliencyRejectsBadInput(t *testing.T) {
	x := skyhook.NewTensor(1, 2, 2, 2)
	x.Data[5] = float32(math.Inf(1))
	_, err := SaliencyMap{}.Apply(skyhook.Single(x))
	assert.True(t, errors.Is(err, ErrNonFinite))

	_, err = SaliencyMap{}.Apply(skyhook.Single(skyhook.NewTensor(1, 2, 0, 3)))
	assert.True(t, errors.Is(err, ErrDegenerateShape))

	_, err = EigenCAM{}.Apply(skyhook.Single(skyhook.NewTensor(1, 2, 3, 0)))
	assert.True(t, errors.Is(err, ErrDegenerateShape))
}

func TestEigenCAMRankOne(t *testing.T) {
	// every channel is a scaled copy of one spatial pattern plus a per-channel
	// offset, so the principal projection is the pattern itself
	pattern := []float32{0, 0, 1, 2, 10, 3, 0, 1, 0}
	weights := []float32{1, -2, 0.5, 3}
	x := filled(1, 4, 3, 3, func(b, c, h, w int) float32 {
		return weights[c]*pattern[h*3+w] + float32(c)
	})
	out, err := EigenCAM{}.Apply(skyhook.Single(x))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 3}, out.Shape)
	for p, v := range out.Bytes {
		expected := 255 * pattern[p] / 10
		assert.InDelta(t, expected, float32(v), 1, "pixel %d", p)
	}
	assert.Equal(t, uint8(255), out.Bytes[4])
}

func TestEigenCAMUsesChannelsAsFeatures(t *testing.T) {
	// two channels varying in opposite directions across space: the principal
	// axis runs along space, so left and right pixels land at opposite ends
	x := filled(1, 2, 1, 4, func(b, c, h, w int) float32 {
		if c == 0 {
			return float32(w)
		}
		return float32(3 - w)
	})
	x.Set(0, 0, 0, 3, 6)
	out, err := EigenCAM{}.Apply(skyhook.Single(x))
	require.NoError(t, err)
	assert.Equal(t, uint8(255), out.Bytes[3])
	assert.Equal(t, uint8(0), out.Bytes[0])
}

func TestEigenCAMSignInvariance(t *testing.T) {
	x := filled(2, 5, 4, 4, func(b, c, h, w int) float32 {
		v := math.Cos(float64(c*5+h*3+w+b)) + 0.3*float64(c)
		if h == 1 && w == 2 {
			v += 4 * float64(c+1)
		}
		return float32(v)
	})
	a, err := EigenCAM{}.Apply(skyhook.Single(x))
	require.NoError(t, err)
	b, err := EigenCAM{}.Apply(skyhook.Single(x.Negate()))
	require.NoError(t, err)
	require.Equal(t, a.Shape, b.Shape)
	for i := range a.Bytes {
		assert.InDelta(t, int(a.Bytes[i]), int(b.Bytes[i]), 1, "pixel %d", i)
	}
}

func TestEigenCAMDeterministic(t *testing.T) {
	x := filled(1, 6, 5, 5, func(b, c, h, w int) float32 {
		return float32(math.Sin(float64(c*h + w)))
	})
	a, err := EigenCAM{}.Apply(skyhook.Single(x))
	require.NoError(t, err)
	b, err := EigenCAM{}.Apply(skyhook.Single(x.Copy()))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEigenCAMFlatActivation(t *testing.T) {
	x := filled(1, 3, 4, 4, func(b, c, h, w int) float32 { return float32(c) })
	out, err := EigenCAM{}.Apply(skyhook.Single(x))
	require.NoError(t, err)
	for _, v := range out.Bytes {
		assert.Equal(t, uint8(0), v)
	}
}

func TestEigenCAMNonFinite(t *testing.T) {
	x := skyhook.NewTensor(1, 2, 2, 2)
	x.Data[0] = float32(math.NaN())
	_, err := EigenCAM{}.Apply(skyhook.Single(x))
	assert.True(t, errors.Is(err, ErrNonFinite))
}
