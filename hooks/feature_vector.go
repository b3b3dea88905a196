package hooks

import (
	"fmt"

	"github.com/skyhookml/explain/skyhook"
)

// FeatureVector global-average-pools each tensor of the stage output over its
// spatial dimensions. Pyramid outputs are pooled level by level and
// concatenated along the channel axis, so the result is (batch, sum of channels).
type FeatureVector struct{}

func (FeatureVector) Name() string {
	return "feature_vector"
}

func (FeatureVector) Apply(fm skyhook.FeatureMap) (skyhook.Array, error) {
	tensors := fm.Tensors()
	if len(tensors) == 0 {
		return skyhook.Array{}, skyhook.ErrEmptySequence
	}
	batch := tensors[0].Batch
	channels := 0
	for _, x := range tensors {
		if x.Batch != batch {
			return skyhook.Array{}, fmt.Errorf("%w: pyramid levels disagree on batch size (%d vs %d)", skyhook.ErrShape, x.Batch, batch)
		}
		if err := checkSpatial(x); err != nil {
			return skyhook.Array{}, err
		}
		if err := checkFinite(x); err != nil {
			return skyhook.Array{}, err
		}
		channels += x.Channels
	}

	out := skyhook.NewFloat32Array(batch, channels)
	for b := 0; b < batch; b++ {
		row := out.Floats[b*channels : (b+1)*channels]
		pos := 0
		for _, x := range tensors {
			n := float64(x.Height * x.Width)
			for c := 0; c < x.Channels; c++ {
				var sum float64
				for _, v := range x.Plane(b, c) {
					sum += float64(v)
				}
				row[pos] = float32(sum / n)
				pos++
			}
		}
	}
	return out, nil
}
