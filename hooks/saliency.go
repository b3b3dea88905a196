package hooks

import (
	"github.com/skyhookml/explain/skyhook"
)

// SaliencyMap averages the activation over channels and normalizes each example
// to a (height, width) uint8 map. For pyramid outputs only level FPNIndex is
// used; the default 0 is the largest resolution.
type SaliencyMap struct {
	FPNIndex int
}

func (SaliencyMap) Name() string {
	return "saliency_map"
}

func (t SaliencyMap) Apply(fm skyhook.FeatureMap) (skyhook.Array, error) {
	x, err := fm.Select(t.FPNIndex)
	if err != nil {
		return skyhook.Array{}, err
	}
	if err := checkSpatial(x); err != nil {
		return skyhook.Array{}, err
	}
	if err := checkFinite(x); err != nil {
		return skyhook.Array{}, err
	}

	n := x.Height * x.Width
	out := skyhook.NewUint8Array(x.Batch, x.Height, x.Width)
	mean := make([]float32, n)
	sums := make([]float64, n)
	for b := 0; b < x.Batch; b++ {
		for p := range sums {
			sums[p] = 0
		}
		for c := 0; c < x.Channels; c++ {
			for p, v := range x.Plane(b, c) {
				sums[p] += float64(v)
			}
		}
		for p, sum := range sums {
			mean[p] = float32(sum / float64(x.Channels))
		}
		normalizeInto(out.Bytes[b*n:(b+1)*n], mean)
	}
	return out, nil
}
