package hooks

import (
	"errors"
	"fmt"
	"math"

	"github.com/skyhookml/explain/skyhook"

	"gonum.org/v1/gonum/mat"
)

var ErrSVD = errors.New("singular value decomposition failed")

// EigenCAM projects each example's activation onto its principal component.
//
// Spatial positions are the observations and channels the features: the
// activation is reshaped to a (height*width, channels) matrix, each channel is
// centered over space, and every position is projected onto the first right
// singular vector. The projection is normalized like SaliencyMap.
//
// Singular vectors are only defined up to sign, so the projection is oriented
// to make its largest-magnitude value positive. This makes X and -X yield the
// same map.
type EigenCAM struct {
	FPNIndex int
}

func (EigenCAM) Name() string {
	return "eigen_cam"
}

func (t EigenCAM) Apply(fm skyhook.FeatureMap) (skyhook.Array, error) {
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
	for b := 0; b < x.Batch; b++ {
		projection, err := principalProjection(x, b)
		if err != nil {
			return skyhook.Array{}, fmt.Errorf("example %d: %w", b, err)
		}
		normalizeInto(out.Bytes[b*n:(b+1)*n], projection)
	}
	return out, nil
}

func principalProjection(x *skyhook.Tensor, b int) ([]float32, error) {
	n := x.Height * x.Width
	a := mat.NewDense(n, x.Channels, nil)
	for c := 0; c < x.Channels; c++ {
		plane := x.Plane(b, c)
		var mean float64
		for _, v := range plane {
			mean += float64(v)
		}
		mean /= float64(n)
		for p, v := range plane {
			a.Set(p, c, float64(v)-mean)
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThinV); !ok {
		return nil, ErrSVD
	}
	var v mat.Dense
	svd.VTo(&v)
	var proj mat.VecDense
	proj.MulVec(a, v.ColView(0))

	peak := 0
	for p := 1; p < n; p++ {
		if math.Abs(proj.AtVec(p)) > math.Abs(proj.AtVec(peak)) {
			peak = p
		}
	}
	sign := 1.0
	if proj.AtVec(peak) < 0 {
		sign = -1
	}
	values := make([]float32, n)
	for p := range values {
		values[p] = float32(sign * proj.AtVec(p))
	}
	return values, nil
}
