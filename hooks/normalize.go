package hooks

import (
	"errors"
	"fmt"
	"math"

	"github.com/skyhookml/explain/skyhook"
)

var (
	ErrNonFinite       = errors.New("activation contains NaN or Inf")
	ErrDegenerateShape = errors.New("degenerate activation shape")
)

// Epsilon guards the min-max normalization against flat maps.
const Epsilon = 1e-12

func checkFinite(x *skyhook.Tensor) error {
	for i, v := range x.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: value %v at offset %d of %v", ErrNonFinite, v, i, x)
		}
	}
	return nil
}

func checkSpatial(x *skyhook.Tensor) error {
	if x.Height*x.Width == 0 || x.Channels == 0 {
		return fmt.Errorf("%w: %v", ErrDegenerateShape, x)
	}
	return nil
}

// normalizeInto scales one example's saliency values to [0, 255] with
// 255 * (v - min) / (max - min + eps) and truncates into dst.
// The arithmetic is float32, where eps vanishes next to any usable range, so
// the peak maps to exactly 255 and a flat map maps to 0. Ranges too wide for
// float32 are computed in float64.
func normalizeInto(dst []uint8, values []float32) {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if math.IsInf(float64(span), 0) {
		den := (float64(hi) - float64(lo)) + Epsilon
		for i, v := range values {
			dst[i] = truncateByte((float64(v) - float64(lo)) / den * 255)
		}
		return
	}
	den := span + float32(Epsilon)
	for i, v := range values {
		dst[i] = truncateByte(float64((v - lo) / den * 255))
	}
}

func truncateByte(q float64) uint8 {
	if q <= 0 {
		return 0
	} else if q >= 255 {
		return 255
	}
	return uint8(q)
}
