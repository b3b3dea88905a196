package skyhook

import (
	"encoding/binary"
	"fmt"
	"math"
)

type ArrayType string

const (
	Uint8Array   ArrayType = "uint8"
	Float32Array ArrayType = "float32"
)

// Bytes per primitive.
func (t ArrayType) Size() int {
	switch t {
	case Uint8Array:
		return 1
	case Float32Array:
		return 4
	default:
		panic(fmt.Errorf("unknown array type %s", t))
	}
}

// Array is a dense n-dimensional array of uint8 or float32 values.
// Transforms return arrays whose leading dimension is the batch; hooks keep
// per-example arrays as records.
// Exactly one of Bytes and Floats is set, according to Type.
type Array struct {
	Shape  []int
	Type   ArrayType
	Bytes  []uint8   `json:",omitempty"`
	Floats []float32 `json:",omitempty"`
}

func NewUint8Array(shape ...int) Array {
	return Array{
		Shape: append([]int{}, shape...),
		Type:  Uint8Array,
		Bytes: make([]uint8, product(shape)),
	}
}

func NewFloat32Array(shape ...int) Array {
	return Array{
		Shape:  append([]int{}, shape...),
		Type:   Float32Array,
		Floats: make([]float32, product(shape)),
	}
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Number of elements.
func (a Array) Len() int {
	return product(a.Shape)
}

// Copy materializes the array into freshly allocated memory so it can outlive
// whatever buffer it was computed from.
func (a Array) Copy() Array {
	out := Array{
		Shape: append([]int{}, a.Shape...),
		Type:  a.Type,
	}
	if a.Bytes != nil {
		out.Bytes = append([]uint8{}, a.Bytes...)
	}
	if a.Floats != nil {
		out.Floats = append([]float32{}, a.Floats...)
	}
	return out
}

// Unbind splits the array along its leading dimension.
// The returned arrays alias a.
func (a Array) Unbind() []Array {
	if len(a.Shape) == 0 {
		return []Array{a}
	}
	n := a.Shape[0]
	inner := a.Shape[1:]
	stride := product(inner)
	out := make([]Array, n)
	for i := 0; i < n; i++ {
		out[i] = Array{
			Shape: append([]int{}, inner...),
			Type:  a.Type,
		}
		if a.Type == Uint8Array {
			out[i].Bytes = a.Bytes[i*stride : (i+1)*stride]
		} else {
			out[i].Floats = a.Floats[i*stride : (i+1)*stride]
		}
	}
	return out
}

// Squeeze drops a leading dimension of size one.
func (a Array) Squeeze() Array {
	if len(a.Shape) > 1 && a.Shape[0] == 1 {
		a.Shape = append([]int{}, a.Shape[1:]...)
	}
	return a
}

// Encode serializes the values in little-endian order.
func (a Array) Encode() []byte {
	if a.Type == Uint8Array {
		return append([]byte{}, a.Bytes...)
	}
	buf := make([]byte, 4*len(a.Floats))
	for i, f := range a.Floats {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func DecodeArray(t ArrayType, shape []int, buf []byte) (Array, error) {
	n := product(shape)
	if len(buf) != n*t.Size() {
		return Array{}, fmt.Errorf("array of shape %v needs %d bytes, got %d", shape, n*t.Size(), len(buf))
	}
	a := Array{
		Shape: append([]int{}, shape...),
		Type:  t,
	}
	if t == Uint8Array {
		a.Bytes = append([]uint8{}, buf...)
		return a, nil
	}
	a.Floats = make([]float32, n)
	for i := range a.Floats {
		a.Floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return a, nil
}

// MinMax returns the smallest and largest element.
func (a Array) MinMax() (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < a.Len(); i++ {
		var v float64
		if a.Type == Uint8Array {
			v = float64(a.Bytes[i])
		} else {
			v = float64(a.Floats[i])
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}
