package skyhook

import (
	"errors"
	"fmt"
)

var (
	ErrShape         = errors.New("tensor shape mismatch")
	ErrEmptySequence = errors.New("empty feature map sequence")
	ErrIndex         = errors.New("feature map index out of range")
)

// Tensor is a 4D activation laid out row-major as (batch, channel, height, width).
type Tensor struct {
	Batch    int
	Channels int
	Height   int
	Width    int
	Data     []float32
}

func NewTensor(batch, channels, height, width int) *Tensor {
	return &Tensor{
		Batch:    batch,
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, batch*channels*height*width),
	}
}

// TensorFromData wraps data without copying it.
func TensorFromData(batch, channels, height, width int, data []float32) (*Tensor, error) {
	if batch < 0 || channels < 0 || height < 0 || width < 0 {
		return nil, fmt.Errorf("%w: negative dimension in (%d, %d, %d, %d)", ErrShape, batch, channels, height, width)
	}
	if len(data) != batch*channels*height*width {
		return nil, fmt.Errorf("%w: %d values for (%d, %d, %d, %d)", ErrShape, len(data), batch, channels, height, width)
	}
	return &Tensor{
		Batch:    batch,
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     data,
	}, nil
}

func (t *Tensor) Shape() [4]int {
	return [4]int{t.Batch, t.Channels, t.Height, t.Width}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%d, %d, %d, %d)", t.Batch, t.Channels, t.Height, t.Width)
}

func (t *Tensor) index(b, c, h, w int) int {
	return ((b*t.Channels+c)*t.Height+h)*t.Width + w
}

func (t *Tensor) At(b, c, h, w int) float32 {
	return t.Data[t.index(b, c, h, w)]
}

func (t *Tensor) Set(b, c, h, w int, v float32) {
	t.Data[t.index(b, c, h, w)] = v
}

// Plane returns the (height*width) slice for one example and channel.
// The slice aliases the tensor data.
func (t *Tensor) Plane(b, c int) []float32 {
	n := t.Height * t.Width
	start := (b*t.Channels + c) * n
	return t.Data[start : start+n]
}

// Example returns a batch-of-one view of example b. The view aliases the tensor data.
func (t *Tensor) Example(b int) *Tensor {
	n := t.Channels * t.Height * t.Width
	return &Tensor{
		Batch:    1,
		Channels: t.Channels,
		Height:   t.Height,
		Width:    t.Width,
		Data:     t.Data[b*n : (b+1)*n],
	}
}

func (t *Tensor) Copy() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Batch:    t.Batch,
		Channels: t.Channels,
		Height:   t.Height,
		Width:    t.Width,
		Data:     data,
	}
}

// Negate returns a copy with every value negated.
func (t *Tensor) Negate() *Tensor {
	out := t.Copy()
	for i := range out.Data {
		out.Data[i] = -out.Data[i]
	}
	return out
}

// StackTensors concatenates tensors with identical (channel, height, width) along the batch axis.
func StackTensors(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShape)
	}
	first := tensors[0]
	batch := 0
	for _, t := range tensors {
		if t.Channels != first.Channels || t.Height != first.Height || t.Width != first.Width {
			return nil, fmt.Errorf("%w: cannot stack %v with %v", ErrShape, t, first)
		}
		batch += t.Batch
	}
	out := NewTensor(batch, first.Channels, first.Height, first.Width)
	pos := 0
	for _, t := range tensors {
		pos += copy(out.Data[pos:], t.Data)
	}
	return out, nil
}

type featureMapKind int

const (
	singleMap featureMapKind = iota
	sequenceMap
)

// FeatureMap is what a stage yields: either one tensor, or an ordered sequence
// of tensors (one per pyramid level, largest resolution first).
type FeatureMap struct {
	kind   featureMapKind
	single *Tensor
	seq    []*Tensor
}

func Single(t *Tensor) FeatureMap {
	return FeatureMap{kind: singleMap, single: t}
}

func Sequence(tensors ...*Tensor) FeatureMap {
	return FeatureMap{kind: sequenceMap, seq: tensors}
}

func (fm FeatureMap) IsSequence() bool {
	return fm.kind == sequenceMap
}

func (fm FeatureMap) Len() int {
	if fm.kind == singleMap {
		if fm.single == nil {
			return 0
		}
		return 1
	}
	return len(fm.seq)
}

// Tensors returns the tensors in order; a single map yields one element.
func (fm FeatureMap) Tensors() []*Tensor {
	if fm.kind == singleMap {
		if fm.single == nil {
			return nil
		}
		return []*Tensor{fm.single}
	}
	return fm.seq
}

// Select resolves the map to one tensor. idx is only consulted for sequences.
func (fm FeatureMap) Select(idx int) (*Tensor, error) {
	if fm.kind == singleMap {
		if fm.single == nil {
			return nil, ErrEmptySequence
		}
		return fm.single, nil
	}
	if len(fm.seq) == 0 {
		return nil, ErrEmptySequence
	}
	if idx < 0 || idx >= len(fm.seq) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndex, idx, len(fm.seq))
	}
	return fm.seq[idx], nil
}

func (fm FeatureMap) String() string {
	if fm.kind == singleMap {
		return fmt.Sprintf("Single(%v)", fm.single)
	}
	return fmt.Sprintf("Sequence%v", fm.seq)
}
