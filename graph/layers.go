package graph

import (
	"context"
	"fmt"
	"math"

	"github.com/skyhookml/explain/skyhook"
)

func singleInput(x skyhook.FeatureMap, layer string) (*skyhook.Tensor, error) {
	if x.IsSequence() {
		return nil, fmt.Errorf("%s expects a single tensor, got %v", layer, x)
	}
	return x.Select(0)
}

// Sequential chains layers inside one stage.
type Sequential []Layer

func (s Sequential) Forward(ctx context.Context, x skyhook.FeatureMap) (skyhook.FeatureMap, error) {
	for _, layer := range s {
		var err error
		x, err = layer.Forward(ctx, x)
		if err != nil {
			return skyhook.FeatureMap{}, err
		}
	}
	return x, nil
}

// Conv2D is a stride-one convolution with zero "same" padding.
// Weights are laid out (out, in, kernel, kernel).
type Conv2D struct {
	In      int
	Out     int
	Kernel  int
	Weights []float32
	Bias    []float32
}

func NewConv2D(in, out, kernel int) *Conv2D {
	return &Conv2D{
		In:      in,
		Out:     out,
		Kernel:  kernel,
		Weights: make([]float32, out*in*kernel*kernel),
		Bias:    make([]float32, out),
	}
}

func (l *Conv2D) Forward(ctx context.Context, fm skyhook.FeatureMap) (skyhook.FeatureMap, error) {
	x, err := singleInput(fm, "conv2d")
	if err != nil {
		return skyhook.FeatureMap{}, err
	}
	if x.Channels != l.In {
		return skyhook.FeatureMap{}, fmt.Errorf("conv2d: %w: expected %d input channels, got %v", skyhook.ErrShape, l.In, x)
	}
	k := l.Kernel
	pad := k / 2
	out := skyhook.NewTensor(x.Batch, l.Out, x.Height, x.Width)
	for b := 0; b < x.Batch; b++ {
		for o := 0; o < l.Out; o++ {
			dst := out.Plane(b, o)
			for i := 0; i < x.Height; i++ {
				for j := 0; j < x.Width; j++ {
					sum := l.Bias[o]
					for c := 0; c < l.In; c++ {
						src := x.Plane(b, c)
						w := l.Weights[(o*l.In+c)*k*k:]
						for di := 0; di < k; di++ {
							ii := i + di - pad
							if ii < 0 || ii >= x.Height {
								continue
							}
							for dj := 0; dj < k; dj++ {
								jj := j + dj - pad
								if jj < 0 || jj >= x.Width {
									continue
								}
								sum += w[di*k+dj] * src[ii*x.Width+jj]
							}
						}
					}
					dst[i*x.Width+j] = sum
				}
			}
		}
	}
	return skyhook.Single(out), nil
}

type ReLU struct{}

func (ReLU) Forward(ctx context.Context, fm skyhook.FeatureMap) (skyhook.FeatureMap, error) {
	tensors := fm.Tensors()
	outs := make([]*skyhook.Tensor, len(tensors))
	for i, x := range tensors {
		out := x.Copy()
		for p, v := range out.Data {
			if v < 0 {
				out.Data[p] = 0
			}
		}
		outs[i] = out
	}
	if fm.IsSequence() {
		return skyhook.Sequence(outs...), nil
	}
	return skyhook.Single(outs[0]), nil
}

// AvgPool2D averages non-overlapping Size x Size windows.
type AvgPool2D struct {
	Size int
}

func avgPool(x *skyhook.Tensor, size int) (*skyhook.Tensor, error) {
	height := skyhook.FloorDiv(x.Height-size, size) + 1
	width := skyhook.FloorDiv(x.Width-size, size) + 1
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("avgpool: %w: window %d larger than %v", skyhook.ErrShape, size, x)
	}
	out := skyhook.NewTensor(x.Batch, x.Channels, height, width)
	norm := float32(size * size)
	for b := 0; b < x.Batch; b++ {
		for c := 0; c < x.Channels; c++ {
			src := x.Plane(b, c)
			dst := out.Plane(b, c)
			for i := 0; i < height; i++ {
				for j := 0; j < width; j++ {
					var sum float32
					for di := 0; di < size; di++ {
						for dj := 0; dj < size; dj++ {
							sum += src[(i*size+di)*x.Width+j*size+dj]
						}
					}
					dst[i*width+j] = sum / norm
				}
			}
		}
	}
	return out, nil
}

func (l AvgPool2D) Forward(ctx context.Context, fm skyhook.FeatureMap) (skyhook.FeatureMap, error) {
	x, err := singleInput(fm, "avgpool")
	if err != nil {
		return skyhook.FeatureMap{}, err
	}
	out, err := avgPool(x, l.Size)
	if err != nil {
		return skyhook.FeatureMap{}, err
	}
	return skyhook.Single(out), nil
}

// Pyramid turns one tensor into Levels tensors, each half the resolution of the
// previous one, starting with the input itself.
type Pyramid struct {
	Levels int
}

func (l Pyramid) Forward(ctx context.Context, fm skyhook.FeatureMap) (skyhook.FeatureMap, error) {
	x, err := singleInput(fm, "pyramid")
	if err != nil {
		return skyhook.FeatureMap{}, err
	}
	levels := []*skyhook.Tensor{x.Copy()}
	for len(levels) < l.Levels {
		next, err := avgPool(levels[len(levels)-1], 2)
		if err != nil {
			return skyhook.FeatureMap{}, fmt.Errorf("pyramid level %d: %w", len(levels), err)
		}
		levels = append(levels, next)
	}
	return skyhook.Sequence(levels...), nil
}

// Classifier global-average-pools every input tensor, concatenates the pooled
// channels and applies a linear layer followed by softmax.
// Output is (batch, classes, 1, 1) probabilities.
type Classifier struct {
	In      int
	Classes int
	Weights []float32
	Bias    []float32
}

func NewClassifier(in, classes int) *Classifier {
	return &Classifier{
		In:      in,
		Classes: classes,
		Weights: make([]float32, classes*in),
		Bias:    make([]float32, classes),
	}
}

func (l *Classifier) Forward(ctx context.Context, fm skyhook.FeatureMap) (skyhook.FeatureMap, error) {
	tensors := fm.Tensors()
	if len(tensors) == 0 {
		return skyhook.FeatureMap{}, fmt.Errorf("classifier: %w", skyhook.ErrEmptySequence)
	}
	batch := tensors[0].Batch
	channels := 0
	for _, x := range tensors {
		channels += x.Channels
	}
	if channels != l.In {
		return skyhook.FeatureMap{}, fmt.Errorf("classifier: %w: expected %d pooled channels, got %d", skyhook.ErrShape, l.In, channels)
	}
	out := skyhook.NewTensor(batch, l.Classes, 1, 1)
	pooled := make([]float64, l.In)
	logits := make([]float64, l.Classes)
	for b := 0; b < batch; b++ {
		pos := 0
		for _, x := range tensors {
			for c := 0; c < x.Channels; c++ {
				var sum float64
				for _, v := range x.Plane(b, c) {
					sum += float64(v)
				}
				pooled[pos] = sum / float64(x.Height*x.Width)
				pos++
			}
		}
		maxLogit := math.Inf(-1)
		for o := 0; o < l.Classes; o++ {
			logit := float64(l.Bias[o])
			for c, v := range pooled {
				logit += float64(l.Weights[o*l.In+c]) * v
			}
			logits[o] = logit
			maxLogit = math.Max(maxLogit, logit)
		}
		var total float64
		for o := range logits {
			logits[o] = math.Exp(logits[o] - maxLogit)
			total += logits[o]
		}
		for o := range logits {
			out.Set(b, o, 0, 0, float32(logits[o]/total))
		}
	}
	return skyhook.Single(out), nil
}
