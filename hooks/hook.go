// Package hooks records per-example results computed from the output of a
// graph stage while the network runs.
//
// Example:
//
//	hook, err := hooks.NewEigenCAMHook(backbone, 0)
//	err = hook.Scope(func(h *hooks.Hook) error {
//		for _, batch := range batches {
//			if _, err := net.Forward(ctx, batch); err != nil {
//				return err
//			}
//		}
//		return nil
//	})
//	maps := hook.Records()
package hooks

import (
	"errors"
	"fmt"

	"github.com/skyhookml/explain/graph"
	"github.com/skyhookml/explain/skyhook"

	sync "github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
)

var (
	ErrNoStage         = errors.New("no stage to observe")
	ErrAlreadyAttached = errors.New("hook is already attached")
)

// Transform computes a batch result from a stage output. The result's leading
// dimension must be the batch.
type Transform interface {
	Name() string
	Apply(fm skyhook.FeatureMap) (skyhook.Array, error)
}

// Hook glues a graph stage to a Transform and accumulates one record per example.
type Hook struct {
	stage     *graph.Stage
	transform Transform
	log       *zap.Logger

	mu      sync.Mutex
	handle  *graph.Handle
	records []skyhook.Array
}

func New(stage *graph.Stage, transform Transform) (*Hook, error) {
	if stage == nil {
		return nil, ErrNoStage
	}
	if transform == nil {
		return nil, fmt.Errorf("hook on %s: nil transform", stage.Name())
	}
	return &Hook{
		stage:     stage,
		transform: transform,
		log:       skyhook.Logger().Named("hooks").With(zap.String("stage", stage.Name()), zap.String("transform", transform.Name())),
	}, nil
}

func (h *Hook) Transform() Transform {
	return h.transform
}

// Records returns the results accumulated so far, in the order they were produced.
// The returned slice must not be modified.
func (h *Hook) Records() []skyhook.Array {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records[:len(h.records):len(h.records)]
}

// Attach starts observing the stage.
func (h *Hook) Attach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handle != nil {
		return fmt.Errorf("%s on %s: %w", h.transform.Name(), h.stage.Name(), ErrAlreadyAttached)
	}
	handle, err := h.stage.RegisterForwardHook(h.record)
	if err != nil {
		return err
	}
	h.handle = handle
	h.log.Debug("attached")
	return nil
}

// Detach stops observing the stage. Records are kept. Detaching a hook that is
// not attached does nothing.
func (h *Hook) Detach() {
	h.mu.Lock()
	handle := h.handle
	h.handle = nil
	h.mu.Unlock()
	if handle == nil {
		return
	}
	handle.Remove()
	h.log.Debug("detached", zap.Int("records", len(h.Records())))
}

// Scope attaches the hook, runs fn, and detaches the hook however fn returns.
func (h *Hook) Scope(fn func(h *Hook) error) error {
	if err := h.Attach(); err != nil {
		return err
	}
	defer h.Detach()
	return fn(h)
}

func (h *Hook) record(input, output skyhook.FeatureMap) error {
	result, err := h.transform.Apply(output)
	if err != nil {
		return fmt.Errorf("hook %s: %w", h.transform.Name(), err)
	}
	// the result must not alias the stage output
	result = result.Copy()

	var examples []skyhook.Array
	if len(result.Shape) == 0 || result.Shape[0] == 1 {
		examples = []skyhook.Array{result.Squeeze()}
	} else {
		examples = result.Unbind()
	}

	h.mu.Lock()
	h.records = append(h.records, examples...)
	h.mu.Unlock()
	return nil
}

func NewFeatureVectorHook(stage *graph.Stage) (*Hook, error) {
	return New(stage, FeatureVector{})
}

func NewSaliencyMapHook(stage *graph.Stage, fpnIdx int) (*Hook, error) {
	return New(stage, SaliencyMap{FPNIndex: fpnIdx})
}

func NewEigenCAMHook(stage *graph.Stage, fpnIdx int) (*Hook, error) {
	return New(stage, EigenCAM{FPNIndex: fpnIdx})
}
