package graph

import (
	"context"
	"fmt"

	"github.com/skyhookml/explain/skyhook"
)

// Network runs its stages in order, feeding each stage the previous output.
type Network struct {
	stages []*Stage
	byName map[string]*Stage
}

func NewNetwork(stages ...*Stage) (*Network, error) {
	n := &Network{byName: make(map[string]*Stage)}
	for _, stage := range stages {
		if stage == nil {
			return nil, fmt.Errorf("nil stage")
		}
		if n.byName[stage.name] != nil {
			return nil, fmt.Errorf("duplicate stage name %q", stage.name)
		}
		n.byName[stage.name] = stage
		n.stages = append(n.stages, stage)
	}
	return n, nil
}

// Stage looks up a stage by name.
func (n *Network) Stage(name string) (*Stage, error) {
	stage := n.byName[name]
	if stage == nil {
		return nil, fmt.Errorf("%w: %q", ErrStageNotFound, name)
	}
	return stage, nil
}

func (n *Network) StageNames() []string {
	names := make([]string, len(n.stages))
	for i, stage := range n.stages {
		names[i] = stage.name
	}
	return names
}

// Forward runs inference on a batch. There is no gradient tape; every pass is
// inference-only.
func (n *Network) Forward(ctx context.Context, x *skyhook.Tensor) (skyhook.FeatureMap, error) {
	fm := skyhook.Single(x)
	for _, stage := range n.stages {
		if err := ctx.Err(); err != nil {
			return skyhook.FeatureMap{}, err
		}
		var err error
		fm, err = stage.Forward(ctx, fm)
		if err != nil {
			return skyhook.FeatureMap{}, err
		}
	}
	return fm, nil
}

// Close closes every stage, detaching any hooks that are still registered.
func (n *Network) Close() {
	for _, stage := range n.stages {
		stage.Close()
	}
}
