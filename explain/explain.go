// Package explain runs a network over a dataset with recording hooks attached
// and collects a feature vector and a saliency map for every example.
package explain

import (
	"context"
	"fmt"
	"time"

	"github.com/skyhookml/explain/graph"
	"github.com/skyhookml/explain/hooks"
	"github.com/skyhookml/explain/skyhook"

	"go.uber.org/zap"
)

// Outputs holds per-example results in dataset order.
type Outputs struct {
	Keys []string
	// Source images, when the loader has them.
	Images         []skyhook.Image
	FeatureVectors []skyhook.Array
	SaliencyMaps   []skyhook.Array
}

func (o *Outputs) truncate(n int) {
	if len(o.FeatureVectors) > n {
		o.FeatureVectors = o.FeatureVectors[:n]
	}
	if len(o.SaliencyMaps) > n {
		o.SaliencyMaps = o.SaliencyMaps[:n]
	}
}

// ProgressFunc is told how many of total examples have been processed.
type ProgressFunc func(done, total int)

type batchFunc func(i int, batch *Batch) error

// forEachBatch feeds every batch of loader to f, reporting progress.
func forEachBatch(ctx context.Context, loader Loader, progress ProgressFunc, f batchFunc) error {
	done := 0
	for i := 0; i < loader.NumBatches(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := loader.Batch(ctx, i)
		if err != nil {
			return fmt.Errorf("load batch %d: %w", i, err)
		}
		if err := f(i, batch); err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
		done += len(batch.Keys)
		if progress != nil {
			progress(done, loader.Len())
		}
	}
	return nil
}

// Run attaches a feature vector hook and a saliency hook to the configured
// stage and runs inference over every batch of loader.
//
// On failure the hooks are still detached, and whatever was recorded before
// the failure is returned along with the error.
func Run(ctx context.Context, cfg ExplainConfig, net *graph.Network, loader Loader, progress ProgressFunc) (*Outputs, error) {
	log := skyhook.Logger().Named("explain")
	stage, err := net.Stage(cfg.Stage)
	if err != nil {
		return nil, err
	}
	fhook, err := hooks.NewFeatureVectorHook(stage)
	if err != nil {
		return nil, err
	}
	shook, err := hooks.NewNamed(stage, cfg.Method, cfg.FPNIndex)
	if err != nil {
		return nil, err
	}

	log.Info("explain started",
		zap.String("stage", cfg.Stage),
		zap.String("method", cfg.Method),
		zap.Int("examples", loader.Len()))
	start := time.Now()

	outputs := &Outputs{}
	err = fhook.Scope(func(*hooks.Hook) error {
		return shook.Scope(func(*hooks.Hook) error {
			return forEachBatch(ctx, loader, progress, func(i int, batch *Batch) error {
				if _, err := net.Forward(ctx, batch.Tensor); err != nil {
					return err
				}
				outputs.Keys = append(outputs.Keys, batch.Keys...)
				outputs.Images = append(outputs.Images, batch.Images...)
				return nil
			})
		})
	})
	outputs.FeatureVectors = fhook.Records()
	outputs.SaliencyMaps = shook.Records()
	if err != nil {
		// a hook may have recorded part of the failed batch
		outputs.truncate(len(outputs.Keys))
		log.Error("explain failed", zap.Error(err), zap.Int("saliency_maps", len(outputs.SaliencyMaps)))
		return outputs, err
	}
	log.Info("explain done", zap.Int("saliency_maps", len(outputs.SaliencyMaps)), zap.Duration("elapsed", time.Since(start)))
	return outputs, nil
}

// BlackBoxExplainer treats the whole model as an opaque function and produces
// one saliency map per example of a batch by its own method.
type BlackBoxExplainer interface {
	Explain(ctx context.Context, x *skyhook.Tensor) ([]skyhook.Array, error)
}

// RunBlackBox collects saliency maps from explainer over every batch of loader.
// Results must be one 2D uint8 map per example, like the hook-based path.
func RunBlackBox(ctx context.Context, explainer BlackBoxExplainer, loader Loader, progress ProgressFunc) (*Outputs, error) {
	outputs := &Outputs{}
	err := forEachBatch(ctx, loader, progress, func(i int, batch *Batch) error {
		maps, err := explainer.Explain(ctx, batch.Tensor)
		if err != nil {
			return err
		}
		if len(maps) != len(batch.Keys) {
			return fmt.Errorf("explainer returned %d saliency maps for %d examples", len(maps), len(batch.Keys))
		}
		for j, m := range maps {
			if m.Type != skyhook.Uint8Array || len(m.Shape) != 2 || len(m.Bytes) != m.Len() {
				return fmt.Errorf("example %s: explainer returned %s%v, want a 2D uint8 map", batch.Keys[j], m.Type, m.Shape)
			}
			outputs.SaliencyMaps = append(outputs.SaliencyMaps, m.Copy())
		}
		outputs.Keys = append(outputs.Keys, batch.Keys...)
		outputs.Images = append(outputs.Images, batch.Images...)
		return nil
	})
	return outputs, err
}
