package hooks

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/skyhookml/explain/graph"
	"github.com/skyhookml/explain/skyhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identityStage returns its input unchanged, so tests control the activation directly.
func identityStage(name string) *graph.Stage {
	return graph.NewStage(name, graph.LayerFunc(func(ctx context.Context, x skyhook.FeatureMap) (skyhook.FeatureMap, error) {
		return x, nil
	}))
}

// constantStage ignores its input and emits fm.
func constantStage(name string, fm skyhook.FeatureMap) *graph.Stage {
	return graph.NewStage(name, graph.LayerFunc(func(ctx context.Context, x skyhook.FeatureMap) (skyhook.FeatureMap, error) {
		return fm, nil
	}))
}

// batchWithIDs fills example b with the value base+b everywhere.
func batchWithIDs(batch, channels, size int, base float32) *skyhook.Tensor {
	x := skyhook.NewTensor(batch, channels, size, size)
	for b := 0; b < batch; b++ {
		ex := x.Example(b)
		for i := range ex.Data {
			ex.Data[i] = base + float32(b)
		}
	}
	return x
}

func TestNewWithoutStage(t *testing.T) {
	_, err := NewFeatureVectorHook(nil)
	assert.True(t, errors.Is(err, ErrNoStage))

	_, err = NewNamed(identityStage("s"), "gradcam", 0)
	assert.Error(t, err)
}

func TestRecordsOnePerExample(t *testing.T) {
	stage := identityStage("backbone")
	hook, err := NewFeatureVectorHook(stage)
	require.NoError(t, err)
	assert.Empty(t, hook.Records())

	const batches, batchSize = 3, 4
	err = hook.Scope(func(h *Hook) error {
		for i := 0; i < batches; i++ {
			x := batchWithIDs(batchSize, 2, 3, float32(i*batchSize))
			if _, err := stage.Forward(context.Background(), skyhook.Single(x)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	records := hook.Records()
	require.Len(t, records, batches*batchSize)
	for i, record := range records {
		assert.Equal(t, []int{2}, record.Shape)
		assert.Equal(t, []float32{float32(i), float32(i)}, record.Floats)
	}
}

func TestBatchOfOneIsOneRecord(t *testing.T) {
	stage := identityStage("backbone")
	hook, err := NewSaliencyMapHook(stage, 0)
	require.NoError(t, err)
	require.NoError(t, hook.Attach())
	defer hook.Detach()

	x := skyhook.NewTensor(1, 2, 3, 5)
	_, err = stage.Forward(context.Background(), skyhook.Single(x))
	require.NoError(t, err)
	require.Len(t, hook.Records(), 1)
	assert.Equal(t, []int{3, 5}, hook.Records()[0].Shape)
}

func TestNoRecordsAfterScope(t *testing.T) {
	stage := identityStage("backbone")
	hook, err := NewEigenCAMHook(stage, 0)
	require.NoError(t, err)

	x := batchWithIDs(2, 3, 4, 0)
	x.Set(0, 1, 2, 2, 9)
	require.NoError(t, hook.Scope(func(h *Hook) error {
		_, err := stage.Forward(context.Background(), skyhook.Single(x))
		return err
	}))
	require.Len(t, hook.Records(), 2)
	assert.Equal(t, 0, stage.NumHooks())

	out, err := stage.Forward(context.Background(), skyhook.Single(x))
	require.NoError(t, err)
	y, _ := out.Select(0)
	assert.Same(t, x, y)
	assert.Len(t, hook.Records(), 2)

	// detaching again is harmless
	hook.Detach()
}

func TestRecordsDoNotAliasActivation(t *testing.T) {
	x := batchWithIDs(1, 1, 1, 3)
	stage := identityStage("backbone")
	hook, err := NewFeatureVectorHook(stage)
	require.NoError(t, err)
	require.NoError(t, hook.Scope(func(h *Hook) error {
		_, err := stage.Forward(context.Background(), skyhook.Single(x))
		return err
	}))
	x.Data[0] = 100
	assert.Equal(t, []float32{3}, hook.Records()[0].Floats)
}

func TestAttachTwice(t *testing.T) {
	hook, err := NewFeatureVectorHook(identityStage("s"))
	require.NoError(t, err)
	require.NoError(t, hook.Attach())
	defer hook.Detach()
	assert.True(t, errors.Is(hook.Attach(), ErrAlreadyAttached))
}

func TestAttachToClosedStage(t *testing.T) {
	stage := identityStage("s")
	stage.Close()
	hook, err := NewFeatureVectorHook(stage)
	require.NoError(t, err)
	err = hook.Scope(func(h *Hook) error {
		t.Fatal("scope body must not run")
		return nil
	})
	assert.True(t, errors.Is(err, graph.ErrStageClosed))
}

func TestScopeDetachesOnError(t *testing.T) {
	stage := identityStage("backbone")
	hook, err := NewEigenCAMHook(stage, 0)
	require.NoError(t, err)

	x := skyhook.NewTensor(2, 2, 2, 2)
	x.Data[3] = float32(math.NaN())
	err = hook.Scope(func(h *Hook) error {
		_, err := stage.Forward(context.Background(), skyhook.Single(x))
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonFinite))
	assert.Contains(t, err.Error(), "stage backbone")
	assert.Contains(t, err.Error(), "hook eigen_cam")
	assert.Equal(t, 0, stage.NumHooks())
	assert.Empty(t, hook.Records())
}

func TestScopeDetachesOnPanic(t *testing.T) {
	stage := identityStage("backbone")
	hook, err := NewFeatureVectorHook(stage)
	require.NoError(t, err)
	func() {
		defer func() {
			assert.NotNil(t, recover())
		}()
		hook.Scope(func(h *Hook) error {
			panic("batch loop failed")
		})
	}()
	assert.Equal(t, 0, stage.NumHooks())
}

func TestNestedHooksOnOneStage(t *testing.T) {
	stage := identityStage("backbone")
	fhook, err := NewFeatureVectorHook(stage)
	require.NoError(t, err)
	shook, err := NewNamed(stage, "activation_map", 0)
	require.NoError(t, err)

	err = fhook.Scope(func(*Hook) error {
		return shook.Scope(func(*Hook) error {
			_, err := stage.Forward(context.Background(), skyhook.Single(batchWithIDs(3, 2, 4, 1)))
			return err
		})
	})
	require.NoError(t, err)
	assert.Len(t, fhook.Records(), 3)
	assert.Len(t, shook.Records(), 3)
	assert.Equal(t, skyhook.Uint8Array, shook.Records()[0].Type)
}

func TestConcurrentForwardsShareHook(t *testing.T) {
	stage := identityStage("backbone")
	hook, err := NewFeatureVectorHook(stage)
	require.NoError(t, err)
	require.NoError(t, hook.Attach())
	defer hook.Detach()

	const workers, perWorker, batchSize = 4, 5, 2
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := stage.Forward(context.Background(), skyhook.Single(batchWithIDs(batchSize, 1, 2, 0)))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, hook.Records(), workers*perWorker*batchSize)
}

func TestHookThroughNetwork(t *testing.T) {
	net, err := graph.Build(graph.DefaultModelConfig())
	require.NoError(t, err)
	backbone, err := net.Stage("backbone")
	require.NoError(t, err)
	neck, err := net.Stage("neck")
	require.NoError(t, err)

	fhook, err := NewFeatureVectorHook(neck)
	require.NoError(t, err)
	shook, err := NewEigenCAMHook(backbone, 0)
	require.NoError(t, err)

	x := skyhook.NewTensor(2, 3, 16, 16)
	for i := range x.Data {
		x.Data[i] = float32(math.Sin(float64(i)))
	}
	err = fhook.Scope(func(*Hook) error {
		return shook.Scope(func(*Hook) error {
			_, err := net.Forward(context.Background(), x)
			return err
		})
	})
	require.NoError(t, err)

	require.Len(t, fhook.Records(), 2)
	// 16 channels at each of the 3 pyramid levels
	assert.Equal(t, []int{48}, fhook.Records()[0].Shape)
	require.Len(t, shook.Records(), 2)
	assert.Equal(t, []int{8, 8}, shook.Records()[0].Shape)
}
