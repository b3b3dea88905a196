// Package graph runs a forward computation as a sequence of named stages and
// lets callers observe the output of any stage without changing it.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/skyhookml/explain/skyhook"

	sync "github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
)

var (
	ErrStageNotFound = errors.New("stage not found")
	ErrStageClosed   = errors.New("stage is closed")
)

// Layer is one unit of computation. Layers must not retain or mutate their input.
type Layer interface {
	Forward(ctx context.Context, x skyhook.FeatureMap) (skyhook.FeatureMap, error)
}

type LayerFunc func(ctx context.Context, x skyhook.FeatureMap) (skyhook.FeatureMap, error)

func (f LayerFunc) Forward(ctx context.Context, x skyhook.FeatureMap) (skyhook.FeatureMap, error) {
	return f(ctx, x)
}

// HookFunc observes one invocation of a stage. It runs synchronously on the
// goroutine calling Forward and must treat input and output as read-only.
// A non-nil error aborts the forward pass.
type HookFunc func(input, output skyhook.FeatureMap) error

type hookEntry struct {
	id uint64
	fn HookFunc
}

// Stage wraps a Layer with a table of forward hooks.
type Stage struct {
	name  string
	layer Layer

	mu     sync.RWMutex
	hooks  []hookEntry
	nextID uint64
	closed bool
}

func NewStage(name string, layer Layer) *Stage {
	return &Stage{
		name:  name,
		layer: layer,
	}
}

func (s *Stage) Name() string {
	return s.name
}

// RegisterForwardHook attaches fn; it fires after every Forward until the
// returned handle is removed.
func (s *Stage) RegisterForwardHook(fn HookFunc) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("attach to %s: %w", s.name, ErrStageClosed)
	}
	s.nextID++
	s.hooks = append(s.hooks, hookEntry{id: s.nextID, fn: fn})
	return &Handle{stage: s, id: s.nextID}, nil
}

// NumHooks returns how many hooks are attached.
func (s *Stage) NumHooks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hooks)
}

// remove reports whether the hook was still attached.
func (s *Stage) remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.hooks {
		if entry.id == id {
			s.hooks = append(s.hooks[:i:i], s.hooks[i+1:]...)
			return true
		}
	}
	return false
}

// Close drops all hooks and rejects new ones. Outstanding handles become no-ops.
func (s *Stage) Close() {
	s.mu.Lock()
	s.closed = true
	s.hooks = nil
	s.mu.Unlock()
}

func (s *Stage) Forward(ctx context.Context, x skyhook.FeatureMap) (skyhook.FeatureMap, error) {
	output, err := s.layer.Forward(ctx, x)
	if err != nil {
		return skyhook.FeatureMap{}, fmt.Errorf("stage %s: %w", s.name, err)
	}

	// hooks run outside the lock so that they may detach themselves
	s.mu.RLock()
	hooks := append([]hookEntry{}, s.hooks...)
	s.mu.RUnlock()
	for _, entry := range hooks {
		if err := entry.fn(x, output); err != nil {
			return skyhook.FeatureMap{}, fmt.Errorf("stage %s: forward hook: %w", s.name, err)
		}
	}
	return output, nil
}

// Handle is one active attachment.
type Handle struct {
	stage   *Stage
	id      uint64
	mu      sync.Mutex
	removed bool
}

// Remove detaches the hook. Calling it again, or after the stage was closed, does nothing.
func (h *Handle) Remove() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed {
		skyhook.Logger().Named("graph").Debug("hook already removed", zap.String("stage", h.stage.name))
		return
	}
	h.removed = true
	h.stage.remove(h.id)
}
