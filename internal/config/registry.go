package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/reminisce/pkg/audio/capture"
	"github.com/MrWong99/reminisce/pkg/audio/playback"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// Registry maps audio backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capture  map[string]func(CaptureConfig) (capture.Source, error)
	playback map[string]func(PlaybackConfig) (playback.OutputFactory, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:  make(map[string]func(CaptureConfig) (capture.Source, error)),
		playback: make(map[string]func(PlaybackConfig) (playback.OutputFactory, error)),
	}
}

// DefaultRegistry returns a registry with the built-in backends: "malgo" for
// capture and "malgo" and "null" for playback.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterCapture("malgo", func(c CaptureConfig) (capture.Source, error) {
		return &capture.MalgoSource{DeviceName: c.Device, SampleRate: c.SampleRate}, nil
	})
	r.RegisterPlayback("malgo", func(PlaybackConfig) (playback.OutputFactory, error) {
		return playback.NewMalgoOutput, nil
	})
	r.RegisterPlayback("null", func(PlaybackConfig) (playback.OutputFactory, error) {
		return playback.NewNullOutput, nil
	})
	return r
}

// RegisterCapture registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory func(CaptureConfig) (capture.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a playback output factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(PlaybackConfig) (playback.OutputFactory, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateCapture instantiates the capture source named by c.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateCapture(c CaptureConfig) (capture.Source, error) {
	r.mu.RLock()
	factory, ok := r.capture[c.Backend]
	known := keys(r.capture)
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q (registered: %v)", ErrBackendNotRegistered, c.Backend, known)
	}
	return factory(c)
}

// CreatePlayback returns the output factory named by p.Backend.
func (r *Registry) CreatePlayback(p PlaybackConfig) (playback.OutputFactory, error) {
	r.mu.RLock()
	factory, ok := r.playback[p.Backend]
	known := keys(r.playback)
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q (registered: %v)", ErrBackendNotRegistered, p.Backend, known)
	}
	return factory(p)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PipelineConfig converts c to the capture pipeline configuration.
func (c CaptureConfig) PipelineConfig() capture.Config {
	return capture.Config{
		Strategy:        capture.Strategy(c.Strategy),
		FrameDuration:   c.FrameDuration,
		MinChunkSamples: c.MinChunkSamples,
		ClipDuration:    c.ClipDuration,
	}
}

// SchedulerConfig converts p to the playback scheduler configuration.
func (p PlaybackConfig) SchedulerConfig() playback.Config {
	return playback.Config{
		PrerollChunks:  p.PrerollChunks,
		SafetyMargin:   p.SafetyMargin,
		PrerollTimeout: p.PrerollTimeout,
	}
}
