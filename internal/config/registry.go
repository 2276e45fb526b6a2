package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/zeno/pkg/audio"
	"github.com/MrWong99/zeno/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	s2s     map[string]func(ProviderEntry) (s2s.Provider, error)
	capture map[string]func(AudioConfig) (audio.CaptureDevice, error)
	output  map[string]func(AudioConfig) (audio.OutputDevice, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:     make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		capture: make(map[string]func(AudioConfig) (audio.CaptureDevice, error)),
		output:  make(map[string]func(AudioConfig) (audio.OutputDevice, error)),
	}
}

// RegisterS2S registers an S2S provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterCapture registers a microphone factory under name.
func (r *Registry) RegisterCapture(name string, factory func(AudioConfig) (audio.CaptureDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterOutput registers a speaker factory under name.
func (r *Registry) RegisterOutput(name string, factory func(AudioConfig) (audio.OutputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateS2S instantiates an S2S provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates the microphone registered under cfg.Capture.
func (r *Registry) CreateCapture(cfg AudioConfig) (audio.CaptureDevice, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Capture]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Capture)
	}
	return factory(cfg)
}

// CreateOutput instantiates the speaker registered under cfg.Output.
func (r *Registry) CreateOutput(cfg AudioConfig) (audio.OutputDevice, error) {
	r.mu.RLock()
	factory, ok := r.output[cfg.Output]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, cfg.Output)
	}
	return factory(cfg)
}

// S2SNames returns the registered S2S provider names in sorted order.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for name := range r.s2s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
