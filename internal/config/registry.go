package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxmirror/voxmirror/pkg/provider/recognition"
	"github.com/voxmirror/voxmirror/pkg/provider/synthesis"
	"github.com/voxmirror/voxmirror/pkg/provider/translate"
	"github.com/voxmirror/voxmirror/pkg/provider/voiceprint"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	recognition map[string]func(ProviderEntry) (recognition.Provider, error)
	translation map[string]func(ProviderEntry) (translate.Provider, error)
	synthesis   map[string]func(ProviderEntry) (synthesis.Provider, error)
	voiceprint  map[string]func(ProviderEntry) (voiceprint.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognition: make(map[string]func(ProviderEntry) (recognition.Provider, error)),
		translation: make(map[string]func(ProviderEntry) (translate.Provider, error)),
		synthesis:   make(map[string]func(ProviderEntry) (synthesis.Provider, error)),
		voiceprint:  make(map[string]func(ProviderEntry) (voiceprint.Provider, error)),
	}
}

// RegisterRecognition registers a recognition provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognition(name string, factory func(ProviderEntry) (recognition.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognition[name] = factory
}

// RegisterTranslation registers a translation provider factory under name.
func (r *Registry) RegisterTranslation(name string, factory func(ProviderEntry) (translate.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translation[name] = factory
}

// RegisterSynthesis registers a synthesis provider factory under name.
func (r *Registry) RegisterSynthesis(name string, factory func(ProviderEntry) (synthesis.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesis[name] = factory
}

// RegisterVoiceprint registers a voiceprint provider factory under name.
func (r *Registry) RegisterVoiceprint(name string, factory func(ProviderEntry) (voiceprint.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voiceprint[name] = factory
}

// CreateRecognition instantiates a recognition provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateRecognition(entry ProviderEntry) (recognition.Provider, error) {
	r.mu.RLock()
	factory, ok := r.recognition[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognition/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTranslation instantiates a translation provider using the factory
// registered under entry.Name.
func (r *Registry) CreateTranslation(entry ProviderEntry) (translate.Provider, error) {
	r.mu.RLock()
	factory, ok := r.translation[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: translation/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSynthesis instantiates a synthesis provider using the factory
// registered under entry.Name.
func (r *Registry) CreateSynthesis(entry ProviderEntry) (synthesis.Provider, error) {
	r.mu.RLock()
	factory, ok := r.synthesis[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesis/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVoiceprint instantiates a voiceprint provider using the factory
// registered under entry.Name.
func (r *Registry) CreateVoiceprint(entry ProviderEntry) (voiceprint.Provider, error) {
	r.mu.RLock()
	factory, ok := r.voiceprint[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: voiceprint/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
