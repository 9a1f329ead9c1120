package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/gatebud/pkg/audio"
	"github.com/MrWong99/gatebud/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps names to constructor functions for transports and audio
// backends. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	s2s   map[string]func(ProviderConfig, AudioConfig) (s2s.Provider, error)
	audio map[string]func(AudioConfig) (audio.Backend, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:   make(map[string]func(ProviderConfig, AudioConfig) (s2s.Provider, error)),
		audio: make(map[string]func(AudioConfig) (audio.Backend, error)),
	}
}

// RegisterS2S registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderConfig, AudioConfig) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (audio.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateS2S instantiates the transport registered under cfg.Provider.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateS2S(cfg *Config) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[cfg.Provider.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, cfg.Provider.Name)
	}
	return factory(cfg.Provider, cfg.Audio)
}

// CreateAudio instantiates the backend registered under cfg.Audio.Backend.
func (r *Registry) CreateAudio(cfg *Config) (audio.Backend, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Audio.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Audio.Backend)
	}
	return factory(cfg.Audio)
}
