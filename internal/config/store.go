package config

import (
	"sync"

	"github.com/harun/conduit/pkg/governor"
)

// Store holds the live configuration. Readers always see a complete
// snapshot; Swap replaces it and notifies listeners.
type Store struct {
	mu        sync.RWMutex
	cfg       *Config
	listeners []func(old, updated *Config)
}

// NewStore creates a store holding cfg.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns the current configuration. Callers must not mutate it.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Swap installs cfg and calls every listener with the old and new values.
func (s *Store) Swap(cfg *Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	listeners := append([]func(old, updated *Config){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(old, cfg)
	}
}

// OnChange registers fn to run after every Swap.
func (s *Store) OnChange(fn func(old, updated *Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Limits implements governor.LimitsSource from the current swarm section.
func (s *Store) Limits() governor.Limits {
	return s.Get().Swarm
}
