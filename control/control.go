// Package control implements api.Control: a thread-safe configuration
// store with hot-reload listeners, plus a debug-probe registry used to
// surface runtime stats (the IOSystem registers worker and per-worker
// item counts) without Colossus depending on any concrete metrics sink.
//
// Adapted from the teacher's control/config.go (ConfigStore) and
// control/metrics.go (MetricsRegistry), merged behind the single
// Control surface the teacher's own api/control.go already declares.
package control

import (
	"sync"

	"github.com/newsky/colossus/api"
)

var _ api.Control = (*Store)(nil)

// Store implements api.Control.
type Store struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func()
	probes    map[string]func() any
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		config: make(map[string]any),
		probes: make(map[string]func() any),
	}
}

// GetConfig returns a snapshot of the current configuration.
func (s *Store) GetConfig() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.config))
	for k, v := range s.config {
		out[k] = v
	}
	return out
}

// SetConfig merges newCfg into the store and dispatches reload listeners.
func (s *Store) SetConfig(newCfg map[string]any) error {
	s.mu.Lock()
	for k, v := range newCfg {
		s.config[k] = v
	}
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// OnReload registers a listener invoked (synchronously, in registration
// order) whenever SetConfig is called.
func (s *Store) OnReload(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// RegisterDebugProbe registers a named, on-demand stat producer.
func (s *Store) RegisterDebugProbe(name string, fn func() any) {
	s.mu.Lock()
	s.probes[name] = fn
	s.mu.Unlock()
}

// Stats evaluates every registered debug probe and returns the results.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	probes := make(map[string]func() any, len(s.probes))
	for k, v := range s.probes {
		probes[k] = v
	}
	s.mu.RUnlock()

	out := make(map[string]any, len(probes))
	for name, fn := range probes {
		out[name] = fn()
	}
	return out
}
