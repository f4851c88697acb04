package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager hands out one breaker per dependency name. It is
// constructed once at process start and injected wherever breakers
// are needed, preserving single-instance-per-process semantics
// without package-level state.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults Config
	logger   *zap.Logger
}

// NewManager creates a Manager. The defaults config is applied to
// every breaker created via Get; the Name field is overridden.
func NewManager(defaults Config, logger *zap.Logger) *Manager {
	if defaults.Timeout <= 0 {
		defaults.Timeout = 10 * time.Second
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cfg := m.defaults
	cfg.Name = name
	cb := New(cfg, m.logger)
	m.breakers[name] = cb
	return cb
}

// Stats returns snapshots of every breaker, keyed by name.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.Stats()
	}
	return out
}
