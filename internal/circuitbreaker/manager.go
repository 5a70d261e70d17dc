package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager owns one breaker per outbound dependency so their state can be
// reported together on the health endpoint.
type Manager struct {
	defaults Config
	breakers map[string]*CircuitBreaker
	mutex    sync.RWMutex
	logger   *logrus.Logger
}

func NewManager(defaults Config, logger *logrus.Logger) *Manager {
	return &Manager{
		defaults: defaults,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// Breaker returns the named breaker, creating it from the manager defaults on first use.
func (m *Manager) Breaker(name string) *CircuitBreaker {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	config := m.defaults
	config.Name = name
	breaker := New(config, m.logger)
	m.breakers[name] = breaker

	m.logger.WithFields(logrus.Fields{
		"circuit_breaker": name,
		"max_failures":    breaker.maxFailures,
		"timeout":         breaker.timeout.String(),
	}).Info("Circuit breaker created")

	return breaker
}

// Metrics returns every breaker's metrics ordered by name.
func (m *Manager) Metrics() []Metrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]Metrics, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		out = append(out, breaker.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AnyOpen reports whether some dependency is currently failing fast.
func (m *Manager) AnyOpen() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, breaker := range m.breakers {
		if breaker.State() == StateOpen {
			return true
		}
	}
	return false
}

func (m *Manager) ResetAll() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, breaker := range m.breakers {
		breaker.Reset()
	}
	m.logger.Info("All circuit breakers reset")
}
