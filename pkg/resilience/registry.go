package resilience

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hybridcmd/core/internal/corerr"
)

// Registry is a process-wide, name-keyed set of circuit breakers. It
// caps total live instances at maxCircuits per spec §4.4.
type Registry struct {
	mu          sync.RWMutex
	circuits    map[string]*CircuitBreaker
	maxCircuits int
	logger      *slog.Logger
	metrics     *metrics
}

// NewRegistry builds an empty Registry capped at maxCircuits. reg may
// be nil to skip metrics registration; otherwise one set of
// transition/rejection counters is registered and shared by every
// circuit the registry creates, labeled by circuit name.
func NewRegistry(maxCircuits int, logger *slog.Logger, reg prometheus.Registerer) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{circuits: make(map[string]*CircuitBreaker), maxCircuits: maxCircuits, logger: logger, metrics: newMetrics(reg)}
}

// GetOrCreate returns the named circuit, creating it with cfg if it
// doesn't exist yet. Returns a Capacity error if the registry is
// already at maxCircuits and name isn't one of the existing ones.
func (r *Registry) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	r.mu.RLock()
	if cb, ok := r.circuits[name]; ok {
		r.mu.RUnlock()
		return cb, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.circuits[name]; ok {
		return cb, nil
	}
	if len(r.circuits) >= r.maxCircuits {
		return nil, corerr.Capacity("resilience.registry", name, errMaxCircuits)
	}

	cb := newWithMetrics(name, cfg, r.logger, r.metrics)
	r.circuits[name] = cb
	return cb, nil
}

// Get returns the named circuit if it exists.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.circuits[name]
	return cb, ok
}

// Remove deletes a circuit from the registry, freeing a capacity
// slot.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.circuits, name)
}

// List returns every registered circuit's name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		names = append(names, name)
	}
	return names
}

var errMaxCircuits = maxCircuitsErr{}

type maxCircuitsErr struct{}

func (maxCircuitsErr) Error() string { return "registry at maxCircuits capacity" }
