// Package strategy defines the signal-generation contract and the built-in
// strategies. The core only depends on this contract: strategies are
// pluggable black boxes producing scores in [0, 100] per symbol, where
// higher means more long bias.
package strategy

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/quantdesk/trading-desk/pkg/types"
)

// Strategy is the capability contract all strategies implement.
type Strategy interface {
	Name() string
	// RequiredBars is the minimum history length per symbol before any
	// signal can be generated.
	RequiredBars() int
	// GenerateSignals maps each symbol's bar history to a score in
	// [0, 100]. Symbols with insufficient history are omitted.
	GenerateSignals(data map[string][]types.OHLCV) map[string]float64
}

// Registry manages available strategy factories.
type Registry struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	factories map[string]func() Strategy
}

// NewRegistry creates a registry with the built-in strategies registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]func() Strategy),
	}
	r.Register("momentum", func() Strategy { return NewMomentum(20, 50) })
	return r
}

// Register registers a strategy factory under name.
func (r *Registry) Register(name string, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates a strategy by name.
func (r *Registry) Create(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// List returns registered strategy names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
