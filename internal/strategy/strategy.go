// Package strategy defines the Strategy interface implemented by signal
// sources and provides a Registry for managing multiple implementations.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"tradelab/internal/domain"
)

// ErrUnknownStrategy is returned when a registry lookup by name fails.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy is the interface that all signal sources must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data.
	Init(ctx context.Context) error

	// OnBar is called once per replayed bar. It returns nil when the
	// strategy has nothing to do on this bar.
	OnBar(ctx context.Context, bar domain.Bar) (*domain.Signal, error)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Resolve looks up every name and returns the strategies in the same order.
func (r *Registry) Resolve(names ...string) ([]Strategy, error) {
	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		s, ok := r.strategies[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
		}
		out = append(out, s)
	}
	return out, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
