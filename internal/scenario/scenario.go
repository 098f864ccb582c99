// Package scenario registers runnable example inference problems.
package scenario

import (
	"fmt"
	"sort"
	"sync"

	"abcsmc/internal/distribution"
	"abcsmc/internal/smc"
)

// Scenario is a complete inference problem: candidate models with priors, a
// distance and the observation to fit.
type Scenario interface {
	Name() string
	Description() string
	Models() ([]smc.ModelSpec, error)
	Distance() smc.Distance
	Observed() distribution.SumStat
}

type Registry struct {
	mu        sync.RWMutex
	scenarios map[string]Scenario
}

func NewRegistry() *Registry {
	return &Registry{scenarios: make(map[string]Scenario)}
}

func (r *Registry) Register(s Scenario) error {
	if s == nil {
		return fmt.Errorf("scenario is required")
	}
	name := s.Name()
	if name == "" {
		return fmt.Errorf("scenario name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scenarios[name]; exists {
		return fmt.Errorf("scenario already registered: %s", name)
	}
	r.scenarios[name] = s
	return nil
}

func (r *Registry) Lookup(name string) (Scenario, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scenarios[name]
	if !ok {
		return nil, fmt.Errorf("unknown scenario: %s", name)
	}
	return s, nil
}

// All returns the registered scenarios sorted by name.
func (r *Registry) All() []Scenario {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scenario, 0, len(r.scenarios))
	for _, s := range r.scenarios {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Default returns a registry holding the built-in scenarios.
func Default() *Registry {
	r := NewRegistry()
	for _, s := range []Scenario{
		GaussianScenario{},
		ModelSelectionScenario{},
		ExponentialRateScenario{},
	} {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

func theta(u distribution.Univariate) (distribution.Distribution, error) {
	return distribution.NewIndependent(map[string]distribution.Univariate{"theta": u})
}
