// Package distribution provides named parameter vectors and the prior
// distributions the sampler draws them from.
package distribution

import (
	"fmt"
	"sort"
)

// Parameter is one point in a model's parameter space, keyed by name.
type Parameter map[string]float64

// SumStat is a summary-statistic record produced by a model or observed in
// data. It is schema-free.
type SumStat map[string]float64

func (p Parameter) Clone() Parameter {
	if p == nil {
		return nil
	}
	out := make(Parameter, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Names returns the parameter names in sorted order.
func (p Parameter) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Vector projects p onto names. Every name must be present.
func (p Parameter) Vector(names []string) ([]float64, error) {
	out := make([]float64, len(names))
	for i, name := range names {
		v, ok := p[name]
		if !ok {
			return nil, fmt.Errorf("parameter %q missing", name)
		}
		out[i] = v
	}
	return out, nil
}

// FromVector is the inverse of Vector.
func FromVector(names []string, x []float64) Parameter {
	out := make(Parameter, len(names))
	for i, name := range names {
		out[name] = x[i]
	}
	return out
}

func (s SumStat) Clone() SumStat {
	if s == nil {
		return nil
	}
	out := make(SumStat, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
