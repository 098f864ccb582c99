package smc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"

	"abcsmc/internal/distribution"
)

// Model is a user simulation model. Simulate must draw all randomness from
// rng so that seeded runs are reproducible.
type Model interface {
	Name() string
	Simulate(ctx context.Context, rng *rand.Rand, p distribution.Parameter) (distribution.SumStat, error)
}

type ModelFunc func(ctx context.Context, rng *rand.Rand, p distribution.Parameter) (distribution.SumStat, error)

type funcModel struct {
	name string
	fn   ModelFunc
}

func NewModel(name string, fn ModelFunc) Model {
	return funcModel{name: name, fn: fn}
}

func (m funcModel) Name() string { return m.name }

func (m funcModel) Simulate(ctx context.Context, rng *rand.Rand, p distribution.Parameter) (distribution.SumStat, error) {
	if m.fn == nil {
		return nil, errors.New("model function is nil")
	}
	return m.fn(ctx, rng, p)
}

// ConcurrencyAware is implemented by models that are not safe to call from
// several workers at once.
type ConcurrencyAware interface {
	Concurrent() bool
}

type serialModel struct {
	Model
}

func (serialModel) Concurrent() bool { return false }

// Serial marks m as non-reentrant; any run containing it evaluates with a
// single worker.
func Serial(m Model) Model {
	return serialModel{Model: m}
}

func isConcurrent(m Model) bool {
	if c, ok := m.(ConcurrencyAware); ok {
		return c.Concurrent()
	}
	return true
}

// Distance measures the discrepancy between simulated and observed
// statistics. It must return a non-negative number.
type Distance interface {
	Name() string
	Distance(simulated, observed distribution.SumStat) (float64, error)
}

type DistanceFunc func(simulated, observed distribution.SumStat) (float64, error)

type funcDistance struct {
	name string
	fn   DistanceFunc
}

func NewDistance(name string, fn DistanceFunc) Distance {
	return funcDistance{name: name, fn: fn}
}

func (d funcDistance) Name() string { return d.name }

func (d funcDistance) Distance(simulated, observed distribution.SumStat) (float64, error) {
	if d.fn == nil {
		return 0, errors.New("distance function is nil")
	}
	return d.fn(simulated, observed)
}

// PNorm is the weighted Minkowski distance over the observed statistics.
// P defaults to 2; math.Inf(1) gives the max norm. Missing weights are 1.
type PNorm struct {
	P       float64
	Weights map[string]float64
}

func (d PNorm) p() float64 {
	if d.P == 0 {
		return 2
	}
	return d.P
}

func (d PNorm) Name() string {
	return fmt.Sprintf("pnorm(p=%g)", d.p())
}

func (d PNorm) Distance(simulated, observed distribution.SumStat) (float64, error) {
	if d.p() < 1 {
		return 0, fmt.Errorf("pnorm p must be >= 1, got %g", d.p())
	}
	keys := make([]string, 0, len(observed))
	for k := range observed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s := make([]float64, len(keys))
	o := make([]float64, len(keys))
	for i, k := range keys {
		v, ok := simulated[k]
		if !ok {
			return 0, fmt.Errorf("simulated statistic %q missing", k)
		}
		w := 1.0
		if dw, ok := d.Weights[k]; ok {
			w = dw
		}
		s[i] = w * v
		o[i] = w * observed[k]
	}
	return floats.Distance(s, o, d.p()), nil
}

// Evaluator runs one (model, parameter, simulate, distance) trial.
type Evaluator struct {
	models   []Model
	distance Distance
	observed distribution.SumStat
}

func NewEvaluator(models []Model, distance Distance, observed distribution.SumStat) *Evaluator {
	return &Evaluator{models: models, distance: distance, observed: observed}
}

// Evaluate returns the simulated statistics and their distance to the
// observation. Every failure is a *SimulationError.
func (e *Evaluator) Evaluate(ctx context.Context, rng *rand.Rand, modelIndex int, p distribution.Parameter) (distribution.SumStat, float64, error) {
	if modelIndex < 0 || modelIndex >= len(e.models) {
		return nil, 0, &SimulationError{Model: modelIndex, Stage: "model", Err: fmt.Errorf("model index out of range")}
	}
	sim, err := e.models[modelIndex].Simulate(ctx, rng, p)
	if err != nil {
		return nil, 0, &SimulationError{Model: modelIndex, Stage: "model", Err: err}
	}
	for name, v := range sim {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, 0, &SimulationError{Model: modelIndex, Stage: "model", Err: fmt.Errorf("simulated statistic %q is not finite: %g", name, v)}
		}
	}
	d, err := e.distance.Distance(sim, e.observed)
	if err != nil {
		return nil, 0, &SimulationError{Model: modelIndex, Stage: "distance", Err: err}
	}
	if math.IsNaN(d) || d < 0 {
		return nil, 0, &SimulationError{Model: modelIndex, Stage: "distance", Err: fmt.Errorf("distance must be a non-negative number, got %g", d)}
	}
	return sim, d, nil
}
