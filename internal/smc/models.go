package smc

import (
	"math/rand"
	"sort"

	"abcsmc/internal/distribution"
	"abcsmc/internal/kernel"
)

// ModelSpec binds one candidate model to its parameter prior. Probability is
// the prior model probability; when every spec leaves it zero the models are
// equally likely a priori.
type ModelSpec struct {
	Model       Model
	Prior       distribution.Distribution
	Probability float64
}

// coordinator keeps the per-model bookkeeping of a multi-model run.
type coordinator struct {
	specs []ModelSpec
	names [][]string
	prior []float64
	floor float64
}

func newCoordinator(specs []ModelSpec, floor float64) (*coordinator, error) {
	if len(specs) == 0 {
		return nil, configErrorf("models", "at least one model is required")
	}
	c := &coordinator{
		specs: specs,
		names: make([][]string, len(specs)),
		prior: make([]float64, len(specs)),
		floor: floor,
	}
	total := 0.0
	for i, spec := range specs {
		if spec.Model == nil {
			return nil, configErrorf("models", "model %d is nil", i)
		}
		if spec.Prior == nil {
			return nil, configErrorf("models", "model %d (%s) has no prior", i, spec.Model.Name())
		}
		names := spec.Prior.Names()
		if len(names) == 0 {
			return nil, configErrorf("models", "model %d (%s) prior has no parameters", i, spec.Model.Name())
		}
		if spec.Probability < 0 {
			return nil, configErrorf("models", "model %d prior probability must be >= 0", i)
		}
		c.names[i] = names
		total += spec.Probability
	}
	for i, spec := range specs {
		if total == 0 {
			c.prior[i] = 1 / float64(len(specs))
		} else {
			c.prior[i] = spec.Probability / total
		}
	}
	return c, nil
}

func (c *coordinator) count() int { return len(c.specs) }

func (c *coordinator) modelNames() []string {
	out := make([]string, len(c.specs))
	for i, spec := range c.specs {
		out[i] = spec.Model.Name()
	}
	return out
}

// proposal returns q(m) for population state.T: the model prior at t=0 and
// the previous marginals restricted to alive models afterwards.
func (c *coordinator) proposal(state PopulationState) []float64 {
	if state.T == 0 {
		return append([]float64(nil), c.prior...)
	}
	q := make([]float64, c.count())
	total := 0.0
	for m := range q {
		if state.Alive[m] {
			q[m] = state.Probabilities[m]
			total += q[m]
		}
	}
	if total <= 0 {
		return q
	}
	for m := range q {
		q[m] /= total
	}
	return q
}

// alive marks the models that will be proposed from a population with the
// given marginals and kernels.
func (c *coordinator) alive(probabilities []float64, kernels []kernel.Kernel) []bool {
	out := make([]bool, c.count())
	for m := range out {
		out[m] = kernels[m] != nil && probabilities[m] > 0 && probabilities[m] >= c.floor
	}
	return out
}

// collapsed reports whether pruning has left at most one model standing.
func (c *coordinator) collapsed(probabilities []float64) bool {
	if c.floor <= 0 || c.count() < 2 {
		return false
	}
	above := 0
	for _, p := range probabilities {
		if p >= c.floor {
			above++
		}
	}
	return above <= 1
}

// sampleIndex draws i with probability proportional to the width of
// bucket i in cumulative. Zero-width buckets are never drawn.
func sampleIndex(rng *rand.Rand, cumulative []float64) int {
	n := len(cumulative)
	if n == 0 || !(cumulative[n-1] > 0) {
		return -1
	}
	u := rng.Float64() * cumulative[n-1]
	i := sort.Search(n, func(i int) bool { return cumulative[i] > u })
	if i < n {
		return i
	}
	for i = n - 1; i > 0 && cumulative[i] == cumulative[i-1]; i-- {
	}
	return i
}

func cumulativeOf(weights []float64) []float64 {
	out := make([]float64, len(weights))
	total := 0.0
	for i, w := range weights {
		total += w
		out[i] = total
	}
	return out
}
