package smc

import (
	"fmt"
	"math"
	"slices"

	"abcsmc/internal/epsilon"
	"abcsmc/internal/kernel"
	"abcsmc/internal/model"
)

// weightTolerance bounds the drift allowed between stored weights and the
// stored model marginals.
const weightTolerance = 1e-9

// PopulationState is the checkpoint threaded through the generation loop. It
// describes the population about to be sampled and everything derived from
// its predecessor. Values are never mutated once built.
type PopulationState struct {
	RunID string
	Seed  int64
	// T is the index of the next population, i.e. the number of completed
	// populations.
	T int
	// Epsilon is the threshold for population T. It is NaN for T=0 until
	// calibration has run.
	Epsilon         float64
	PreviousEpsilon float64
	// Probabilities are the model marginals of population T-1, or the model
	// prior at T=0.
	Probabilities  []float64
	Alive          []bool
	TotalProposals int

	kernels   []kernel.Kernel
	ancestors []ancestors
}

// ancestors is one model's weighted sub-population, with weights normalized
// within the model.
type ancestors struct {
	points     [][]float64
	weights    []float64
	cumulative []float64
}

func initialState(c *coordinator, runID string, seed int64) PopulationState {
	alive := make([]bool, c.count())
	for m := range alive {
		alive[m] = c.prior[m] > 0
	}
	return PopulationState{
		RunID:           runID,
		Seed:            seed,
		T:               0,
		Epsilon:         math.NaN(),
		PreviousEpsilon: math.Inf(1),
		Probabilities:   append([]float64(nil), c.prior...),
		Alive:           alive,
		kernels:         make([]kernel.Kernel, c.count()),
		ancestors:       make([]ancestors, c.count()),
	}
}

// Kernel returns the perturbation kernel for model m, or nil when the model is
// not perturbed from this state.
func (s PopulationState) Kernel(m int) kernel.Kernel {
	if m < 0 || m >= len(s.kernels) {
		return nil
	}
	return s.kernels[m]
}

// AliveModels lists the model indices proposed from this state.
func (s PopulationState) AliveModels() []int {
	out := make([]int, 0, len(s.Alive))
	for m, ok := range s.Alive {
		if ok {
			out = append(out, m)
		}
	}
	return out
}

// advance builds the state for population record.Index+1. It is shared by the
// generation loop and Load so that both derive identical checkpoints.
func advance(c *coordinator, sched epsilon.Scheduler, seed int64, record model.PopulationRecord, kernels []kernel.Kernel, totalProposals int) (PopulationState, error) {
	pop := record.Population
	probs := record.ModelProbabilities(c.count())

	anc := make([]ancestors, c.count())
	for _, p := range record.Particles {
		vec, err := vectorFor(c, p)
		if err != nil {
			return PopulationState{}, &CorruptHistoryError{RunID: pop.RunID, Population: pop.Index, Reason: err.Error()}
		}
		w := 0.0
		if probs[p.ModelIndex] > 0 {
			w = p.Weight / probs[p.ModelIndex]
		}
		a := &anc[p.ModelIndex]
		a.points = append(a.points, vec)
		a.weights = append(a.weights, w)
	}
	for m := range anc {
		anc[m].cumulative = cumulativeOf(anc[m].weights)
	}

	next, err := nextEpsilon(sched, record)
	if err != nil {
		return PopulationState{}, fmt.Errorf("run %s population %d: next epsilon: %w", pop.RunID, pop.Index+1, err)
	}

	return PopulationState{
		RunID:           pop.RunID,
		Seed:            seed,
		T:               pop.Index + 1,
		Epsilon:         next,
		PreviousEpsilon: pop.Epsilon,
		Probabilities:   probs,
		Alive:           c.alive(probs, kernels),
		TotalProposals:  totalProposals,
		kernels:         kernels,
		ancestors:       anc,
	}, nil
}

func nextEpsilon(sched epsilon.Scheduler, record model.PopulationRecord) (float64, error) {
	distances := make([]float64, len(record.Particles))
	weights := make([]float64, len(record.Particles))
	for i, p := range record.Particles {
		distances[i] = p.Distance
		weights[i] = p.Weight
	}
	return sched.Next(record.Population.Index+1, record.Population.Epsilon, distances, weights)
}

func vectorFor(c *coordinator, p model.Particle) ([]float64, error) {
	if p.ModelIndex < 0 || p.ModelIndex >= c.count() {
		return nil, fmt.Errorf("particle %d references unknown model %d", p.Index, p.ModelIndex)
	}
	out := make([]float64, len(c.names[p.ModelIndex]))
	for i, name := range c.names[p.ModelIndex] {
		v, ok := p.Parameters[name]
		if !ok {
			return nil, fmt.Errorf("particle %d is missing parameter %q of model %d", p.Index, name, p.ModelIndex)
		}
		out[i] = v
	}
	return out, nil
}

// checkRecord verifies the stored weight invariants of a population.
func checkRecord(record model.PopulationRecord, modelCount int) error {
	pop := record.Population
	corrupt := func(format string, args ...any) error {
		return &CorruptHistoryError{RunID: pop.RunID, Population: pop.Index, Reason: fmt.Sprintf(format, args...)}
	}
	if len(record.Particles) == 0 {
		return corrupt("population has no particles")
	}
	total := 0.0
	perModel := make([]float64, modelCount)
	for _, p := range record.Particles {
		if p.ModelIndex < 0 || p.ModelIndex >= modelCount {
			return corrupt("particle %d references unknown model %d", p.Index, p.ModelIndex)
		}
		if math.IsNaN(p.Weight) || p.Weight < 0 {
			return corrupt("particle %d has invalid weight %g", p.Index, p.Weight)
		}
		total += p.Weight
		perModel[p.ModelIndex] += p.Weight
	}
	if math.Abs(total-1) > weightTolerance {
		return corrupt("weights sum to %.15g", total)
	}
	stored := record.ModelProbabilities(modelCount)
	for m := range perModel {
		if math.Abs(perModel[m]-stored[m]) > weightTolerance {
			return corrupt("model %d weights sum to %.15g but marginal is %.15g", m, perModel[m], stored[m])
		}
	}
	return nil
}

// decodeKernels restores the kernels stored in the model rows of record.
func decodeKernels(c *coordinator, record model.PopulationRecord) ([]kernel.Kernel, error) {
	out := make([]kernel.Kernel, c.count())
	for _, row := range record.Models {
		if row.ModelIndex < 0 || row.ModelIndex >= c.count() {
			return nil, configErrorf("models", "stored model row %d exceeds the %d configured models", row.ModelIndex, c.count())
		}
		if len(row.Kernel) == 0 {
			continue
		}
		k, err := kernel.Decode(row.Kernel)
		if err != nil {
			return nil, &CorruptHistoryError{RunID: row.RunID, Population: row.PopulationIndex, Reason: fmt.Sprintf("model %d kernel: %v", row.ModelIndex, err)}
		}
		if !slices.Equal(k.Names(), c.names[row.ModelIndex]) {
			return nil, configErrorf("models", "model %d parameters %v do not match stored kernel parameters %v",
				row.ModelIndex, c.names[row.ModelIndex], k.Names())
		}
		out[row.ModelIndex] = k
	}
	return out, nil
}
