// Package history answers read-only questions about stored runs.
package history

import (
	"context"
	"errors"
	"fmt"

	"abcsmc/internal/distribution"
	"abcsmc/internal/model"
	"abcsmc/internal/storage"
)

// Latest selects the most recent population wherever a population index is
// accepted.
const Latest = -1

var ErrPopulationNotFound = errors.New("population not found")

// History is bound to one run of a store.
type History struct {
	store storage.Store
	runID string
}

func New(store storage.Store, runID string) *History {
	return &History{store: store, runID: runID}
}

func (h *History) RunID() string { return h.runID }

func (h *History) Run(ctx context.Context) (model.Run, error) {
	run, ok, err := h.store.GetRun(ctx, h.runID)
	if err != nil {
		return model.Run{}, err
	}
	if !ok {
		return model.Run{}, fmt.Errorf("%w: %s", storage.ErrRunNotFound, h.runID)
	}
	return run, nil
}

func (h *History) ObservedSumStat(ctx context.Context) (distribution.SumStat, error) {
	run, err := h.Run(ctx)
	if err != nil {
		return nil, err
	}
	return distribution.SumStat(run.Observed).Clone(), nil
}

// GroundTruth reports the generating model and parameters recorded at run
// creation. ok is false when the run carries no ground truth.
func (h *History) GroundTruth(ctx context.Context) (m int, params distribution.Parameter, ok bool, err error) {
	run, err := h.Run(ctx)
	if err != nil {
		return 0, nil, false, err
	}
	if run.GroundTruthModel == nil {
		return 0, nil, false, nil
	}
	return *run.GroundTruthModel, distribution.Parameter(run.GroundTruthParameters).Clone(), true, nil
}

func (h *History) Populations(ctx context.Context) ([]model.Population, error) {
	if _, err := h.Run(ctx); err != nil {
		return nil, err
	}
	return h.store.ListPopulations(ctx, h.runID)
}

func (h *History) PopulationCount(ctx context.Context) (int, error) {
	pops, err := h.Populations(ctx)
	if err != nil {
		return 0, err
	}
	return len(pops), nil
}

// MaxT is the index of the latest population, or -1 for an empty run.
func (h *History) MaxT(ctx context.Context) (int, error) {
	n, err := h.PopulationCount(ctx)
	if err != nil {
		return 0, err
	}
	return n - 1, nil
}

func (h *History) TotalSimulations(ctx context.Context) (int, error) {
	pops, err := h.Populations(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, pop := range pops {
		total += pop.Proposals
	}
	return total, nil
}

func (h *History) ParticlesPerPopulation(ctx context.Context) ([]int, error) {
	pops, err := h.Populations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(pops))
	for i, pop := range pops {
		out[i] = pop.Particles
	}
	return out, nil
}

// Population reads population t, or the latest one for Latest.
func (h *History) Population(ctx context.Context, t int) (model.PopulationRecord, error) {
	if _, err := h.Run(ctx); err != nil {
		return model.PopulationRecord{}, err
	}
	var (
		record model.PopulationRecord
		ok     bool
		err    error
	)
	if t == Latest {
		record, ok, err = h.store.LatestPopulation(ctx, h.runID)
	} else {
		record, ok, err = h.store.GetPopulation(ctx, h.runID, t)
	}
	if err != nil {
		return model.PopulationRecord{}, err
	}
	if !ok {
		return model.PopulationRecord{}, fmt.Errorf("%w: run=%s t=%d", ErrPopulationNotFound, h.runID, t)
	}
	return record, nil
}

func (h *History) modelCount(ctx context.Context) (int, error) {
	run, err := h.Run(ctx)
	if err != nil {
		return 0, err
	}
	return len(run.ModelNames), nil
}

// ModelProbabilities returns one row of model marginals per population.
func (h *History) ModelProbabilities(ctx context.Context) ([][]float64, error) {
	count, err := h.modelCount(ctx)
	if err != nil {
		return nil, err
	}
	pops, err := h.store.ListPopulations(ctx, h.runID)
	if err != nil {
		return nil, err
	}
	rows, err := h.store.ListModels(ctx, h.runID)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(pops))
	for i := range out {
		out[i] = make([]float64, count)
	}
	for _, m := range rows {
		if m.PopulationIndex < 0 || m.PopulationIndex >= len(out) || m.ModelIndex < 0 || m.ModelIndex >= count {
			continue
		}
		out[m.PopulationIndex][m.ModelIndex] = m.Probability
	}
	return out, nil
}

func (h *History) ModelProbabilitiesAt(ctx context.Context, t int) ([]float64, error) {
	count, err := h.modelCount(ctx)
	if err != nil {
		return nil, err
	}
	record, err := h.Population(ctx, t)
	if err != nil {
		return nil, err
	}
	return record.ModelProbabilities(count), nil
}

// AliveModels lists the models holding particles in population t.
func (h *History) AliveModels(ctx context.Context, t int) ([]int, error) {
	probs, err := h.ModelProbabilitiesAt(ctx, t)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(probs))
	for m, p := range probs {
		if p > 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

func (h *History) Particles(ctx context.Context, t int) ([]model.Particle, error) {
	record, err := h.Population(ctx, t)
	if err != nil {
		return nil, err
	}
	return record.Particles, nil
}

// Distribution is one model's weighted sample with weights normalized within
// the model.
type Distribution struct {
	Parameters []distribution.Parameter
	Weights    []float64
}

func (h *History) Distribution(ctx context.Context, m, t int) (Distribution, error) {
	record, err := h.Population(ctx, t)
	if err != nil {
		return Distribution{}, err
	}
	var out Distribution
	total := 0.0
	for _, p := range record.Particles {
		if p.ModelIndex != m {
			continue
		}
		out.Parameters = append(out.Parameters, distribution.Parameter(p.Parameters).Clone())
		out.Weights = append(out.Weights, p.Weight)
		total += p.Weight
	}
	if total > 0 {
		for i := range out.Weights {
			out.Weights[i] /= total
		}
	}
	return out, nil
}

type WeightedDistance struct {
	Distance float64
	Weight   float64
}

func (h *History) WeightedDistances(ctx context.Context, t int) ([]WeightedDistance, error) {
	record, err := h.Population(ctx, t)
	if err != nil {
		return nil, err
	}
	out := make([]WeightedDistance, len(record.Particles))
	for i, p := range record.Particles {
		out[i] = WeightedDistance{Distance: p.Distance, Weight: p.Weight}
	}
	return out, nil
}

type WeightedSumStat struct {
	SumStat distribution.SumStat
	Weight  float64
}

// SumStats returns model m's simulated statistics in population t with
// within-model normalized weights.
func (h *History) SumStats(ctx context.Context, m, t int) ([]WeightedSumStat, error) {
	record, err := h.Population(ctx, t)
	if err != nil {
		return nil, err
	}
	var out []WeightedSumStat
	total := 0.0
	for _, p := range record.Particles {
		if p.ModelIndex != m {
			continue
		}
		out = append(out, WeightedSumStat{SumStat: distribution.SumStat(p.SumStat).Clone(), Weight: p.Weight})
		total += p.Weight
	}
	if total > 0 {
		for i := range out {
			out[i].Weight /= total
		}
	}
	return out, nil
}
