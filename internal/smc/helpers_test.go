package smc

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"abcsmc/internal/distribution"
	"abcsmc/internal/model"
	"abcsmc/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	return store
}

// noisyModel simulates y = theta + noise*N(0,1).
func noisyModel(name string, noise float64) Model {
	return NewModel(name, func(_ context.Context, rng *rand.Rand, p distribution.Parameter) (distribution.SumStat, error) {
		return distribution.SumStat{"y": p["theta"] + noise*rng.NormFloat64()}, nil
	})
}

func thetaPrior(t *testing.T, u distribution.Univariate) distribution.Distribution {
	t.Helper()
	prior, err := distribution.NewIndependent(map[string]distribution.Univariate{"theta": u})
	require.NoError(t, err)
	return prior
}

func gaussianConfig(t *testing.T, store storage.Store) Config {
	t.Helper()
	return Config{
		Store: store,
		Models: []ModelSpec{{
			Model: noisyModel("gaussian", 0.5),
			Prior: thetaPrior(t, distribution.Uniform{Min: 0, Max: 5}),
		}},
		Distance:       PNorm{},
		PopulationSize: ConstantPopulationSize{N: 100},
		Workers:        4,
		Seed:           42,
		Logger:         quietLogger(),
	}
}

func selectionConfig(t *testing.T, store storage.Store) Config {
	t.Helper()
	return Config{
		Store: store,
		Models: []ModelSpec{
			{Model: noisyModel("centered_0", 0.1), Prior: thetaPrior(t, distribution.Normal{Mu: 0, Sigma: 0.3})},
			{Model: noisyModel("centered_1", 0.1), Prior: thetaPrior(t, distribution.Normal{Mu: 1, Sigma: 0.3})},
		},
		Distance:       PNorm{},
		PopulationSize: ConstantPopulationSize{N: 200},
		Workers:        4,
		Seed:           7,
		Logger:         quietLogger(),
	}
}

func newController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func readPopulations(t *testing.T, store storage.Store, runID string) []model.PopulationRecord {
	t.Helper()
	ctx := context.Background()
	pops, err := store.ListPopulations(ctx, runID)
	require.NoError(t, err)
	out := make([]model.PopulationRecord, 0, len(pops))
	for i := range pops {
		rec, ok, err := store.GetPopulation(ctx, runID, i)
		require.NoError(t, err)
		require.True(t, ok)
		out = append(out, rec)
	}
	return out
}

// stripVolatile clears fields that legitimately differ between two runs
// drawing the same samples.
func stripVolatile(records []model.PopulationRecord) []model.PopulationRecord {
	out := make([]model.PopulationRecord, len(records))
	for i, rec := range records {
		rec.Population.RunID = ""
		rec.Population.Duration = 0
		rec.Population.EndedAt = time.Time{}
		models := make([]model.ModelRecord, len(rec.Models))
		for j, m := range rec.Models {
			m.RunID = ""
			models[j] = m
		}
		particles := make([]model.Particle, len(rec.Particles))
		for j, p := range rec.Particles {
			p.RunID = ""
			particles[j] = p
		}
		rec.Models = models
		rec.Particles = particles
		out[i] = rec
	}
	return out
}
