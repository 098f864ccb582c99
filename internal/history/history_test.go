package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abcsmc/internal/distribution"
	"abcsmc/internal/model"
	"abcsmc/internal/storage"
)

func seededStore(t *testing.T) (*storage.MemoryStore, string) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(ctx))

	const runID = "run-1"
	require.NoError(t, store.CreateRun(ctx, model.Run{
		VersionedRecord: storage.CurrentVersion(),
		ID:              runID,
		CreatedAt:       time.Unix(100, 0).UTC(),
		Observed:        map[string]float64{"y": 1},
		ModelNames:      []string{"m0", "m1"},
	}))

	// Population 0 splits weight 0.25/0.75, population 1 puts everything on m1.
	require.NoError(t, store.AppendPopulation(ctx, record(runID, 0, 2.0, 30, [][3]float64{
		{0, 0.5, 0.25},
		{1, 1.5, 0.5},
		{1, 0.9, 0.25},
	})))
	require.NoError(t, store.AppendPopulation(ctx, record(runID, 1, 1.0, 20, [][3]float64{
		{1, 1.1, 0.5},
		{1, 0.95, 0.5},
	})))
	return store, runID
}

// record builds a population from (model, theta, weight) rows.
func record(runID string, index int, eps float64, proposals int, rows [][3]float64) model.PopulationRecord {
	probs := []float64{0, 0}
	particles := make([]model.Particle, len(rows))
	for i, row := range rows {
		m := int(row[0])
		probs[m] += row[2]
		particles[i] = model.Particle{
			RunID:           runID,
			PopulationIndex: index,
			Index:           i,
			ModelIndex:      m,
			Parameters:      map[string]float64{"theta": row[1]},
			SumStat:         map[string]float64{"y": row[1] + 0.1},
			Distance:        float64(i) / 10,
			Weight:          row[2],
		}
	}
	return model.PopulationRecord{
		Population: model.Population{
			VersionedRecord: storage.CurrentVersion(),
			RunID:           runID,
			Index:           index,
			Epsilon:         eps,
			Proposals:       proposals,
		},
		Models: []model.ModelRecord{
			{RunID: runID, PopulationIndex: index, ModelIndex: 0, Name: "m0", Probability: probs[0]},
			{RunID: runID, PopulationIndex: index, ModelIndex: 1, Name: "m1", Probability: probs[1]},
		},
		Particles: particles,
	}
}

func TestHistoryCounts(t *testing.T) {
	ctx := context.Background()
	store, runID := seededStore(t)
	h := New(store, runID)

	n, err := h.PopulationCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	maxT, err := h.MaxT(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, maxT)

	total, err := h.TotalSimulations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, total)

	sizes, err := h.ParticlesPerPopulation(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, sizes)

	obs, err := h.ObservedSumStat(ctx)
	require.NoError(t, err)
	assert.Equal(t, distribution.SumStat{"y": 1}, obs)
}

func TestHistoryModelProbabilities(t *testing.T) {
	ctx := context.Background()
	store, runID := seededStore(t)
	h := New(store, runID)

	table, err := h.ModelProbabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.25, 0.75}, {0, 1}}, table)

	alive, err := h.AliveModels(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, alive)

	alive, err = h.AliveModels(ctx, Latest)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, alive)
}

func TestHistoryDistributionNormalizesWithinModel(t *testing.T) {
	ctx := context.Background()
	store, runID := seededStore(t)
	h := New(store, runID)

	dist, err := h.Distribution(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, dist.Parameters, 2)
	assert.Equal(t, 1.5, dist.Parameters[0]["theta"])
	assert.InDelta(t, 2.0/3.0, dist.Weights[0], 1e-12)
	assert.InDelta(t, 1.0/3.0, dist.Weights[1], 1e-12)

	empty, err := h.Distribution(ctx, 0, Latest)
	require.NoError(t, err)
	assert.Empty(t, empty.Parameters)

	stats, err := h.SumStats(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1.0, stats[0].Weight)
	assert.InDelta(t, 0.6, stats[0].SumStat["y"], 1e-12)
}

func TestHistoryWeightedDistances(t *testing.T) {
	ctx := context.Background()
	store, runID := seededStore(t)
	h := New(store, runID)

	wd, err := h.WeightedDistances(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []WeightedDistance{{Distance: 0, Weight: 0.5}, {Distance: 0.1, Weight: 0.5}}, wd)
}

func TestHistoryErrors(t *testing.T) {
	ctx := context.Background()
	store, runID := seededStore(t)

	_, err := New(store, "missing").PopulationCount(ctx)
	require.ErrorIs(t, err, storage.ErrRunNotFound)

	_, err = New(store, runID).Particles(ctx, 5)
	require.ErrorIs(t, err, ErrPopulationNotFound)
}

// particleFreeStore fails every read that would load particle rows.
type particleFreeStore struct {
	*storage.MemoryStore
}

var errParticlesRead = errors.New("particle rows read")

func (s particleFreeStore) GetPopulation(context.Context, string, int) (model.PopulationRecord, bool, error) {
	return model.PopulationRecord{}, false, errParticlesRead
}

func (s particleFreeStore) LatestPopulation(context.Context, string) (model.PopulationRecord, bool, error) {
	return model.PopulationRecord{}, false, errParticlesRead
}

func TestHistoryModelProbabilitiesSkipsParticles(t *testing.T) {
	ctx := context.Background()
	store, runID := seededStore(t)
	h := New(particleFreeStore{MemoryStore: store}, runID)

	table, err := h.ModelProbabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.25, 0.75}, {0, 1}}, table)

	_, err = h.ModelProbabilitiesAt(ctx, 0)
	assert.ErrorIs(t, err, errParticlesRead)
}

func TestHistoryGroundTruth(t *testing.T) {
	ctx := context.Background()
	store, runID := seededStore(t)

	_, _, ok, err := New(store, runID).GroundTruth(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	truth := 1
	require.NoError(t, store.CreateRun(ctx, model.Run{
		VersionedRecord:       storage.CurrentVersion(),
		ID:                    "synthetic",
		CreatedAt:             time.Unix(200, 0).UTC(),
		Observed:              map[string]float64{"y": 1},
		ModelNames:            []string{"m0", "m1"},
		GroundTruthModel:      &truth,
		GroundTruthParameters: map[string]float64{"theta": 0.9},
	}))
	m, params, ok, err := New(store, "synthetic").GroundTruth(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, m)
	assert.Equal(t, distribution.Parameter{"theta": 0.9}, params)

	_, _, _, err = New(store, "missing").GroundTruth(ctx)
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}
