package smc

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abcsmc/internal/distribution"
	"abcsmc/internal/epsilon"
	"abcsmc/internal/kernel"
	"abcsmc/internal/model"
	"abcsmc/internal/storage"
)

func assertWeightInvariants(t *testing.T, records []model.PopulationRecord, modelCount int) {
	t.Helper()
	for _, rec := range records {
		total := 0.0
		perModel := make([]float64, modelCount)
		for _, p := range rec.Particles {
			total += p.Weight
			perModel[p.ModelIndex] += p.Weight
		}
		assert.InDelta(t, 1.0, total, 1e-9, "population %d weight sum", rec.Population.Index)
		stored := rec.ModelProbabilities(modelCount)
		for m := range perModel {
			assert.InDelta(t, stored[m], perModel[m], 1e-9, "population %d model %d marginal", rec.Population.Index, m)
		}
	}
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	store := newMemoryStore(t)
	valid := gaussianConfig(t, store)

	cases := map[string]func(cfg *Config){
		"no store":          func(cfg *Config) { cfg.Store = nil },
		"no models":         func(cfg *Config) { cfg.Models = nil },
		"nil prior":         func(cfg *Config) { cfg.Models[0].Prior = nil },
		"nil model":         func(cfg *Config) { cfg.Models[0].Model = nil },
		"no distance":       func(cfg *Config) { cfg.Distance = nil },
		"negative prob":     func(cfg *Config) { cfg.Models[0].Probability = -1 },
		"zero population":   func(cfg *Config) { cfg.PopulationSize = ConstantPopulationSize{} },
		"bad prune floor":   func(cfg *Config) { cfg.ModelPruneFloor = 1 },
		"bad epsilon alpha": func(cfg *Config) { cfg.Epsilon = epsilon.QuantileEpsilon{Alpha: 2} },
		"bad allocation":    func(cfg *Config) { cfg.Allocation = Allocation(9) },
		"negative retries":  func(cfg *Config) { cfg.SimulationRetries = -1 },
		"truth out of range": func(cfg *Config) {
			m := 1
			cfg.GroundTruthModel = &m
		},
		"truth without model": func(cfg *Config) { cfg.GroundTruthParameters = distribution.Parameter{"theta": 1} },
		"non-finite truth": func(cfg *Config) {
			m := 0
			cfg.GroundTruthModel = &m
			cfg.GroundTruthParameters = distribution.Parameter{"theta": math.NaN()}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			cfg.Models = append([]ModelSpec(nil), valid.Models...)
			mutate(&cfg)
			_, err := New(cfg)
			require.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestNewRunRequiresObservedData(t *testing.T) {
	store := newMemoryStore(t)
	c := newController(t, gaussianConfig(t, store))

	_, err := c.NewRun(context.Background(), nil)
	require.ErrorIs(t, err, ErrConfiguration)

	runs, err := store.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestNewRunRecordsGroundTruth(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	cfg := gaussianConfig(t, store)
	truth := 0
	cfg.GroundTruthModel = &truth
	cfg.GroundTruthParameters = distribution.Parameter{"theta": 2.5}
	c := newController(t, cfg)

	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.4})
	require.NoError(t, err)
	truth = 7
	cfg.GroundTruthParameters["theta"] = -1

	run, ok, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, run.GroundTruthModel)
	assert.Equal(t, 0, *run.GroundTruthModel)
	assert.Equal(t, map[string]float64{"theta": 2.5}, run.GroundTruthParameters)
}

func TestRunWithoutRunFails(t *testing.T) {
	c := newController(t, gaussianConfig(t, newMemoryStore(t)))
	assert.Equal(t, StatusUninitialized, c.Status())
	_, err := c.Run(context.Background(), 0, 1)
	require.ErrorIs(t, err, ErrNoRun)
}

func TestSingleModelRunProducesDecreasingEpsilons(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	c := newController(t, gaussianConfig(t, store))

	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, c.Status())

	summary, err := c.Run(ctx, 0.1, 3)
	require.NoError(t, err)
	assert.Equal(t, StopReasonMaxPopulations, summary.StopReason)
	assert.Equal(t, 3, summary.Populations)
	assert.Equal(t, 3, summary.NewPopulations)
	assert.Equal(t, StatusTerminated, c.Status())

	records := readPopulations(t, store, runID)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		assert.Less(t, records[i].Population.Epsilon, records[i-1].Population.Epsilon)
	}
	for i, rec := range records {
		assert.Equal(t, i, rec.Population.Index)
		assert.Len(t, rec.Particles, 100)
		assert.GreaterOrEqual(t, rec.Population.Proposals, 100)
		for _, p := range rec.Particles {
			assert.LessOrEqual(t, p.Distance, rec.Population.Epsilon)
			assert.NotNil(t, p.SumStat)
		}
	}
	// Calibration simulations are counted toward population 0.
	assert.GreaterOrEqual(t, records[0].Population.Proposals, 100+epsilon.DefaultCalibrationSamples)
	assertWeightInvariants(t, records, 1)

	run, ok, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, run.EndedAt)
	assert.Equal(t, []string{"gaussian"}, run.ModelNames)
}

func TestPosteriorConcentratesNearObservation(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	c := newController(t, gaussianConfig(t, store))

	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)
	_, err = c.Run(ctx, 0, 4)
	require.NoError(t, err)

	records := readPopulations(t, store, runID)
	last := records[len(records)-1]
	mean := 0.0
	for _, p := range last.Particles {
		mean += p.Weight * p.Parameters["theta"]
	}
	assert.InDelta(t, 2.5, mean, 0.3)
}

func TestResumeContinuesTheSameTrajectory(t *testing.T) {
	ctx := context.Background()

	straightStore := newMemoryStore(t)
	straight := newController(t, gaussianConfig(t, straightStore))
	straightID, err := straight.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)
	_, err = straight.Run(ctx, 0, 4)
	require.NoError(t, err)

	store := newMemoryStore(t)
	first := newController(t, gaussianConfig(t, store))
	runID, err := first.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)
	_, err = first.Run(ctx, 0, 3)
	require.NoError(t, err)
	before := readPopulations(t, store, runID)
	require.Len(t, before, 3)

	resumed := newController(t, gaussianConfig(t, store))
	require.NoError(t, resumed.Load(ctx, runID))
	assert.Equal(t, 3, resumed.State().T)
	assert.Equal(t, first.State().Epsilon, resumed.State().Epsilon)

	summary, err := resumed.Run(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Populations)
	assert.Equal(t, 1, summary.NewPopulations)

	after := readPopulations(t, store, runID)
	require.Len(t, after, 4)
	for i, rec := range after {
		assert.Equal(t, i, rec.Population.Index)
	}
	assert.Equal(t, before, after[:3])
	assert.Equal(t, stripVolatile(readPopulations(t, straightStore, straightID)), stripVolatile(after))
	assertWeightInvariants(t, after, 1)
}

func TestLoadThenRunWithoutPopulationsIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	c := newController(t, gaussianConfig(t, store))
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)
	_, err = c.Run(ctx, 0, 2)
	require.NoError(t, err)

	loaded := newController(t, gaussianConfig(t, store))
	require.NoError(t, loaded.Load(ctx, runID))
	summary, err := loaded.Run(ctx, 0.5, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.NewPopulations)
	assert.Equal(t, 2, summary.Populations)

	pops, err := store.ListPopulations(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, pops, 2)
}

func TestRunStopsAtMinimumEpsilon(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	cfg := gaussianConfig(t, store)
	cfg.Epsilon = epsilon.ListEpsilon{Values: []float64{2, 1, 0.5, 0.25}}
	c := newController(t, cfg)
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)

	summary, err := c.Run(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, StopReasonMinEpsilon, summary.StopReason)
	assert.Equal(t, 2, summary.Populations)
	assert.Equal(t, 1.0, summary.Epsilon)

	records := readPopulations(t, store, runID)
	require.Len(t, records, 2)
	assert.Equal(t, 2.0, records[0].Population.Epsilon)
	assert.Equal(t, 1.0, records[1].Population.Epsilon)
	// A fixed initial threshold needs no calibration simulations.
	assert.Equal(t, 0, cfg.Epsilon.CalibrationSamples())
}

func TestModelSelectionFavorsModelCenteredOnObservation(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	c := newController(t, selectionConfig(t, store))
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 1})
	require.NoError(t, err)

	summary, err := c.Run(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, summary.ModelProbabilities, 2)
	assert.Greater(t, summary.ModelProbabilities[1], summary.ModelProbabilities[0])

	records := readPopulations(t, store, runID)
	final := records[len(records)-1].ModelProbabilities(2)
	assert.Greater(t, final[1], final[0])
	assertWeightInvariants(t, records, 2)
}

func TestProportionalAllocationFixesQuotas(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	cfg := selectionConfig(t, store)
	cfg.Allocation = AllocateProportional
	cfg.PopulationSize = ConstantPopulationSize{N: 100}
	c := newController(t, cfg)
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 1})
	require.NoError(t, err)

	_, err = c.Run(ctx, 0, 2)
	require.NoError(t, err)

	records := readPopulations(t, store, runID)
	require.Len(t, records, 2)
	counts := make([]int, 2)
	for _, p := range records[0].Particles {
		counts[p.ModelIndex]++
	}
	assert.Equal(t, []int{50, 50}, counts)
	assertWeightInvariants(t, records, 2)
	final := records[1].ModelProbabilities(2)
	assert.Greater(t, final[1], final[0])
}

func TestModelPruneFloorStopsWithSingleModel(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	cfg := selectionConfig(t, store)
	cfg.ModelPruneFloor = 0.2
	c := newController(t, cfg)
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 1})
	require.NoError(t, err)

	summary, err := c.Run(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, StopReasonSingleModel, summary.StopReason)
	assert.Less(t, summary.Populations, 10)
	assert.Less(t, summary.ModelProbabilities[0], 0.2)
	assert.Equal(t, []int{1}, c.State().AliveModels())

	pops, err := store.ListPopulations(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, pops, summary.Populations)
}

func TestResultsDoNotDependOnWorkerCount(t *testing.T) {
	ctx := context.Background()
	run := func(workers int) []model.PopulationRecord {
		store := newMemoryStore(t)
		cfg := selectionConfig(t, store)
		cfg.Workers = workers
		c := newController(t, cfg)
		runID, err := c.NewRun(ctx, distribution.SumStat{"y": 1})
		require.NoError(t, err)
		_, err = c.Run(ctx, 0, 2)
		require.NoError(t, err)
		return stripVolatile(readPopulations(t, store, runID))
	}
	assert.Equal(t, run(1), run(8))
}

// failingStore fails the append of one population index.
type failingStore struct {
	*storage.MemoryStore
	failAt int
}

var errInjected = errors.New("injected append failure")

func (s *failingStore) AppendPopulation(ctx context.Context, record model.PopulationRecord) error {
	if record.Population.Index == s.failAt {
		return errInjected
	}
	return s.MemoryStore.AppendPopulation(ctx, record)
}

func TestFailedAppendLeavesPreviousPopulationCount(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryStore(t)
	store := &failingStore{MemoryStore: mem, failAt: 2}
	c := newController(t, gaussianConfig(t, store))
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)

	summary, err := c.Run(ctx, 0, 5)
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, 2, summary.Populations)

	pops, err := mem.ListPopulations(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, pops, 2)

	resumed := newController(t, gaussianConfig(t, mem))
	require.NoError(t, resumed.Load(ctx, runID))
	_, err = resumed.Run(ctx, 0, 1)
	require.NoError(t, err)
	pops, err = mem.ListPopulations(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, pops, 3)
}

func TestCancelledContextDiscardsGeneration(t *testing.T) {
	store := newMemoryStore(t)
	c := newController(t, gaussianConfig(t, store))
	runID, err := c.NewRun(context.Background(), distribution.SumStat{"y": 2.5})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), 0, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Run(ctx, 0, 1)
	require.ErrorIs(t, err, context.Canceled)

	pops, err := store.ListPopulations(context.Background(), runID)
	require.NoError(t, err)
	assert.Len(t, pops, 1)
}

func TestStopEndsAfterCurrentGeneration(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	cfg := gaussianConfig(t, store)
	var c *Controller
	var calls atomic.Int64
	inner := noisyModel("gaussian", 0.5)
	cfg.Models[0].Model = NewModel("gaussian", func(ctx context.Context, rng *rand.Rand, p distribution.Parameter) (distribution.SumStat, error) {
		if calls.Add(1) == 10 {
			c.Stop()
		}
		return inner.Simulate(ctx, rng, p)
	})
	c = newController(t, cfg)
	_, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)

	summary, err := c.Run(ctx, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, StopReasonStopped, summary.StopReason)
	assert.Equal(t, 1, summary.Populations)
}

func TestMaxTotalSimulationsStopsRun(t *testing.T) {
	ctx := context.Background()
	cfg := gaussianConfig(t, newMemoryStore(t))
	cfg.MaxTotalSimulations = 1
	c := newController(t, cfg)
	_, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)

	summary, err := c.Run(ctx, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, StopReasonMaxSimulations, summary.StopReason)
	assert.Equal(t, 1, summary.Populations)
	assert.GreaterOrEqual(t, summary.TotalProposals, 1)
}

func TestSimulationErrorIsFatalByDefault(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	cfg := gaussianConfig(t, store)
	boom := errors.New("boom")
	cfg.Models[0].Model = NewModel("broken", func(context.Context, *rand.Rand, distribution.Parameter) (distribution.SumStat, error) {
		return nil, boom
	})
	c := newController(t, cfg)
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)

	_, err = c.Run(ctx, 0, 1)
	require.ErrorIs(t, err, ErrSimulation)
	require.ErrorIs(t, err, boom)
	var se *SimulationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, runID, se.RunID)
	assert.Equal(t, 0, se.Population)
	assert.Equal(t, 0, se.Model)

	pops, err := store.ListPopulations(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, pops)
}

func TestSimulationRetriesRedrawFailedProposals(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	cfg := gaussianConfig(t, store)
	cfg.SimulationRetries = 1000
	inner := noisyModel("gaussian", 0.5)
	cfg.Models[0].Model = NewModel("flaky", func(ctx context.Context, rng *rand.Rand, p distribution.Parameter) (distribution.SumStat, error) {
		if rng.Float64() < 0.3 {
			return nil, errors.New("flaky")
		}
		return inner.Simulate(ctx, rng, p)
	})
	c := newController(t, cfg)
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)

	_, err = c.Run(ctx, 0, 2)
	require.NoError(t, err)
	records := readPopulations(t, store, runID)
	require.Len(t, records, 2)
	assertWeightInvariants(t, records, 1)
}

func TestDegenerateKernelAbortsSingleModelRun(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	cfg := gaussianConfig(t, store)
	cfg.PopulationSize = ConstantPopulationSize{N: 1}
	cfg.Epsilon = epsilon.QuantileEpsilon{InitialEpsilon: 5}
	c := newController(t, cfg)
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)

	_, err = c.Run(ctx, 0, 2)
	require.ErrorIs(t, err, kernel.ErrDegenerateKernel)

	pops, err := store.ListPopulations(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, pops)
}

type escapingFitter struct{}

func (escapingFitter) Name() string { return "escaping" }

func (escapingFitter) Fit(names []string, _ [][]float64, _ []float64) (kernel.Kernel, error) {
	return escapingKernel{names: names}, nil
}

// escapingKernel always proposes far outside any bounded prior.
type escapingKernel struct {
	names []string
}

func (k escapingKernel) Names() []string { return k.names }

func (k escapingKernel) Perturb(_ *rand.Rand, center []float64) []float64 {
	out := make([]float64, len(center))
	for i, v := range center {
		out[i] = v + 1000
	}
	return out
}

func (escapingKernel) Density(_, _ []float64) float64 { return 1 }

func (k escapingKernel) Snapshot() kernel.Snapshot {
	return kernel.Snapshot{Kind: "escaping", Names: k.names}
}

func TestPriorSupportExhausted(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	cfg := gaussianConfig(t, store)
	cfg.Kernel = escapingFitter{}
	cfg.MaxSupportRetries = 5
	c := newController(t, cfg)
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)

	_, err = c.Run(ctx, 0, 2)
	require.ErrorIs(t, err, ErrPriorSupportExhausted)
	var pe *PriorSupportExhaustedError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Population)
	assert.Equal(t, 5, pe.Retries)

	pops, err := store.ListPopulations(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, pops, 1)
}

func TestLoadUnknownRun(t *testing.T) {
	c := newController(t, gaussianConfig(t, newMemoryStore(t)))
	err := c.Load(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
	assert.Equal(t, StatusUninitialized, c.Status())
}

func TestLoadRejectsModelCountMismatch(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	c := newController(t, gaussianConfig(t, store))
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)

	other := newController(t, selectionConfig(t, store))
	require.ErrorIs(t, other.Load(ctx, runID), ErrConfiguration)
}

func TestLoadWithoutPopulationsStartsAtZero(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	c := newController(t, gaussianConfig(t, store))
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)

	loaded := newController(t, gaussianConfig(t, store))
	require.NoError(t, loaded.Load(ctx, runID))
	state := loaded.State()
	assert.Equal(t, 0, state.T)
	assert.True(t, math.IsNaN(state.Epsilon))
	assert.Equal(t, int64(42), state.Seed)
}

func TestLoadDetectsCorruptWeights(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	c := newController(t, gaussianConfig(t, store))
	runID, err := c.NewRun(ctx, distribution.SumStat{"y": 2.5})
	require.NoError(t, err)

	record := model.PopulationRecord{
		Population: model.Population{VersionedRecord: storage.CurrentVersion(), RunID: runID, Index: 0, Epsilon: 1, Proposals: 2},
		Models:     []model.ModelRecord{{RunID: runID, PopulationIndex: 0, ModelIndex: 0, Name: "gaussian", Probability: 0.6}},
		Particles: []model.Particle{
			{RunID: runID, PopulationIndex: 0, Index: 0, ModelIndex: 0, Parameters: map[string]float64{"theta": 1}, Distance: 0.5, Weight: 0.3},
			{RunID: runID, PopulationIndex: 0, Index: 1, ModelIndex: 0, Parameters: map[string]float64{"theta": 2}, Distance: 0.4, Weight: 0.3},
		},
	}
	require.NoError(t, store.AppendPopulation(ctx, record))

	loaded := newController(t, gaussianConfig(t, store))
	err = loaded.Load(ctx, runID)
	require.ErrorIs(t, err, ErrCorruptHistory)
	var ce *CorruptHistoryError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, runID, ce.RunID)
	assert.Equal(t, 0, ce.Population)
}

func TestSerialModelUsesOneWorker(t *testing.T) {
	cfg := gaussianConfig(t, newMemoryStore(t))
	cfg.Workers = 8
	cfg.Models[0].Model = Serial(cfg.Models[0].Model)
	c := newController(t, cfg)
	assert.Equal(t, 1, c.workers)
}
