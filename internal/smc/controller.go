// Package smc implements the ABC-SMC population controller: it proposes,
// evaluates and weights particles generation by generation and checkpoints
// every finished population in the history store.
package smc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"abcsmc/internal/distribution"
	"abcsmc/internal/epsilon"
	"abcsmc/internal/kernel"
	"abcsmc/internal/model"
	"abcsmc/internal/storage"
)

const (
	DefaultPopulationSize    = 100
	DefaultMaxSupportRetries = 10000
)

var tracer = otel.Tracer("abcsmc/internal/smc")

var (
	ErrNoRun          = errors.New("no run selected: call NewRun or Load first")
	ErrRunInProgress  = errors.New("run already in progress")
	ErrNoAliveModels  = errors.New("no model can be proposed")
	ErrInvalidWeights = errors.New("importance weights are not finite")
)

type Config struct {
	Store    storage.Store
	Models   []ModelSpec
	Distance Distance

	Epsilon        epsilon.Scheduler
	Kernel         kernel.Fitter
	PopulationSize PopulationStrategy
	Allocation     Allocation

	Workers int
	Seed    int64

	// MaxSupportRetries caps the perturbations drawn for one proposal before
	// one lands inside the prior support.
	MaxSupportRetries int
	// SimulationRetries is the number of failed simulations tolerated per
	// slot. Zero makes the first failure fatal.
	SimulationRetries int
	// ModelPruneFloor stops proposing models whose marginal falls below it.
	// Zero keeps every model.
	ModelPruneFloor float64

	MaxWalltime         time.Duration
	MaxTotalSimulations int

	// Labels are stored with the run header next to the strategy names.
	Labels map[string]string

	// GroundTruthModel and GroundTruthParameters record the generating
	// process of synthetic observations. They are stored, never sampled.
	GroundTruthModel      *int
	GroundTruthParameters distribution.Parameter

	Logger *slog.Logger
}

type Status int

const (
	StatusUninitialized Status = iota
	StatusReady
	StatusRunning
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusTerminated:
		return "terminated"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

type StopReason string

const (
	StopReasonNone           StopReason = ""
	StopReasonMinEpsilon     StopReason = "min_epsilon"
	StopReasonMaxPopulations StopReason = "max_populations"
	StopReasonSingleModel    StopReason = "single_model"
	StopReasonWalltime       StopReason = "max_walltime"
	StopReasonMaxSimulations StopReason = "max_total_simulations"
	StopReasonStopped        StopReason = "stopped"
)

// Summary describes the state after a Run call.
type Summary struct {
	RunID              string
	Populations        int
	NewPopulations     int
	Epsilon            float64
	NextEpsilon        float64
	ModelProbabilities []float64
	TotalProposals     int
	StopReason         StopReason
	Duration           time.Duration
}

type Controller struct {
	cfg     Config
	coord   *coordinator
	workers int
	logger  *slog.Logger

	mu       sync.Mutex
	status   Status
	state    PopulationState
	observed distribution.SumStat
	eval     *Evaluator
	stop     atomic.Bool
}

func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, configErrorf("store", "store is required")
	}
	if cfg.Distance == nil {
		return nil, configErrorf("distance", "distance function is required")
	}
	if cfg.ModelPruneFloor < 0 || cfg.ModelPruneFloor >= 1 {
		return nil, configErrorf("model_prune_floor", "must be in [0, 1), got %g", cfg.ModelPruneFloor)
	}
	coord, err := newCoordinator(cfg.Models, cfg.ModelPruneFloor)
	if err != nil {
		return nil, err
	}
	if cfg.Epsilon == nil {
		cfg.Epsilon = epsilon.QuantileEpsilon{}
	}
	if v, ok := cfg.Epsilon.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, configErrorf("epsilon", "%v", err)
		}
	}
	if cfg.Kernel == nil {
		cfg.Kernel = kernel.MultivariateNormalFitter{}
	}
	if cfg.PopulationSize == nil {
		cfg.PopulationSize = ConstantPopulationSize{N: DefaultPopulationSize}
	}
	if cfg.PopulationSize.Size(0) <= 0 {
		return nil, configErrorf("population_size", "population size must be > 0")
	}
	if cfg.Allocation != AllocateSampled && cfg.Allocation != AllocateProportional {
		return nil, configErrorf("allocation", "unsupported allocation %d", int(cfg.Allocation))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxSupportRetries < 0 {
		return nil, configErrorf("max_support_retries", "must be >= 0")
	}
	if cfg.MaxSupportRetries == 0 {
		cfg.MaxSupportRetries = DefaultMaxSupportRetries
	}
	if cfg.SimulationRetries < 0 {
		return nil, configErrorf("simulation_retries", "must be >= 0")
	}
	if cfg.MaxWalltime < 0 {
		return nil, configErrorf("max_walltime", "must be >= 0")
	}
	if cfg.MaxTotalSimulations < 0 {
		return nil, configErrorf("max_total_simulations", "must be >= 0")
	}
	if cfg.GroundTruthModel != nil {
		if m := *cfg.GroundTruthModel; m < 0 || m >= len(cfg.Models) {
			return nil, configErrorf("ground_truth_model", "model %d out of range [0,%d)", m, len(cfg.Models))
		}
	} else if len(cfg.GroundTruthParameters) > 0 {
		return nil, configErrorf("ground_truth_parameters", "ground truth parameters need a ground truth model")
	}
	for name, v := range cfg.GroundTruthParameters {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, configErrorf("ground_truth_parameters", "%s is not finite", name)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	workers := cfg.Workers
	for _, spec := range cfg.Models {
		if !isConcurrent(spec.Model) {
			workers = 1
			break
		}
	}

	return &Controller{
		cfg:     cfg,
		coord:   coord,
		workers: workers,
		logger:  cfg.Logger,
	}, nil
}

// NewRun persists a fresh run header and readies population 0.
func (c *Controller) NewRun(ctx context.Context, observed distribution.SumStat) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRunning {
		return "", ErrRunInProgress
	}
	if len(observed) == 0 {
		return "", configErrorf("observed", "observed summary statistics are required")
	}

	run := model.Run{
		VersionedRecord: storage.CurrentVersion(),
		ID:              uuid.NewString(),
		CreatedAt:       time.Now().UTC(),
		Seed:            c.cfg.Seed,
		Observed:        map[string]float64(observed.Clone()),
		ModelNames:      c.coord.modelNames(),
		Options:         c.options(),
	}
	if c.cfg.GroundTruthModel != nil {
		m := *c.cfg.GroundTruthModel
		run.GroundTruthModel = &m
		run.GroundTruthParameters = map[string]float64(c.cfg.GroundTruthParameters.Clone())
	}
	if err := c.cfg.Store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	c.observed = observed.Clone()
	c.eval = NewEvaluator(c.models(), c.cfg.Distance, c.observed)
	c.state = initialState(c.coord, run.ID, run.Seed)
	c.status = StatusReady
	c.logger.Info("run created", "run_id", run.ID, "models", len(run.ModelNames), "seed", run.Seed)
	return run.ID, nil
}

// Load restores the checkpoint after the latest stored population of runID.
// The configured models, priors, distance and strategies replace whatever the
// run was created with; only their count and parameter names must match.
func (c *Controller) Load(ctx context.Context, runID string) (err error) {
	ctx, span := tracer.Start(ctx, "smc.Load", trace.WithAttributes(attribute.String("run_id", runID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRunning {
		return ErrRunInProgress
	}

	run, ok, err := c.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if !ok {
		return &RunNotFoundError{RunID: runID}
	}
	if len(run.ModelNames) != c.coord.count() {
		return configErrorf("models", "run %s has %d models, %d configured", runID, len(run.ModelNames), c.coord.count())
	}

	pops, err := c.cfg.Store.ListPopulations(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s populations: %w", runID, err)
	}
	total := 0
	for i, pop := range pops {
		if pop.Index != i {
			return &CorruptHistoryError{RunID: runID, Population: pop.Index, Reason: fmt.Sprintf("expected population %d", i)}
		}
		total += pop.Proposals
	}

	state := initialState(c.coord, run.ID, run.Seed)
	record, ok, err := c.cfg.Store.LatestPopulation(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s latest population: %w", runID, err)
	}
	if ok {
		if err := checkRecord(record, c.coord.count()); err != nil {
			return err
		}
		kernels, err := decodeKernels(c.coord, record)
		if err != nil {
			return err
		}
		state, err = advance(c.coord, c.cfg.Epsilon, run.Seed, record, kernels, total)
		if err != nil {
			return err
		}
	}

	c.observed = distribution.SumStat(run.Observed).Clone()
	c.eval = NewEvaluator(c.models(), c.cfg.Distance, c.observed)
	c.state = state
	c.status = StatusReady
	span.SetAttributes(attribute.Int("population", state.T), attribute.Float64("epsilon", state.Epsilon))
	c.logger.Info("run loaded", "run_id", runID, "populations", state.T, "next_epsilon", state.Epsilon)
	return nil
}

// Run samples populations until the last completed population's epsilon is
// at most minEpsilon, maxPopulations new populations exist, or another
// stopping criterion fires. maxPopulations == 0 returns without sampling.
func (c *Controller) Run(ctx context.Context, minEpsilon float64, maxPopulations int) (summary Summary, err error) {
	c.mu.Lock()
	switch c.status {
	case StatusUninitialized:
		c.mu.Unlock()
		return Summary{}, ErrNoRun
	case StatusRunning:
		c.mu.Unlock()
		return Summary{}, ErrRunInProgress
	}
	if maxPopulations < 0 {
		c.mu.Unlock()
		return Summary{}, configErrorf("max_populations", "must be >= 0, got %d", maxPopulations)
	}
	c.status = StatusRunning
	state := c.state
	c.mu.Unlock()

	ctx, span := tracer.Start(ctx, "smc.Run", trace.WithAttributes(
		attribute.String("run_id", state.RunID),
		attribute.Float64("min_epsilon", minEpsilon),
		attribute.Int("max_populations", maxPopulations),
	))
	started := time.Now()
	defer func() {
		c.mu.Lock()
		c.status = StatusTerminated
		c.mu.Unlock()
		c.stop.Store(false)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("stop_reason", string(summary.StopReason)))
		span.End()
	}()

	produced := 0
	var reason StopReason
	for {
		reason = c.stopReason(state, minEpsilon, produced, maxPopulations, started)
		if reason != StopReasonNone {
			break
		}
		next, err := c.generation(ctx, state)
		if err != nil {
			return c.summarize(state, produced, reason, started), err
		}
		state = next
		produced++
		c.mu.Lock()
		c.state = state
		c.mu.Unlock()
	}

	if produced > 0 {
		if err := c.cfg.Store.FinishRun(ctx, state.RunID, time.Now().UTC()); err != nil {
			return c.summarize(state, produced, reason, started), fmt.Errorf("finish run %s: %w", state.RunID, err)
		}
	}
	summary = c.summarize(state, produced, reason, started)
	c.logger.Info("run stopped",
		"run_id", state.RunID,
		"populations", state.T,
		"new_populations", produced,
		"stop_reason", string(reason),
		"duration", summary.Duration,
	)
	return summary, nil
}

// Stop asks a running Run to return after the current generation is stored.
func (c *Controller) Stop() {
	c.stop.Store(true)
}

func (c *Controller) State() PopulationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) RunID() string {
	return c.State().RunID
}

func (c *Controller) stopReason(state PopulationState, minEpsilon float64, produced, maxPopulations int, started time.Time) StopReason {
	switch {
	case c.stop.Load():
		return StopReasonStopped
	case state.T > 0 && state.PreviousEpsilon <= minEpsilon:
		return StopReasonMinEpsilon
	case state.T > 0 && c.coord.collapsed(state.Probabilities):
		return StopReasonSingleModel
	case produced >= maxPopulations:
		return StopReasonMaxPopulations
	case c.cfg.MaxTotalSimulations > 0 && state.TotalProposals >= c.cfg.MaxTotalSimulations:
		return StopReasonMaxSimulations
	case c.cfg.MaxWalltime > 0 && time.Since(started) >= c.cfg.MaxWalltime:
		return StopReasonWalltime
	default:
		return StopReasonNone
	}
}

func (c *Controller) summarize(state PopulationState, produced int, reason StopReason, started time.Time) Summary {
	last := math.NaN()
	if state.T > 0 {
		last = state.PreviousEpsilon
	}
	return Summary{
		RunID:              state.RunID,
		Populations:        state.T,
		NewPopulations:     produced,
		Epsilon:            last,
		NextEpsilon:        state.Epsilon,
		ModelProbabilities: append([]float64(nil), state.Probabilities...),
		TotalProposals:     state.TotalProposals,
		StopReason:         reason,
		Duration:           time.Since(started),
	}
}

func (c *Controller) models() []Model {
	out := make([]Model, len(c.cfg.Models))
	for i, spec := range c.cfg.Models {
		out[i] = spec.Model
	}
	return out
}

func (c *Controller) options() map[string]string {
	out := make(map[string]string, len(c.cfg.Labels)+6)
	for k, v := range c.cfg.Labels {
		out[k] = v
	}
	for k, v := range map[string]string{
		"distance":          c.cfg.Distance.Name(),
		"epsilon":           c.cfg.Epsilon.Name(),
		"kernel":            c.cfg.Kernel.Name(),
		"population_size":   c.cfg.PopulationSize.Name(),
		"allocation":        c.cfg.Allocation.String(),
		"model_prune_floor": strconv.FormatFloat(c.cfg.ModelPruneFloor, 'g', -1, 64),
	} {
		out[k] = v
	}
	return out
}
