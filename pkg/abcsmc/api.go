// Package abcsmc is the public entry point: it opens a history store and
// creates, resumes and inspects ABC-SMC runs.
package abcsmc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"abcsmc/internal/epsilon"
	"abcsmc/internal/history"
	"abcsmc/internal/kernel"
	"abcsmc/internal/model"
	"abcsmc/internal/scenario"
	"abcsmc/internal/smc"
	"abcsmc/internal/stats"
	"abcsmc/internal/storage"
)

const (
	defaultDBPath         = "abcsmc.db"
	defaultExportsDir     = "exports"
	defaultPopulationSize = smc.DefaultPopulationSize
	defaultMaxPopulations = 5
	defaultScenario       = "gaussian"
	labelScenario         = "scenario"
	labelRequest          = "request"
	timeLayout            = time.RFC3339
)

type Options struct {
	StoreKind string
	// DSN is the SQLite file path or the PostgreSQL connection string.
	DSN    string
	Logger *slog.Logger
}

type Client struct {
	store     storage.Store
	logger    *slog.Logger
	scenarios *scenario.Registry

	initMu      sync.Mutex
	initialized bool
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dsn := opts.DSN
	if dsn == "" && storeKind == storage.KindSQLite {
		dsn = defaultDBPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(storeKind, dsn)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:     store,
		logger:    logger,
		scenarios: scenario.Default(),
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// SamplerConfig carries the user-supplied collaborators of a run. They are
// never persisted; Load must be given equivalent (or deliberately different)
// ones.
type SamplerConfig struct {
	Models   []ModelSpec
	Distance Distance

	Epsilon        EpsilonScheduler
	Kernel         KernelFitter
	PopulationSize PopulationStrategy
	Allocation     Allocation

	Workers             int
	Seed                int64
	MaxSupportRetries   int
	SimulationRetries   int
	ModelPruneFloor     float64
	MaxWalltime         time.Duration
	MaxTotalSimulations int
	Labels              map[string]string

	// GroundTruthModel and GroundTruthParameters are stored with the run
	// when the observation was simulated from a known process.
	GroundTruthModel      *int
	GroundTruthParameters Parameter
}

func (c *Client) controllerConfig(cfg SamplerConfig) smc.Config {
	return smc.Config{
		Store:               c.store,
		Models:              cfg.Models,
		Distance:            cfg.Distance,
		Epsilon:             cfg.Epsilon,
		Kernel:              cfg.Kernel,
		PopulationSize:      cfg.PopulationSize,
		Allocation:          cfg.Allocation,
		Workers:             cfg.Workers,
		Seed:                cfg.Seed,
		MaxSupportRetries:   cfg.MaxSupportRetries,
		SimulationRetries:   cfg.SimulationRetries,
		ModelPruneFloor:     cfg.ModelPruneFloor,
		MaxWalltime:         cfg.MaxWalltime,
		MaxTotalSimulations: cfg.MaxTotalSimulations,
		Labels:              cfg.Labels,
		Logger:              c.logger,

		GroundTruthModel:      cfg.GroundTruthModel,
		GroundTruthParameters: cfg.GroundTruthParameters,
	}
}

// Sampler drives one run.
type Sampler struct {
	controller *smc.Controller
}

// NewRun stores a new run header for observed and returns its sampler, ready
// to sample population 0.
func (c *Client) NewRun(ctx context.Context, cfg SamplerConfig, observed SumStat) (*Sampler, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	controller, err := smc.New(c.controllerConfig(cfg))
	if err != nil {
		return nil, err
	}
	if _, err := controller.NewRun(ctx, observed); err != nil {
		return nil, err
	}
	return &Sampler{controller: controller}, nil
}

// Load resumes runID after its latest stored population.
func (c *Client) Load(ctx context.Context, cfg SamplerConfig, runID string) (*Sampler, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	controller, err := smc.New(c.controllerConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := controller.Load(ctx, runID); err != nil {
		return nil, err
	}
	return &Sampler{controller: controller}, nil
}

func (s *Sampler) RunID() string { return s.controller.RunID() }

// Populations is the number of completed populations.
func (s *Sampler) Populations() int { return s.controller.State().T }

func (s *Sampler) Run(ctx context.Context, minEpsilon float64, maxPopulations int) (Summary, error) {
	return s.controller.Run(ctx, minEpsilon, maxPopulations)
}

// Stop makes a concurrent Run return once the current population is stored.
func (s *Sampler) Stop() { s.controller.Stop() }

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	EndedAtUTC   string
	Seed         int64
	Models       []string
	Scenario     string
	Populations  int
	Options      map[string]string
}

// Runs lists stored runs, newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}

	out := make([]RunItem, 0, len(runs))
	for _, run := range runs {
		pops, err := c.store.ListPopulations(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		item := RunItem{
			RunID:        run.ID,
			CreatedAtUTC: run.CreatedAt.UTC().Format(timeLayout),
			Seed:         run.Seed,
			Models:       append([]string(nil), run.ModelNames...),
			Scenario:     run.Options[labelScenario],
			Populations:  len(pops),
			Options:      run.Options,
		}
		if run.EndedAt != nil {
			item.EndedAtUTC = run.EndedAt.UTC().Format(timeLayout)
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *Client) PopulationCount(ctx context.Context, runID string) (int, error) {
	if err := c.Init(ctx); err != nil {
		return 0, err
	}
	return history.New(c.store, runID).PopulationCount(ctx)
}

type GroundTruthItem struct {
	Model      int
	Parameters Parameter
}

// GroundTruth returns the generating process recorded with runID. ok is false
// when none was recorded.
func (c *Client) GroundTruth(ctx context.Context, runID string) (GroundTruthItem, bool, error) {
	if err := c.Init(ctx); err != nil {
		return GroundTruthItem{}, false, err
	}
	m, params, ok, err := history.New(c.store, runID).GroundTruth(ctx)
	if err != nil || !ok {
		return GroundTruthItem{}, ok, err
	}
	return GroundTruthItem{Model: m, Parameters: params}, true, nil
}

type PopulationItem struct {
	Index          int
	Epsilon        float64
	Proposals      int
	Particles      int
	AcceptanceRate float64
	Duration       time.Duration
	EndedAtUTC     string
}

func (c *Client) Populations(ctx context.Context, runID string) ([]PopulationItem, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	pops, err := history.New(c.store, runID).Populations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PopulationItem, len(pops))
	for i, pop := range pops {
		rate := 0.0
		if pop.Proposals > 0 {
			rate = float64(pop.Particles) / float64(pop.Proposals)
		}
		out[i] = PopulationItem{
			Index:          pop.Index,
			Epsilon:        pop.Epsilon,
			Proposals:      pop.Proposals,
			Particles:      pop.Particles,
			AcceptanceRate: rate,
			Duration:       pop.Duration,
			EndedAtUTC:     pop.EndedAt.UTC().Format(timeLayout),
		}
	}
	return out, nil
}

type ModelProbabilityRow struct {
	Population    int
	Probabilities []float64
}

type ModelProbabilities struct {
	Models []string
	Rows   []ModelProbabilityRow
}

// ModelProbabilities returns the model marginal table of a run, one row per
// population.
func (c *Client) ModelProbabilities(ctx context.Context, runID string) (ModelProbabilities, error) {
	if err := c.Init(ctx); err != nil {
		return ModelProbabilities{}, err
	}
	h := history.New(c.store, runID)
	run, err := h.Run(ctx)
	if err != nil {
		return ModelProbabilities{}, err
	}
	table, err := h.ModelProbabilities(ctx)
	if err != nil {
		return ModelProbabilities{}, err
	}
	out := ModelProbabilities{Models: run.ModelNames, Rows: make([]ModelProbabilityRow, len(table))}
	for t, row := range table {
		out.Rows[t] = ModelProbabilityRow{Population: t, Probabilities: row}
	}
	return out, nil
}

type ParticlesRequest struct {
	RunID      string
	Population int
	// Model filters by model index; negative keeps all models.
	Model int
	Limit int
}

type ParticleItem struct {
	Index      int
	Model      int
	Parameters Parameter
	Distance   float64
	Weight     float64
}

// Particles returns the weighted particle table of one population.
func (c *Client) Particles(ctx context.Context, req ParticlesRequest) ([]ParticleItem, error) {
	if req.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	particles, err := history.New(c.store, req.RunID).Particles(ctx, req.Population)
	if err != nil {
		return nil, err
	}
	out := make([]ParticleItem, 0, len(particles))
	for _, p := range particles {
		if req.Model >= 0 && p.ModelIndex != req.Model {
			continue
		}
		out = append(out, ParticleItem{
			Index:      p.Index,
			Model:      p.ModelIndex,
			Parameters: Parameter(p.Parameters),
			Distance:   p.Distance,
			Weight:     p.Weight,
		})
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

type ExportRequest struct {
	RunID  string
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

// Export writes a run's header, populations, model probabilities and
// particles as JSON and CSV files under OutDir/<run id>.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID == "" {
		return ExportSummary{}, errors.New("run id is required")
	}
	if req.OutDir == "" {
		req.OutDir = defaultExportsDir
	}
	if err := c.Init(ctx); err != nil {
		return ExportSummary{}, err
	}
	dir, err := stats.ExportRun(ctx, history.New(c.store, req.RunID), req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: req.RunID, Directory: dir}, nil
}

type ScenarioItem struct {
	Name        string
	Description string
	Models      int
}

func (c *Client) Scenarios() ([]ScenarioItem, error) {
	all := c.scenarios.All()
	out := make([]ScenarioItem, 0, len(all))
	for _, s := range all {
		models, err := s.Models()
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", s.Name(), err)
		}
		out = append(out, ScenarioItem{Name: s.Name(), Description: s.Description(), Models: len(models)})
	}
	return out, nil
}

// RunRequest describes a run of a built-in scenario. It is stored with the
// run so that ResumeScenario can rebuild the same sampler.
type RunRequest struct {
	Scenario            string        `json:"scenario"`
	PopulationSize      int           `json:"population_size,omitempty"`
	Workers             int           `json:"workers,omitempty"`
	Seed                int64         `json:"seed"`
	Epsilon             string        `json:"epsilon,omitempty"`
	Alpha               float64       `json:"alpha,omitempty"`
	Weighted            bool          `json:"weighted,omitempty"`
	InitialEpsilon      float64       `json:"initial_epsilon,omitempty"`
	EpsilonList         []float64     `json:"epsilon_list,omitempty"`
	CalibrationSamples  int           `json:"calibration_samples,omitempty"`
	KernelScale         float64       `json:"kernel_scale,omitempty"`
	Allocation          string        `json:"allocation,omitempty"`
	ModelPruneFloor     float64       `json:"model_prune_floor,omitempty"`
	SimulationRetries   int           `json:"simulation_retries,omitempty"`
	MaxSupportRetries   int           `json:"max_support_retries,omitempty"`
	MinEpsilon          float64       `json:"min_epsilon,omitempty"`
	MaxPopulations      int           `json:"max_populations,omitempty"`
	MaxWalltime         time.Duration `json:"max_walltime,omitempty"`
	MaxTotalSimulations int           `json:"max_total_simulations,omitempty"`
}

// runRequestJSON shadows the epsilon fields so that an infinite first
// threshold survives the stored form.
type runRequestJSON struct {
	*runRequestAlias
	InitialEpsilon model.JSONFloat   `json:"initial_epsilon,omitempty"`
	EpsilonList    []model.JSONFloat `json:"epsilon_list,omitempty"`
}

type runRequestAlias RunRequest

func (r RunRequest) MarshalJSON() ([]byte, error) {
	alias := runRequestAlias(r)
	return json.Marshal(runRequestJSON{
		runRequestAlias: &alias,
		InitialEpsilon:  model.JSONFloat(r.InitialEpsilon),
		EpsilonList:     model.JSONFloats(r.EpsilonList),
	})
}

func (r *RunRequest) UnmarshalJSON(data []byte) error {
	aux := runRequestJSON{runRequestAlias: (*runRequestAlias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.InitialEpsilon = float64(aux.InitialEpsilon)
	r.EpsilonList = model.Float64s(aux.EpsilonList)
	return nil
}

func (r *RunRequest) applyDefaults() {
	if r.Scenario == "" {
		r.Scenario = defaultScenario
	}
	if r.PopulationSize <= 0 {
		r.PopulationSize = defaultPopulationSize
	}
	if r.Epsilon == "" {
		r.Epsilon = "quantile"
	}
	if r.MaxPopulations <= 0 {
		r.MaxPopulations = defaultMaxPopulations
	}
}

func (c *Client) scenarioConfig(req RunRequest) (SamplerConfig, SumStat, error) {
	s, err := c.scenarios.Lookup(req.Scenario)
	if err != nil {
		return SamplerConfig{}, nil, err
	}
	models, err := s.Models()
	if err != nil {
		return SamplerConfig{}, nil, err
	}
	sched, err := schedulerFromRequest(req)
	if err != nil {
		return SamplerConfig{}, nil, err
	}
	allocation, err := smc.ParseAllocation(req.Allocation)
	if err != nil {
		return SamplerConfig{}, nil, err
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return SamplerConfig{}, nil, err
	}
	return SamplerConfig{
		Models:              models,
		Distance:            s.Distance(),
		Epsilon:             sched,
		Kernel:              kernel.MultivariateNormalFitter{Scale: req.KernelScale},
		PopulationSize:      smc.ConstantPopulationSize{N: req.PopulationSize},
		Allocation:          allocation,
		Workers:             req.Workers,
		Seed:                req.Seed,
		MaxSupportRetries:   req.MaxSupportRetries,
		SimulationRetries:   req.SimulationRetries,
		ModelPruneFloor:     req.ModelPruneFloor,
		MaxWalltime:         req.MaxWalltime,
		MaxTotalSimulations: req.MaxTotalSimulations,
		Labels: map[string]string{
			labelScenario: req.Scenario,
			labelRequest:  string(encoded),
		},
	}, s.Observed(), nil
}

func schedulerFromRequest(req RunRequest) (EpsilonScheduler, error) {
	switch req.Epsilon {
	case "quantile", "median":
		return epsilon.QuantileEpsilon{
			Alpha:           req.Alpha,
			Weighted:        req.Weighted,
			InitialEpsilon:  req.InitialEpsilon,
			CalibrationSize: req.CalibrationSamples,
		}, nil
	case "list":
		return epsilon.ListEpsilon{Values: req.EpsilonList}, nil
	default:
		return nil, fmt.Errorf("unsupported epsilon strategy: %s", req.Epsilon)
	}
}

// NewScenarioRun creates a run of a built-in scenario without sampling.
func (c *Client) NewScenarioRun(ctx context.Context, req RunRequest) (*Sampler, RunRequest, error) {
	req.applyDefaults()
	cfg, observed, err := c.scenarioConfig(req)
	if err != nil {
		return nil, RunRequest{}, err
	}
	sampler, err := c.NewRun(ctx, cfg, observed)
	if err != nil {
		return nil, RunRequest{}, err
	}
	return sampler, req, nil
}

// RunScenario creates a scenario run and samples it to its stopping rule.
func (c *Client) RunScenario(ctx context.Context, req RunRequest) (Summary, error) {
	sampler, req, err := c.NewScenarioRun(ctx, req)
	if err != nil {
		return Summary{}, err
	}
	return sampler.Run(ctx, req.MinEpsilon, req.MaxPopulations)
}

// ScenarioRequest reads back the request a scenario run was created with.
func (c *Client) ScenarioRequest(ctx context.Context, runID string) (RunRequest, error) {
	if err := c.Init(ctx); err != nil {
		return RunRequest{}, err
	}
	run, err := history.New(c.store, runID).Run(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			return RunRequest{}, &smc.RunNotFoundError{RunID: runID}
		}
		return RunRequest{}, err
	}
	raw, ok := run.Options[labelRequest]
	if !ok {
		return RunRequest{}, fmt.Errorf("run %s was not created from a scenario", runID)
	}
	var req RunRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return RunRequest{}, fmt.Errorf("decode scenario request of run %s: %w", runID, err)
	}
	return req, nil
}

// LoadScenarioRun resumes a scenario run. override may adjust the stored
// request (workers, stopping rule) before the sampler is rebuilt.
func (c *Client) LoadScenarioRun(ctx context.Context, runID string, override func(*RunRequest)) (*Sampler, RunRequest, error) {
	req, err := c.ScenarioRequest(ctx, runID)
	if err != nil {
		return nil, RunRequest{}, err
	}
	if override != nil {
		override(&req)
	}
	req.applyDefaults()
	cfg, _, err := c.scenarioConfig(req)
	if err != nil {
		return nil, RunRequest{}, err
	}
	sampler, err := c.Load(ctx, cfg, runID)
	if err != nil {
		return nil, RunRequest{}, err
	}
	return sampler, req, nil
}
