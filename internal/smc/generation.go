package smc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"abcsmc/internal/distribution"
	"abcsmc/internal/kernel"
	"abcsmc/internal/model"
	"abcsmc/internal/storage"
)

type slotResult struct {
	model    int
	params   distribution.Parameter
	vector   []float64
	sumStat  distribution.SumStat
	distance float64
}

// generation holds what one population's workers share.
type generation struct {
	c       *Controller
	state   PopulationState
	epsilon float64

	q           []float64
	qCumulative []float64
	slotModels  []int

	mu        sync.Mutex
	proposals int
	perModel  []int
}

func (c *Controller) generation(ctx context.Context, state PopulationState) (next PopulationState, err error) {
	t := state.T
	ctx, span := tracer.Start(ctx, "smc.generation", trace.WithAttributes(
		attribute.String("run_id", state.RunID),
		attribute.Int("population", t),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	started := time.Now()
	n := c.cfg.PopulationSize.Size(t)
	if n <= 0 {
		return PopulationState{}, configErrorf("population_size", "population %d size must be > 0, got %d", t, n)
	}

	q := c.coord.proposal(state)
	g := &generation{
		c:           c,
		state:       state,
		q:           q,
		qCumulative: cumulativeOf(q),
		perModel:    make([]int, c.coord.count()),
	}
	if !sampleIndexable(g.qCumulative) {
		return PopulationState{}, fmt.Errorf("run %s population %d: %w", state.RunID, t, ErrNoAliveModels)
	}
	if c.cfg.Allocation == AllocateProportional {
		g.slotModels = make([]int, 0, n)
		for m, quota := range allocateQuotas(q, n) {
			for i := 0; i < quota; i++ {
				g.slotModels = append(g.slotModels, m)
			}
		}
	}

	g.epsilon = state.Epsilon
	if math.IsNaN(g.epsilon) {
		g.epsilon, err = g.calibrate(ctx)
		if err != nil {
			return PopulationState{}, err
		}
	}
	span.SetAttributes(attribute.Float64("epsilon", g.epsilon))
	c.logger.Info("population started",
		"run_id", state.RunID,
		"population", t,
		"epsilon", g.epsilon,
		"size", n,
		"alive_models", len(state.AliveModels()),
	)

	results, err := g.sample(ctx, n)
	if err != nil {
		return PopulationState{}, err
	}
	weights, err := g.weights(results)
	if err != nil {
		return PopulationState{}, err
	}

	record := g.record(results, weights, started)

	// Next epsilon and kernels are derived before the append so the stored
	// model rows carry the kernels that propose population t+1.
	if _, err := nextEpsilon(c.cfg.Epsilon, record); err != nil {
		return PopulationState{}, fmt.Errorf("run %s population %d: next epsilon: %w", state.RunID, t+1, err)
	}
	kernels, err := g.fitKernels(record)
	if err != nil {
		return PopulationState{}, err
	}
	for i := range record.Models {
		k := kernels[record.Models[i].ModelIndex]
		if k == nil {
			continue
		}
		encoded, err := kernel.Encode(k)
		if err != nil {
			return PopulationState{}, fmt.Errorf("encode kernel for model %d: %w", record.Models[i].ModelIndex, err)
		}
		record.Models[i].Kernel = encoded
	}

	if err := c.cfg.Store.AppendPopulation(ctx, record); err != nil {
		return PopulationState{}, fmt.Errorf("persist population %d of run %s: %w", t, state.RunID, err)
	}

	next, err = advance(c.coord, c.cfg.Epsilon, state.Seed, record, kernels, state.TotalProposals+record.Population.Proposals)
	if err != nil {
		return PopulationState{}, err
	}
	span.SetAttributes(attribute.Int("proposals", record.Population.Proposals))
	c.logger.Info("population stored",
		"run_id", state.RunID,
		"population", t,
		"epsilon", g.epsilon,
		"proposals", record.Population.Proposals,
		"acceptance_rate", float64(n)/float64(record.Population.Proposals),
		"next_epsilon", next.Epsilon,
		"duration", record.Population.Duration,
	)
	return next, nil
}

func sampleIndexable(cumulative []float64) bool {
	return len(cumulative) > 0 && cumulative[len(cumulative)-1] > 0
}

// calibrate computes the population 0 threshold, simulating from the prior
// when the scheduler asks for it. These simulations count as proposals.
func (g *generation) calibrate(ctx context.Context) (float64, error) {
	sched := g.c.cfg.Epsilon
	k := sched.CalibrationSamples()
	if k == 0 {
		eps, err := sched.Initial(nil)
		if err != nil {
			return 0, configErrorf("epsilon", "%v", err)
		}
		return eps, nil
	}

	distances := make([]float64, k)
	p := pool.New().WithContext(ctx).WithMaxGoroutines(g.c.workers).WithCancelOnError().WithFirstError()
	for i := 0; i < k; i++ {
		p.Go(func(ctx context.Context) error {
			rng := slotRand(g.state.Seed, 0, streamCalibration, i)
			failures := 0
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				m := sampleIndex(rng, g.qCumulative)
				params := g.c.cfg.Models[m].Prior.Sample(rng)
				_, d, err := g.evaluate(ctx, rng, m, params, &failures)
				if err != nil {
					return err
				}
				if d < 0 {
					continue
				}
				distances[i] = d
				return nil
			}
		})
	}
	if err := p.Wait(); err != nil {
		return 0, fmt.Errorf("calibrate epsilon for run %s: %w", g.state.RunID, err)
	}
	// Calibration draws count as proposals but not towards the per-model
	// shares used in the quota weights.
	for m := range g.perModel {
		g.perModel[m] = 0
	}
	eps, err := sched.Initial(distances)
	if err != nil {
		return 0, fmt.Errorf("calibrate epsilon for run %s: %w", g.state.RunID, err)
	}
	return eps, nil
}

func (g *generation) sample(ctx context.Context, n int) ([]slotResult, error) {
	results := make([]slotResult, n)
	p := pool.New().WithContext(ctx).WithMaxGoroutines(g.c.workers).WithCancelOnError().WithFirstError()
	for slot := 0; slot < n; slot++ {
		p.Go(func(ctx context.Context) error {
			res, err := g.fillSlot(ctx, slot)
			if err != nil {
				return err
			}
			results[slot] = res
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("sample population %d of run %s: %w", g.state.T, g.state.RunID, err)
	}
	return results, nil
}

// fillSlot proposes until one particle is accepted for the slot.
func (g *generation) fillSlot(ctx context.Context, slot int) (slotResult, error) {
	rng := slotRand(g.state.Seed, g.state.T, streamPopulation, slot)
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return slotResult{}, err
		}
		m := g.pickModel(rng, slot)
		params, vec, err := g.propose(rng, m)
		if err != nil {
			return slotResult{}, err
		}
		sim, d, err := g.evaluate(ctx, rng, m, params, &failures)
		if err != nil {
			return slotResult{}, err
		}
		if d >= 0 && d <= g.epsilon {
			return slotResult{model: m, params: params, vector: vec, sumStat: sim, distance: d}, nil
		}
	}
}

func (g *generation) pickModel(rng *rand.Rand, slot int) int {
	if g.slotModels != nil {
		return g.slotModels[slot]
	}
	return sampleIndex(rng, g.qCumulative)
}

// propose draws a parameter for model m: from the prior at t=0, else by
// perturbing a weighted ancestor until the result has positive prior density.
func (g *generation) propose(rng *rand.Rand, m int) (distribution.Parameter, []float64, error) {
	spec := g.c.cfg.Models[m]
	names := g.c.coord.names[m]
	if g.state.T == 0 {
		params := spec.Prior.Sample(rng)
		vec, err := params.Vector(names)
		if err != nil {
			return nil, nil, fmt.Errorf("model %d prior sample: %w", m, err)
		}
		return params, vec, nil
	}

	k := g.state.kernels[m]
	anc := g.state.ancestors[m]
	if k == nil || !sampleIndexable(anc.cumulative) {
		return nil, nil, fmt.Errorf("run %s population %d model %d: %w", g.state.RunID, g.state.T, m, ErrNoAliveModels)
	}
	for attempt := 0; attempt < g.c.cfg.MaxSupportRetries; attempt++ {
		j := sampleIndex(rng, anc.cumulative)
		vec := k.Perturb(rng, anc.points[j])
		params := distribution.FromVector(names, vec)
		if spec.Prior.Density(params) > 0 {
			return params, vec, nil
		}
	}
	return nil, nil, &PriorSupportExhaustedError{
		RunID:      g.state.RunID,
		Population: g.state.T,
		Model:      m,
		Retries:    g.c.cfg.MaxSupportRetries,
	}
}

// evaluate runs one simulation and counts it as a proposal. A tolerated
// failure returns distance -1 and a nil error.
func (g *generation) evaluate(ctx context.Context, rng *rand.Rand, m int, params distribution.Parameter, failures *int) (distribution.SumStat, float64, error) {
	sim, d, err := g.c.eval.Evaluate(ctx, rng, m, params)

	g.mu.Lock()
	g.proposals++
	g.perModel[m]++
	g.mu.Unlock()

	if err == nil {
		return sim, d, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, 0, ctxErr
	}
	var se *SimulationError
	if errors.As(err, &se) {
		se.RunID = g.state.RunID
		se.Population = g.state.T
	}
	*failures++
	if *failures > g.c.cfg.SimulationRetries {
		return nil, 0, err
	}
	g.c.logger.Debug("simulation failed, redrawing",
		"run_id", g.state.RunID,
		"population", g.state.T,
		"model", m,
		"failures", *failures,
		"error", err,
	)
	return nil, -1, nil
}

// weights computes normalized importance weights in slot order.
func (g *generation) weights(results []slotResult) ([]float64, error) {
	raw := make([]float64, len(results))
	for i, res := range results {
		m := res.model
		if g.state.T == 0 && g.slotModels == nil {
			raw[i] = 1
			continue
		}
		w := g.c.coord.prior[m] / g.proposalShare(m)
		if g.state.T > 0 {
			w *= g.c.cfg.Models[m].Prior.Density(res.params) / g.perturbationDensity(m, res.vector)
		}
		raw[i] = w
	}

	total := 0.0
	for _, w := range raw {
		total += w
	}
	if !(total > 0) || math.IsInf(total, 0) {
		return nil, fmt.Errorf("run %s population %d: %w (sum=%g)", g.state.RunID, g.state.T, ErrInvalidWeights, total)
	}
	for i := range raw {
		raw[i] /= total
		if math.IsNaN(raw[i]) || math.IsInf(raw[i], 0) {
			return nil, fmt.Errorf("run %s population %d particle %d: %w", g.state.RunID, g.state.T, i, ErrInvalidWeights)
		}
	}
	return raw, nil
}

// proposalShare is q(m) under sampled allocation and the empirical share of
// simulations spent on m under fixed quotas.
func (g *generation) proposalShare(m int) float64 {
	if g.slotModels == nil {
		return g.q[m]
	}
	sampled := 0
	for _, c := range g.perModel {
		sampled += c
	}
	return float64(g.perModel[m]) / float64(sampled)
}

// perturbationDensity is sum_j w_j K_m(x | x_j) over model m's ancestors.
func (g *generation) perturbationDensity(m int, x []float64) float64 {
	k := g.state.kernels[m]
	anc := g.state.ancestors[m]
	total := 0.0
	for j, point := range anc.points {
		total += anc.weights[j] * k.Density(x, point)
	}
	return total
}

func (g *generation) record(results []slotResult, weights []float64, started time.Time) model.PopulationRecord {
	state := g.state
	pop := model.Population{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           state.RunID,
		Index:           state.T,
		Epsilon:         g.epsilon,
		Proposals:       g.proposals,
		Duration:        time.Since(started),
		EndedAt:         time.Now().UTC(),
		Particles:       len(results),
	}

	probs := make([]float64, g.c.coord.count())
	particles := make([]model.Particle, len(results))
	for i, res := range results {
		probs[res.model] += weights[i]
		particles[i] = model.Particle{
			RunID:           state.RunID,
			PopulationIndex: state.T,
			Index:           i,
			ModelIndex:      res.model,
			Parameters:      map[string]float64(res.params),
			SumStat:         map[string]float64(res.sumStat),
			Distance:        res.distance,
			Weight:          weights[i],
		}
	}

	models := make([]model.ModelRecord, g.c.coord.count())
	for m := range models {
		models[m] = model.ModelRecord{
			RunID:           state.RunID,
			PopulationIndex: state.T,
			ModelIndex:      m,
			Name:            g.c.cfg.Models[m].Model.Name(),
			Probability:     probs[m],
		}
	}
	return model.PopulationRecord{Population: pop, Models: models, Particles: particles}
}

// fitKernels fits one kernel per model with particles. In a multi-model run a
// model whose particles are degenerate is retired; the generation only fails
// when no model can be perturbed any more.
func (g *generation) fitKernels(record model.PopulationRecord) ([]kernel.Kernel, error) {
	count := g.c.coord.count()
	points := make([][][]float64, count)
	weights := make([][]float64, count)
	for _, p := range record.Particles {
		vec, err := vectorFor(g.c.coord, p)
		if err != nil {
			return nil, err
		}
		points[p.ModelIndex] = append(points[p.ModelIndex], vec)
		weights[p.ModelIndex] = append(weights[p.ModelIndex], p.Weight)
	}

	kernels := make([]kernel.Kernel, count)
	var degenerate error
	fitted := 0
	for m := 0; m < count; m++ {
		if len(points[m]) == 0 {
			continue
		}
		k, err := g.c.cfg.Kernel.Fit(g.c.coord.names[m], points[m], weights[m])
		if err != nil {
			wrapped := fmt.Errorf("run %s population %d model %d: %w", g.state.RunID, g.state.T, m, err)
			if !errors.Is(err, kernel.ErrDegenerateKernel) || count == 1 {
				return nil, wrapped
			}
			if degenerate == nil {
				degenerate = wrapped
			}
			g.c.logger.Warn("model retired",
				"run_id", g.state.RunID,
				"population", g.state.T,
				"model", m,
				"error", err,
			)
			continue
		}
		kernels[m] = k
		fitted++
	}
	if fitted == 0 && degenerate != nil {
		return nil, degenerate
	}
	return kernels, nil
}
