package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"abcsmc/internal/model"
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRunExists      = errors.New("run already exists")
	ErrNonContiguous  = errors.New("population index is not contiguous")
	ErrNotInitialized = errors.New("store is not initialized")
)

// Store is the durable, append-only history of ABC-SMC runs.
//
// AppendPopulation is atomic: the population row, its model rows and its
// particles become visible together or not at all. The population index must
// equal the number of populations already stored for the run.
type Store interface {
	Init(ctx context.Context) error
	CreateRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id string) (model.Run, bool, error)
	ListRuns(ctx context.Context) ([]model.Run, error)
	FinishRun(ctx context.Context, id string, endedAt time.Time) error
	AppendPopulation(ctx context.Context, record model.PopulationRecord) error
	GetPopulation(ctx context.Context, runID string, index int) (model.PopulationRecord, bool, error)
	LatestPopulation(ctx context.Context, runID string) (model.PopulationRecord, bool, error)
	ListPopulations(ctx context.Context, runID string) ([]model.Population, error)
	// ListModels returns every model row of the run ordered by population
	// then model index, without reading particles.
	ListModels(ctx context.Context, runID string) ([]model.ModelRecord, error)
}

func validateRun(run model.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return err
	}
	for name, v := range run.Observed {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("observed statistic %s is not finite", name)
		}
	}
	if run.GroundTruthModel != nil {
		if m := *run.GroundTruthModel; m < 0 || m >= len(run.ModelNames) {
			return fmt.Errorf("ground truth model %d out of range [0,%d)", m, len(run.ModelNames))
		}
	}
	for name, v := range run.GroundTruthParameters {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("ground truth parameter %s is not finite", name)
		}
	}
	return nil
}

func validateRecord(record model.PopulationRecord) error {
	pop := record.Population
	if pop.RunID == "" {
		return errors.New("population run id is required")
	}
	if pop.Index < 0 {
		return fmt.Errorf("population index must be >= 0, got %d", pop.Index)
	}
	if err := checkVersion(pop.VersionedRecord); err != nil {
		return err
	}
	if math.IsNaN(pop.Epsilon) || pop.Epsilon < 0 {
		return fmt.Errorf("population %d epsilon must be >= 0 or +Inf, got %g", pop.Index, pop.Epsilon)
	}
	seenModels := make(map[int]struct{}, len(record.Models))
	for _, m := range record.Models {
		if m.RunID != pop.RunID || m.PopulationIndex != pop.Index {
			return fmt.Errorf("model %d row does not belong to population %d", m.ModelIndex, pop.Index)
		}
		if _, dup := seenModels[m.ModelIndex]; dup {
			return fmt.Errorf("duplicate model row %d in population %d", m.ModelIndex, pop.Index)
		}
		seenModels[m.ModelIndex] = struct{}{}
	}
	for i, p := range record.Particles {
		if p.RunID != pop.RunID || p.PopulationIndex != pop.Index {
			return fmt.Errorf("particle %d does not belong to population %d", i, pop.Index)
		}
		if p.Index != i {
			return fmt.Errorf("particle index mismatch: got=%d want=%d", p.Index, i)
		}
		if _, ok := seenModels[p.ModelIndex]; !ok {
			return fmt.Errorf("particle %d references model %d without a model row", i, p.ModelIndex)
		}
	}
	return nil
}
