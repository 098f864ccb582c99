package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"abcsmc/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.Run
	populations map[string][]model.PopulationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string]model.Run)
	s.populations = make(map[string][]model.PopulationRecord)
	return nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run model.Run) error {
	if err := validateRun(run); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.Run{}, false, ErrNotInitialized
	}
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, false, nil
	}
	return cloneRun(run), true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	runs := make([]model.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

func (s *MemoryStore) FinishRun(_ context.Context, id string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	ended := endedAt
	run.EndedAt = &ended
	s.runs[id] = run
	return nil
}

func (s *MemoryStore) AppendPopulation(_ context.Context, record model.PopulationRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	runID := record.Population.RunID
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	existing := s.populations[runID]
	if record.Population.Index != len(existing) {
		return fmt.Errorf("%w: got=%d want=%d", ErrNonContiguous, record.Population.Index, len(existing))
	}
	s.populations[runID] = append(existing, cloneRecord(record))
	return nil
}

func (s *MemoryStore) GetPopulation(_ context.Context, runID string, index int) (model.PopulationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.PopulationRecord{}, false, ErrNotInitialized
	}
	records := s.populations[runID]
	if index < 0 || index >= len(records) {
		return model.PopulationRecord{}, false, nil
	}
	return cloneRecord(records[index]), true, nil
}

func (s *MemoryStore) LatestPopulation(_ context.Context, runID string) (model.PopulationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.PopulationRecord{}, false, ErrNotInitialized
	}
	records := s.populations[runID]
	if len(records) == 0 {
		return model.PopulationRecord{}, false, nil
	}
	return cloneRecord(records[len(records)-1]), true, nil
}

func (s *MemoryStore) ListPopulations(_ context.Context, runID string) ([]model.Population, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	records := s.populations[runID]
	out := make([]model.Population, 0, len(records))
	for _, record := range records {
		pop := record.Population
		pop.Particles = len(record.Particles)
		out = append(out, pop)
	}
	return out, nil
}

func (s *MemoryStore) ListModels(_ context.Context, runID string) ([]model.ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	var out []model.ModelRecord
	for _, record := range s.populations[runID] {
		for _, m := range record.Models {
			m.Kernel = append([]byte(nil), m.Kernel...)
			out = append(out, m)
		}
	}
	return out, nil
}

func cloneRun(run model.Run) model.Run {
	out := run
	out.Observed = cloneVector(run.Observed)
	out.ModelNames = append([]string(nil), run.ModelNames...)
	if run.Options != nil {
		out.Options = make(map[string]string, len(run.Options))
		for k, v := range run.Options {
			out.Options[k] = v
		}
	}
	if run.EndedAt != nil {
		ended := *run.EndedAt
		out.EndedAt = &ended
	}
	if run.GroundTruthModel != nil {
		m := *run.GroundTruthModel
		out.GroundTruthModel = &m
	}
	out.GroundTruthParameters = cloneVector(run.GroundTruthParameters)
	return out
}

func cloneRecord(record model.PopulationRecord) model.PopulationRecord {
	out := model.PopulationRecord{Population: record.Population}
	out.Population.Particles = len(record.Particles)
	out.Models = make([]model.ModelRecord, len(record.Models))
	for i, m := range record.Models {
		out.Models[i] = m
		out.Models[i].Kernel = append([]byte(nil), m.Kernel...)
	}
	out.Particles = make([]model.Particle, len(record.Particles))
	for i, p := range record.Particles {
		out.Particles[i] = p
		out.Particles[i].Parameters = cloneVector(p.Parameters)
		out.Particles[i].SumStat = cloneVector(p.SumStat)
	}
	return out
}

func cloneVector(v map[string]float64) map[string]float64 {
	if v == nil {
		return nil
	}
	out := make(map[string]float64, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out
}
