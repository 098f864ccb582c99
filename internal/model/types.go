package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Run is the header of one inference session. Model code is never stored,
// only the names the caller registered at creation time.
type Run struct {
	VersionedRecord
	ID         string             `json:"id"`
	CreatedAt  time.Time          `json:"created_at"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	Seed       int64              `json:"seed"`
	Observed   map[string]float64 `json:"observed"`
	ModelNames []string           `json:"model_names"`
	Options    map[string]string  `json:"options,omitempty"`

	// Ground truth is recorded for synthetic-data studies and never used by
	// the sampler.
	GroundTruthModel      *int               `json:"ground_truth_model,omitempty"`
	GroundTruthParameters map[string]float64 `json:"ground_truth_parameters,omitempty"`
}

type Population struct {
	VersionedRecord
	RunID     string        `json:"run_id"`
	Index     int           `json:"index"`
	Epsilon   float64       `json:"epsilon"`
	Proposals int           `json:"proposals"`
	Duration  time.Duration `json:"duration"`
	EndedAt   time.Time     `json:"ended_at"`
	Particles int           `json:"particles"`
}

// ModelRecord is the per-model snapshot of one population. Kernel holds the
// perturbation kernel fitted from this population, i.e. the one used to
// propose the next population. It is empty for models without particles.
type ModelRecord struct {
	RunID           string  `json:"run_id"`
	PopulationIndex int     `json:"population_index"`
	ModelIndex      int     `json:"model_index"`
	Name            string  `json:"name"`
	Probability     float64 `json:"probability"`
	Kernel          []byte  `json:"kernel,omitempty"`
}

type Particle struct {
	RunID           string             `json:"run_id"`
	PopulationIndex int                `json:"population_index"`
	Index           int                `json:"index"`
	ModelIndex      int                `json:"model_index"`
	Parameters      map[string]float64 `json:"parameters"`
	SumStat         map[string]float64 `json:"sum_stat,omitempty"`
	Distance        float64            `json:"distance"`
	Weight          float64            `json:"weight"`
}

// PopulationRecord is the unit of atomic append: a population together with
// all of its model rows and particles.
type PopulationRecord struct {
	Population Population    `json:"population"`
	Models     []ModelRecord `json:"models"`
	Particles  []Particle    `json:"particles"`
}

// ModelProbabilities returns the stored marginal per model index.
func (r PopulationRecord) ModelProbabilities(modelCount int) []float64 {
	out := make([]float64, modelCount)
	for _, m := range r.Models {
		if m.ModelIndex >= 0 && m.ModelIndex < modelCount {
			out[m.ModelIndex] = m.Probability
		}
	}
	return out
}
