// Package stats writes stored runs out as portable artifacts.
package stats

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"abcsmc/internal/history"
	"abcsmc/internal/model"
)

const (
	RunFile                = "run.json"
	PopulationsFile        = "populations.csv"
	ModelProbabilitiesFile = "model_probabilities.csv"
	ParticlesFile          = "particles.csv"
)

// RunHeader is the JSON form of a run header.
type RunHeader struct {
	RunID        string             `json:"run_id"`
	CreatedAtUTC string             `json:"created_at_utc"`
	EndedAtUTC   string             `json:"ended_at_utc,omitempty"`
	Seed         int64              `json:"seed"`
	Models       []string           `json:"models"`
	Observed     map[string]float64 `json:"observed"`
	Options      map[string]string  `json:"options,omitempty"`
	Populations  int                `json:"populations"`
	Simulations  int                `json:"simulations"`

	GroundTruthModel      *int               `json:"ground_truth_model,omitempty"`
	GroundTruthParameters map[string]float64 `json:"ground_truth_parameters,omitempty"`
}

// ExportRun writes the run header, the population table, the model
// probability table and every particle of the run under outDir/<run id>.
func ExportRun(ctx context.Context, h *history.History, outDir string) (string, error) {
	if h.RunID() == "" {
		return "", fmt.Errorf("run id is required")
	}
	run, err := h.Run(ctx)
	if err != nil {
		return "", err
	}
	pops, err := h.Populations(ctx)
	if err != nil {
		return "", err
	}
	probs, err := h.ModelProbabilities(ctx)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, run.ID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	header := RunHeader{
		RunID:        run.ID,
		CreatedAtUTC: run.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Seed:         run.Seed,
		Models:       run.ModelNames,
		Observed:     run.Observed,
		Options:      run.Options,
		Populations:  len(pops),

		GroundTruthModel:      run.GroundTruthModel,
		GroundTruthParameters: run.GroundTruthParameters,
	}
	if run.EndedAt != nil {
		header.EndedAtUTC = run.EndedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	for _, pop := range pops {
		header.Simulations += pop.Proposals
	}
	if err := writeJSON(filepath.Join(dst, RunFile), header); err != nil {
		return "", err
	}
	if err := writePopulations(filepath.Join(dst, PopulationsFile), pops); err != nil {
		return "", err
	}
	if err := writeModelProbabilities(filepath.Join(dst, ModelProbabilitiesFile), run.ModelNames, probs); err != nil {
		return "", err
	}

	particles := make([][]model.Particle, len(pops))
	for t := range pops {
		particles[t], err = h.Particles(ctx, t)
		if err != nil {
			return "", err
		}
	}
	if err := writeParticles(filepath.Join(dst, ParticlesFile), particles); err != nil {
		return "", err
	}
	return dst, nil
}

func writePopulations(path string, pops []model.Population) error {
	rows := make([][]string, 0, len(pops))
	for _, pop := range pops {
		rows = append(rows, []string{
			strconv.Itoa(pop.Index),
			formatFloat(pop.Epsilon),
			strconv.Itoa(pop.Particles),
			strconv.Itoa(pop.Proposals),
			strconv.FormatInt(pop.Duration.Milliseconds(), 10),
		})
	}
	return writeCSV(path, []string{"population", "epsilon", "particles", "proposals", "duration_ms"}, rows)
}

func writeModelProbabilities(path string, names []string, table [][]float64) error {
	header := append([]string{"population"}, names...)
	rows := make([][]string, 0, len(table))
	for t, probs := range table {
		row := []string{strconv.Itoa(t)}
		for _, p := range probs {
			row = append(row, formatFloat(p))
		}
		rows = append(rows, row)
	}
	return writeCSV(path, header, rows)
}

func writeParticles(path string, populations [][]model.Particle) error {
	seen := make(map[string]struct{})
	for _, particles := range populations {
		for _, p := range particles {
			for name := range p.Parameters {
				seen[name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	header := append([]string{"population", "particle", "model", "weight", "distance"}, names...)
	var rows [][]string
	for _, particles := range populations {
		for _, p := range particles {
			row := []string{
				strconv.Itoa(p.PopulationIndex),
				strconv.Itoa(p.Index),
				strconv.Itoa(p.ModelIndex),
				formatFloat(p.Weight),
				formatFloat(p.Distance),
			}
			for _, name := range names {
				v, ok := p.Parameters[name]
				if !ok {
					row = append(row, "")
					continue
				}
				row = append(row, formatFloat(v))
			}
			rows = append(rows, row)
		}
	}
	return writeCSV(path, header, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return file.Sync()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
