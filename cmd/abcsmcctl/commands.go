package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"abcsmc/internal/model"
	"abcsmc/pkg/abcsmc"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the history schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "initialized store=%s\n", opts.storeKind)
			return nil
		},
	}
}

func newNewCmd(opts *rootOptions) *cobra.Command {
	flags := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a scenario run without sampling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			client, err := opts.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			sampler, req, err := client.NewScenarioRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s scenario=%s seed=%d population=%d\n",
				sampler.RunID(), req.Scenario, req.Seed, req.PopulationSize)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	flags := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a scenario run and sample it until a stopping rule fires",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			client, err := opts.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			sampler, req, err := client.NewScenarioRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			return sampleUntilStopped(cmd.Context(), cmd.OutOrStdout(), sampler, req)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var (
		workers        int
		minEpsilon     float64
		maxPopulations int
	)
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a stored scenario run after its latest population",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			changed := cmd.Flags().Changed
			sampler, req, err := client.LoadScenarioRun(cmd.Context(), args[0], func(r *abcsmc.RunRequest) {
				if changed("workers") {
					r.Workers = workers
				}
				if changed("min-epsilon") {
					r.MinEpsilon = minEpsilon
				}
				if changed("max-populations") {
					r.MaxPopulations = maxPopulations
				}
			})
			if err != nil {
				return err
			}
			return sampleUntilStopped(cmd.Context(), cmd.OutOrStdout(), sampler, req)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent simulations (0 = GOMAXPROCS)")
	cmd.Flags().Float64Var(&minEpsilon, "min-epsilon", 0, "stop once epsilon is at or below this value")
	cmd.Flags().IntVar(&maxPopulations, "max-populations", 0, "stop after this many new populations")
	return cmd
}

// sampleUntilStopped runs the sampler; an interrupt stops it after the
// population in flight is stored.
func sampleUntilStopped(ctx context.Context, out io.Writer, sampler *abcsmc.Sampler, req abcsmc.RunRequest) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)
	defer signal.Stop(signals)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-signals:
			sampler.Stop()
		case <-done:
		}
	}()

	summary, err := sampler.Run(ctx, req.MinEpsilon, req.MaxPopulations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run_id=%s populations=%d new_populations=%d epsilon=%g next_epsilon=%g proposals=%d stop_reason=%s model_probabilities=%s\n",
		summary.RunID,
		summary.Populations,
		summary.NewPopulations,
		summary.Epsilon,
		summary.NextEpsilon,
		summary.TotalProposals,
		summary.StopReason,
		formatFloats(summary.ModelProbabilities),
	)
	return nil
}

func newRunsCmd(opts *rootOptions) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			client, err := opts.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			runs, err := client.Runs(cmd.Context(), abcsmc.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs found")
				return nil
			}
			for _, r := range runs {
				ended := r.EndedAtUTC
				if ended == "" {
					ended = "open"
				}
				fmt.Fprintf(out, "run_id=%s created_at=%s ended_at=%s scenario=%s seed=%d models=%s populations=%d\n",
					r.RunID, r.CreatedAtUTC, ended, orNA(r.Scenario), r.Seed, strings.Join(r.Models, ","), r.Populations)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs list as JSON")
	return cmd
}

func newPopulationsCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "populations <run-id>",
		Short: "Show per-population epsilon, proposals and acceptance rate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			pops, err := client.Populations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, populationsJSON(pops))
			}
			for _, p := range pops {
				fmt.Fprintf(out, "t=%d epsilon=%g particles=%d proposals=%d acceptance=%.4f duration=%s\n",
					p.Index, p.Epsilon, p.Particles, p.Proposals, p.AcceptanceRate, p.Duration)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit populations as JSON")
	return cmd
}

func newModelsCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "models <run-id>",
		Short: "Show the model probability table of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			table, err := client.ModelProbabilities(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, table)
			}
			fmt.Fprintf(out, "models=%s\n", strings.Join(table.Models, ","))
			for _, row := range table.Rows {
				fmt.Fprintf(out, "t=%d p=%s\n", row.Population, formatFloats(row.Probabilities))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the table as JSON")
	return cmd
}

func newParticlesCmd(opts *rootOptions) *cobra.Command {
	var (
		population int
		modelIndex int
		limit      int
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "particles <run-id>",
		Short: "Show the weighted particles of one population",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return errors.New("limit must be >= 0")
			}
			client, err := opts.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			particles, err := client.Particles(cmd.Context(), abcsmc.ParticlesRequest{
				RunID:      args[0],
				Population: population,
				Model:      modelIndex,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, particlesJSON(particles))
			}
			for _, p := range particles {
				fmt.Fprintf(out, "i=%d m=%d w=%.6g d=%.6g %s\n", p.Index, p.Model, p.Weight, p.Distance, formatParameter(p.Parameters))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&population, "population", abcsmc.Latest, "population index (-1 = latest)")
	cmd.Flags().IntVar(&modelIndex, "model", -1, "model index filter (-1 = all)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max particles to show (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit particles as JSON")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a run's populations and particles as JSON and CSV files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			exported, err := client.Export(cmd.Context(), abcsmc.ExportRequest{RunID: args[0], OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s dir=%s\n", exported.RunID, exported.Directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "exports", "output directory")
	return cmd
}

func newScenariosCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List built-in scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := abcsmc.New(abcsmc.Options{StoreKind: "memory", Logger: opts.logger})
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			items, err := client.Scenarios()
			if err != nil {
				return err
			}
			for _, s := range items {
				fmt.Fprintf(cmd.OutOrStdout(), "%s models=%d %s\n", s.Name, s.Models, s.Description)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "abcsmcctl version %s\n", version)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type populationRow struct {
	Index          int             `json:"index"`
	Epsilon        model.JSONFloat `json:"epsilon"`
	Proposals      int             `json:"proposals"`
	Particles      int             `json:"particles"`
	AcceptanceRate float64         `json:"acceptance_rate"`
	DurationMS     int64           `json:"duration_ms"`
	EndedAtUTC     string          `json:"ended_at_utc"`
}

func populationsJSON(pops []abcsmc.PopulationItem) []populationRow {
	out := make([]populationRow, len(pops))
	for i, p := range pops {
		out[i] = populationRow{
			Index:          p.Index,
			Epsilon:        model.JSONFloat(p.Epsilon),
			Proposals:      p.Proposals,
			Particles:      p.Particles,
			AcceptanceRate: p.AcceptanceRate,
			DurationMS:     p.Duration.Milliseconds(),
			EndedAtUTC:     p.EndedAtUTC,
		}
	}
	return out
}

type particleRow struct {
	Index      int                `json:"index"`
	Model      int                `json:"model"`
	Parameters map[string]float64 `json:"parameters"`
	Distance   model.JSONFloat    `json:"distance"`
	Weight     float64            `json:"weight"`
}

func particlesJSON(particles []abcsmc.ParticleItem) []particleRow {
	out := make([]particleRow, len(particles))
	for i, p := range particles {
		out[i] = particleRow{
			Index:      p.Index,
			Model:      p.Model,
			Parameters: p.Parameters,
			Distance:   model.JSONFloat(p.Distance),
			Weight:     p.Weight,
		}
	}
	return out
}

func formatFloats(xs []float64) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprintf("%.4f", x)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func formatParameter(p abcsmc.Parameter) string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%.6g", name, p[name])
	}
	return strings.Join(parts, " ")
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
