package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"abcsmc/pkg/abcsmc"
)

func loadRunRequestFromConfig(path string) (abcsmc.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abcsmc.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return abcsmc.RunRequest{}, err
	}

	var req abcsmc.RunRequest
	if v, ok := asString(raw["scenario"]); ok {
		req.Scenario = v
	}
	if v, ok := asInt(raw["population_size"]); ok {
		req.PopulationSize = v
	}
	if v, ok := asInt(raw["workers"]); ok {
		req.Workers = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asString(raw["epsilon"]); ok {
		req.Epsilon = v
	}
	if v, ok := asFloat64(raw["alpha"]); ok {
		req.Alpha = v
	}
	if v, ok := asBool(raw["weighted"]); ok {
		req.Weighted = v
	}
	if v, ok := asFloat64(raw["initial_epsilon"]); ok {
		req.InitialEpsilon = v
	}
	if values, ok := raw["epsilon_list"].([]any); ok {
		req.EpsilonList = make([]float64, 0, len(values))
		for i, item := range values {
			v, ok := asFloat64(item)
			if !ok {
				return abcsmc.RunRequest{}, fmt.Errorf("epsilon_list[%d] is not a number", i)
			}
			req.EpsilonList = append(req.EpsilonList, v)
		}
	}
	if v, ok := asInt(raw["calibration_samples"]); ok {
		req.CalibrationSamples = v
	}
	if v, ok := asFloat64(raw["kernel_scale"]); ok {
		req.KernelScale = v
	}
	if v, ok := asString(raw["allocation"]); ok {
		req.Allocation = v
	}
	if v, ok := asFloat64(raw["model_prune_floor"]); ok {
		req.ModelPruneFloor = v
	}
	if v, ok := asInt(raw["simulation_retries"]); ok {
		req.SimulationRetries = v
	}
	if v, ok := asInt(raw["max_support_retries"]); ok {
		req.MaxSupportRetries = v
	}
	if v, ok := asFloat64(raw["min_epsilon"]); ok {
		req.MinEpsilon = v
	}
	if v, ok := asInt(raw["max_populations"]); ok {
		req.MaxPopulations = v
	}
	if v, ok := asInt(raw["max_walltime_ms"]); ok {
		req.MaxWalltime = time.Duration(v) * time.Millisecond
	}
	if v, ok := asInt(raw["max_total_simulations"]); ok {
		req.MaxTotalSimulations = v
	}
	return req, nil
}

func loadOrDefaultRunRequest(configPath string) (abcsmc.RunRequest, error) {
	if configPath == "" {
		return abcsmc.RunRequest{}, nil
	}
	req, err := loadRunRequestFromConfig(configPath)
	if err != nil {
		return abcsmc.RunRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

// asFloat64 also accepts strings such as "inf", which JSON numbers cannot
// express.
func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// requestFlags holds the run request flags shared by new and run. Only flags
// set on the command line override the config file.
type requestFlags struct {
	config string
	req    abcsmc.RunRequest
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.config, "config", "", "JSON run request file")
	fs.StringVar(&f.req.Scenario, "scenario", "gaussian", "built-in scenario name")
	fs.IntVar(&f.req.PopulationSize, "population", 100, "particles per population")
	fs.IntVar(&f.req.Workers, "workers", 0, "concurrent simulations (0 = GOMAXPROCS)")
	fs.Int64Var(&f.req.Seed, "seed", 1, "random seed")
	fs.StringVar(&f.req.Epsilon, "epsilon", "quantile", "epsilon schedule: quantile|list")
	fs.Float64Var(&f.req.Alpha, "alpha", 0.5, "quantile of accepted distances used as next epsilon")
	fs.BoolVar(&f.req.Weighted, "weighted", false, "use the weighted distance quantile")
	fs.Float64Var(&f.req.InitialEpsilon, "initial-epsilon", 0, "fixed epsilon for population 0 (0 = calibrate, inf = accept every prior draw)")
	fs.Float64SliceVar(&f.req.EpsilonList, "epsilon-list", nil, "explicit epsilon per population")
	fs.IntVar(&f.req.CalibrationSamples, "calibration-samples", 0, "prior simulations used to calibrate the first epsilon")
	fs.Float64Var(&f.req.KernelScale, "kernel-scale", 0, "perturbation kernel covariance scale (0 = default)")
	fs.StringVar(&f.req.Allocation, "allocation", "sampled", "model quota policy: sampled|proportional")
	fs.Float64Var(&f.req.ModelPruneFloor, "model-prune-floor", 0, "retire models whose probability drops below this value")
	fs.IntVar(&f.req.SimulationRetries, "simulation-retries", 0, "tolerated failed simulations per slot")
	fs.IntVar(&f.req.MaxSupportRetries, "max-support-retries", 0, "perturbation retries outside prior support (0 = default)")
	fs.Float64Var(&f.req.MinEpsilon, "min-epsilon", 0, "stop once epsilon is at or below this value")
	fs.IntVar(&f.req.MaxPopulations, "max-populations", 5, "stop after this many new populations")
	fs.DurationVar(&f.req.MaxWalltime, "max-walltime", 0, "stop after this wall time (0 = unlimited)")
	fs.IntVar(&f.req.MaxTotalSimulations, "max-total-simulations", 0, "stop after this many simulations (0 = unlimited)")
}

func (f *requestFlags) resolve(cmd *cobra.Command) (abcsmc.RunRequest, error) {
	req, err := loadOrDefaultRunRequest(f.config)
	if err != nil {
		return abcsmc.RunRequest{}, err
	}
	if f.config == "" {
		return f.req, nil
	}
	overrideFromFlags(&req, f.req, cmd.Flags().Changed)
	return req, nil
}

func overrideFromFlags(req *abcsmc.RunRequest, flags abcsmc.RunRequest, changed func(string) bool) {
	if changed("scenario") {
		req.Scenario = flags.Scenario
	}
	if changed("population") {
		req.PopulationSize = flags.PopulationSize
	}
	if changed("workers") {
		req.Workers = flags.Workers
	}
	if changed("seed") {
		req.Seed = flags.Seed
	}
	if changed("epsilon") {
		req.Epsilon = flags.Epsilon
	}
	if changed("alpha") {
		req.Alpha = flags.Alpha
	}
	if changed("weighted") {
		req.Weighted = flags.Weighted
	}
	if changed("initial-epsilon") {
		req.InitialEpsilon = flags.InitialEpsilon
	}
	if changed("epsilon-list") {
		req.EpsilonList = flags.EpsilonList
	}
	if changed("calibration-samples") {
		req.CalibrationSamples = flags.CalibrationSamples
	}
	if changed("kernel-scale") {
		req.KernelScale = flags.KernelScale
	}
	if changed("allocation") {
		req.Allocation = flags.Allocation
	}
	if changed("model-prune-floor") {
		req.ModelPruneFloor = flags.ModelPruneFloor
	}
	if changed("simulation-retries") {
		req.SimulationRetries = flags.SimulationRetries
	}
	if changed("max-support-retries") {
		req.MaxSupportRetries = flags.MaxSupportRetries
	}
	if changed("min-epsilon") {
		req.MinEpsilon = flags.MinEpsilon
	}
	if changed("max-populations") {
		req.MaxPopulations = flags.MaxPopulations
	}
	if changed("max-walltime") {
		req.MaxWalltime = flags.MaxWalltime
	}
	if changed("max-total-simulations") {
		req.MaxTotalSimulations = flags.MaxTotalSimulations
	}
}
