package scenario

import (
	"context"
	"fmt"
	"math/rand"

	"abcsmc/internal/distribution"
	"abcsmc/internal/smc"
)

// GaussianScenario infers the mean of a noisy measurement under a uniform
// prior on [0, 5].
type GaussianScenario struct {
	Noise       float64
	Observation float64
}

func (GaussianScenario) Name() string { return "gaussian" }

func (s GaussianScenario) Description() string {
	return fmt.Sprintf("y = theta + N(0, %g^2), theta ~ U[0,5], observed y = %g", s.noise(), s.observation())
}

func (s GaussianScenario) noise() float64 {
	if s.Noise <= 0 {
		return 0.5
	}
	return s.Noise
}

func (s GaussianScenario) observation() float64 {
	if s.Observation == 0 {
		return 2.5
	}
	return s.Observation
}

func (s GaussianScenario) Models() ([]smc.ModelSpec, error) {
	prior, err := theta(distribution.Uniform{Min: 0, Max: 5})
	if err != nil {
		return nil, err
	}
	return []smc.ModelSpec{{Model: noisyMean("gaussian", s.noise()), Prior: prior}}, nil
}

func (GaussianScenario) Distance() smc.Distance { return smc.PNorm{} }

func (s GaussianScenario) Observed() distribution.SumStat {
	return distribution.SumStat{"y": s.observation()}
}

// ModelSelectionScenario compares two models whose priors are centered at 0
// and 1 against an observation of 1.
type ModelSelectionScenario struct{}

func (ModelSelectionScenario) Name() string { return "model_selection" }

func (ModelSelectionScenario) Description() string {
	return "two models with theta ~ N(0, 0.3^2) and theta ~ N(1, 0.3^2), y = theta + N(0, 0.1^2), observed y = 1"
}

func (ModelSelectionScenario) Models() ([]smc.ModelSpec, error) {
	out := make([]smc.ModelSpec, 0, 2)
	for _, center := range []float64{0, 1} {
		prior, err := theta(distribution.Normal{Mu: center, Sigma: 0.3})
		if err != nil {
			return nil, err
		}
		out = append(out, smc.ModelSpec{
			Model: noisyMean(fmt.Sprintf("centered_%g", center), 0.1),
			Prior: prior,
		})
	}
	return out, nil
}

func (ModelSelectionScenario) Distance() smc.Distance { return smc.PNorm{} }

func (ModelSelectionScenario) Observed() distribution.SumStat {
	return distribution.SumStat{"y": 1}
}

// ExponentialRateScenario infers the rate of exponential waiting times from
// the mean and minimum of a sample of 20.
type ExponentialRateScenario struct{}

const exponentialSampleSize = 20

func (ExponentialRateScenario) Name() string { return "exponential_rate" }

func (ExponentialRateScenario) Description() string {
	return "mean and min of 20 Exp(theta) draws, theta ~ Exp(1), observed mean = 0.5, min = 0.025"
}

func (ExponentialRateScenario) Models() ([]smc.ModelSpec, error) {
	prior, err := theta(distribution.Exponential{Rate: 1})
	if err != nil {
		return nil, err
	}
	model := smc.NewModel("exponential", func(_ context.Context, rng *rand.Rand, p distribution.Parameter) (distribution.SumStat, error) {
		rate := p["theta"]
		if rate <= 0 {
			return nil, fmt.Errorf("rate must be > 0, got %g", rate)
		}
		sum, minimum := 0.0, 0.0
		for i := 0; i < exponentialSampleSize; i++ {
			x := rng.ExpFloat64() / rate
			sum += x
			if i == 0 || x < minimum {
				minimum = x
			}
		}
		return distribution.SumStat{"mean": sum / exponentialSampleSize, "min": minimum}, nil
	})
	return []smc.ModelSpec{{Model: model, Prior: prior}}, nil
}

func (ExponentialRateScenario) Distance() smc.Distance {
	return smc.PNorm{Weights: map[string]float64{"mean": 1, "min": 5}}
}

func (ExponentialRateScenario) Observed() distribution.SumStat {
	return distribution.SumStat{"mean": 0.5, "min": 0.025}
}

func noisyMean(name string, noise float64) smc.Model {
	return smc.NewModel(name, func(_ context.Context, rng *rand.Rand, p distribution.Parameter) (distribution.SumStat, error) {
		return distribution.SumStat{"y": p["theta"] + noise*rng.NormFloat64()}, nil
	})
}
