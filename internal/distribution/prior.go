package distribution

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// Distribution is a samplable, density-evaluable distribution over a named
// parameter vector.
type Distribution interface {
	Names() []string
	Sample(rng *rand.Rand) Parameter
	Density(p Parameter) float64
}

// Univariate is a one-dimensional component of an Independent prior.
type Univariate interface {
	Rand(rng *rand.Rand) float64
	Prob(x float64) float64
	String() string
}

// Uniform is the continuous uniform distribution on [Min, Max].
type Uniform struct {
	Min float64
	Max float64
}

func (u Uniform) Rand(rng *rand.Rand) float64 {
	return u.Min + rng.Float64()*(u.Max-u.Min)
}

func (u Uniform) Prob(x float64) float64 {
	return distuv.Uniform{Min: u.Min, Max: u.Max}.Prob(x)
}

func (u Uniform) String() string {
	return fmt.Sprintf("uniform(%g,%g)", u.Min, u.Max)
}

// Normal is the Gaussian distribution with mean Mu and standard deviation Sigma.
type Normal struct {
	Mu    float64
	Sigma float64
}

func (n Normal) Rand(rng *rand.Rand) float64 {
	return n.Mu + n.Sigma*rng.NormFloat64()
}

func (n Normal) Prob(x float64) float64 {
	return distuv.Normal{Mu: n.Mu, Sigma: n.Sigma}.Prob(x)
}

func (n Normal) String() string {
	return fmt.Sprintf("normal(%g,%g)", n.Mu, n.Sigma)
}

// Exponential has density Rate*exp(-Rate*x) on x >= 0.
type Exponential struct {
	Rate float64
}

func (e Exponential) Rand(rng *rand.Rand) float64 {
	return rng.ExpFloat64() / e.Rate
}

func (e Exponential) Prob(x float64) float64 {
	return distuv.Exponential{Rate: e.Rate}.Prob(x)
}

func (e Exponential) String() string {
	return fmt.Sprintf("exponential(%g)", e.Rate)
}

// Independent is a product of univariate marginals, one per parameter name.
type Independent struct {
	names      []string
	components []Univariate
}

func NewIndependent(components map[string]Univariate) (*Independent, error) {
	if len(components) == 0 {
		return nil, errors.New("at least one parameter is required")
	}
	names := make([]string, 0, len(components))
	for name, c := range components {
		if name == "" {
			return nil, errors.New("parameter name is required")
		}
		if c == nil {
			return nil, fmt.Errorf("distribution for parameter %q is nil", name)
		}
		if err := validateUnivariate(c); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out := &Independent{names: names, components: make([]Univariate, len(names))}
	for i, name := range names {
		out.components[i] = components[name]
	}
	return out, nil
}

func (d *Independent) Names() []string {
	return append([]string(nil), d.names...)
}

func (d *Independent) Sample(rng *rand.Rand) Parameter {
	out := make(Parameter, len(d.names))
	for i, name := range d.names {
		out[name] = d.components[i].Rand(rng)
	}
	return out
}

// Density returns the joint density; parameters missing from p have density 0.
func (d *Independent) Density(p Parameter) float64 {
	density := 1.0
	for i, name := range d.names {
		v, ok := p[name]
		if !ok {
			return 0
		}
		density *= d.components[i].Prob(v)
		if density == 0 {
			return 0
		}
	}
	return density
}

func (d *Independent) String() string {
	parts := make([]string, len(d.names))
	for i, name := range d.names {
		parts[i] = name + "~" + d.components[i].String()
	}
	return strings.Join(parts, ",")
}

func validateUnivariate(c Univariate) error {
	switch v := c.(type) {
	case Uniform:
		if !(v.Max > v.Min) || math.IsInf(v.Min, 0) || math.IsInf(v.Max, 0) {
			return fmt.Errorf("uniform bounds must be finite with max > min, got [%g,%g]", v.Min, v.Max)
		}
	case Normal:
		if !(v.Sigma > 0) {
			return fmt.Errorf("normal sigma must be > 0, got %g", v.Sigma)
		}
	case Exponential:
		if !(v.Rate > 0) {
			return fmt.Errorf("exponential rate must be > 0, got %g", v.Rate)
		}
	}
	return nil
}
