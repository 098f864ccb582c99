package kernel

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

const (
	DefaultScale = 2.0

	// maxCondition bounds the covariance condition number; anything above is
	// treated as rank deficient.
	maxCondition = 1e14
)

// MultivariateNormalFitter fits N(0, Scale*Cov_w) where Cov_w is the weighted
// empirical covariance of the sub-population. Scale 2 is the choice of
// Beaumont et al. (2009).
type MultivariateNormalFitter struct {
	Scale float64
}

func (f MultivariateNormalFitter) Name() string {
	return fmt.Sprintf("multivariate_normal(scale=%g)", f.scale())
}

func (f MultivariateNormalFitter) scale() float64 {
	if f.Scale <= 0 {
		return DefaultScale
	}
	return f.Scale
}

func (f MultivariateNormalFitter) Fit(names []string, points [][]float64, weights []float64) (Kernel, error) {
	if err := validatePoints(names, points, weights); err != nil {
		return nil, err
	}
	distinct := countDistinct(points, 2)
	if len(points) == 0 || distinct < 2 {
		return nil, &DegenerateKernelError{Particles: len(points), Distinct: distinct, Reason: "fewer than two distinct particles"}
	}

	total := floats.Sum(weights)
	if !(total > 0) {
		return nil, &DegenerateKernelError{Particles: len(points), Distinct: distinct, Reason: "weights sum to zero"}
	}
	w := make([]float64, len(weights))
	floats.ScaleTo(w, 1/total, weights)

	dim := len(names)
	mean := make([]float64, dim)
	for i, p := range points {
		floats.AddScaled(mean, w[i], p)
	}

	// Reliability-weighted unbiased covariance.
	sumSq := floats.Dot(w, w)
	norm := 1 - sumSq
	if norm <= 0 {
		return nil, &DegenerateKernelError{Particles: len(points), Distinct: distinct, Reason: "all weight on a single particle"}
	}
	cov := make([]float64, dim*dim)
	diff := make([]float64, dim)
	for i, p := range points {
		floats.SubTo(diff, p, mean)
		for r := 0; r < dim; r++ {
			for c := r; c < dim; c++ {
				cov[r*dim+c] += w[i] * diff[r] * diff[c]
			}
		}
	}
	scale := f.scale()
	for r := 0; r < dim; r++ {
		for c := r; c < dim; c++ {
			v := scale * cov[r*dim+c] / norm
			cov[r*dim+c] = v
			cov[c*dim+r] = v
		}
	}

	k, err := NewMultivariateNormal(names, cov, scale)
	if err != nil {
		if de, ok := err.(*DegenerateKernelError); ok {
			de.Particles = len(points)
			de.Distinct = distinct
		}
		return nil, err
	}
	return k, nil
}

// MultivariateNormal is a zero-mean Gaussian perturbation applied around a
// center point.
type MultivariateNormal struct {
	names  []string
	cov    []float64
	scale  float64
	lower  *mat.TriDense
	normal *distmv.Normal
}

// NewMultivariateNormal builds the kernel from a row-major covariance.
func NewMultivariateNormal(names []string, cov []float64, scale float64) (*MultivariateNormal, error) {
	dim := len(names)
	if dim == 0 {
		return nil, fmt.Errorf("at least one parameter name is required")
	}
	if len(cov) != dim*dim {
		return nil, fmt.Errorf("covariance has %d entries, want %d", len(cov), dim*dim)
	}
	for _, v := range cov {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &DegenerateKernelError{Reason: "covariance is not finite"}
		}
	}
	for i := 0; i < dim; i++ {
		if !(cov[i*dim+i] > 0) {
			return nil, &DegenerateKernelError{Reason: fmt.Sprintf("zero variance for parameter %q", names[i])}
		}
	}

	sym := mat.NewSymDense(dim, append([]float64(nil), cov...))
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, &DegenerateKernelError{Reason: "covariance is not positive definite"}
	}
	if chol.Cond() > maxCondition {
		return nil, &DegenerateKernelError{Reason: "covariance is rank deficient"}
	}
	var lower mat.TriDense
	chol.LTo(&lower)

	normal, ok := distmv.NewNormal(make([]float64, dim), sym, nil)
	if !ok {
		return nil, &DegenerateKernelError{Reason: "covariance is not positive definite"}
	}

	k := &MultivariateNormal{
		names:  append([]string(nil), names...),
		cov:    append([]float64(nil), cov...),
		scale:  scale,
		lower:  &lower,
		normal: normal,
	}
	center := make([]float64, dim)
	if d := k.Density(center, center); !(d > 0) || math.IsInf(d, 0) {
		return nil, &DegenerateKernelError{Reason: "kernel density at its center is not positive and finite"}
	}
	return k, nil
}

func (k *MultivariateNormal) Names() []string {
	return append([]string(nil), k.names...)
}

func (k *MultivariateNormal) Perturb(rng *rand.Rand, center []float64) []float64 {
	dim := len(k.names)
	z := make([]float64, dim)
	for i := range z {
		z[i] = rng.NormFloat64()
	}
	out := append([]float64(nil), center...)
	for r := 0; r < dim; r++ {
		for c := 0; c <= r; c++ {
			out[r] += k.lower.At(r, c) * z[c]
		}
	}
	return out
}

func (k *MultivariateNormal) Density(x, center []float64) float64 {
	diff := make([]float64, len(x))
	floats.SubTo(diff, x, center)
	return math.Exp(k.normal.LogProb(diff))
}

func (k *MultivariateNormal) Snapshot() Snapshot {
	return Snapshot{
		Kind:       KindMultivariateNormal,
		Names:      k.Names(),
		Covariance: append([]float64(nil), k.cov...),
		Scale:      k.scale,
	}
}

// countDistinct counts distinct points up to limit. Points are compared
// against the distinct ones found so far, so the scan is linear for small
// limits.
func countDistinct(points [][]float64, limit int) int {
	var seen [][]float64
	for _, p := range points {
		duplicate := false
		for _, q := range seen {
			if floats.Equal(p, q) {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		seen = append(seen, p)
		if len(seen) >= limit {
			break
		}
	}
	return len(seen)
}
