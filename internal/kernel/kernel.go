// Package kernel fits the perturbation kernels that propose new parameter
// vectors from the particles of the previous population.
package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
)

// Kernel is a symmetric transition density K(x | center) over parameter
// vectors ordered by Names.
type Kernel interface {
	Names() []string
	Perturb(rng *rand.Rand, center []float64) []float64
	Density(x, center []float64) float64
	Snapshot() Snapshot
}

// Fitter builds a kernel from a weighted sub-population of one model.
type Fitter interface {
	Name() string
	Fit(names []string, points [][]float64, weights []float64) (Kernel, error)
}

const KindMultivariateNormal = "multivariate_normal"

// Snapshot is the persisted form of a fitted kernel. Covariance is row-major
// and already includes the scale factor.
type Snapshot struct {
	Kind       string    `json:"kind"`
	Names      []string  `json:"names"`
	Covariance []float64 `json:"covariance"`
	Scale      float64   `json:"scale"`
}

func Encode(k Kernel) ([]byte, error) {
	return json.Marshal(k.Snapshot())
}

func Decode(data []byte) (Kernel, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode kernel: %w", err)
	}
	return FromSnapshot(snap)
}

func FromSnapshot(snap Snapshot) (Kernel, error) {
	switch snap.Kind {
	case KindMultivariateNormal:
		return NewMultivariateNormal(snap.Names, snap.Covariance, snap.Scale)
	default:
		return nil, fmt.Errorf("unsupported kernel kind: %q", snap.Kind)
	}
}

// ErrDegenerateKernel matches any *DegenerateKernelError via errors.Is.
var ErrDegenerateKernel = &DegenerateKernelError{}

// DegenerateKernelError reports a weighted population whose spread cannot
// support a non-degenerate kernel, e.g. a single distinct particle.
type DegenerateKernelError struct {
	Particles int
	// Distinct counts distinct particles, stopping at 2.
	Distinct int
	Reason   string
}

func (e *DegenerateKernelError) Error() string {
	if e.Reason == "" {
		return "degenerate kernel"
	}
	return fmt.Sprintf("degenerate kernel: %s (particles=%d distinct=%d)", e.Reason, e.Particles, e.Distinct)
}

func (e *DegenerateKernelError) Is(target error) bool {
	_, ok := target.(*DegenerateKernelError)
	return ok
}

func validatePoints(names []string, points [][]float64, weights []float64) error {
	if len(names) == 0 {
		return errors.New("at least one parameter name is required")
	}
	if len(points) != len(weights) {
		return fmt.Errorf("points/weights length mismatch: %d != %d", len(points), len(weights))
	}
	for i, p := range points {
		if len(p) != len(names) {
			return fmt.Errorf("point %d has dimension %d, want %d", i, len(p), len(names))
		}
		if weights[i] < 0 {
			return fmt.Errorf("weight %d is negative", i)
		}
	}
	return nil
}
