// Package epsilon schedules the acceptance thresholds of successive
// populations.
package epsilon

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Scheduler computes acceptance thresholds. Next must never return a value
// above previous.
type Scheduler interface {
	Name() string
	// CalibrationSamples is the number of prior simulations Initial wants;
	// zero means Initial ignores its argument.
	CalibrationSamples() int
	Initial(calibration []float64) (float64, error)
	// Next returns the threshold for population t given the distances and
	// normalized weights accepted into population t-1.
	Next(t int, previous float64, distances, weights []float64) (float64, error)
}

var ErrNoDistances = errors.New("no accepted distances")

// Clamp enforces the monotone schedule.
func Clamp(next, previous float64) float64 {
	if next > previous {
		return previous
	}
	return next
}

// ListEpsilon replays a fixed schedule. Past the end it holds the last value.
type ListEpsilon struct {
	Values []float64
}

func (l ListEpsilon) Name() string { return "list" }

func (l ListEpsilon) CalibrationSamples() int { return 0 }

func (l ListEpsilon) Validate() error {
	if len(l.Values) == 0 {
		return errors.New("epsilon list is empty")
	}
	for i, v := range l.Values {
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("epsilon list value %d must be >= 0 or +Inf, got %g", i, v)
		}
	}
	return nil
}

func (l ListEpsilon) Initial(_ []float64) (float64, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	return l.Values[0], nil
}

func (l ListEpsilon) Next(t int, previous float64, _ []float64, _ []float64) (float64, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	if t < 0 {
		return 0, fmt.Errorf("population index must be >= 0, got %d", t)
	}
	if t >= len(l.Values) {
		t = len(l.Values) - 1
	}
	return Clamp(l.Values[t], previous), nil
}

const (
	DefaultAlpha              = 0.5
	DefaultCalibrationSamples = 100
)

// QuantileEpsilon sets the next threshold to the Alpha quantile of the
// previous population's accepted distances, times Multiplier. The zero value
// is the adaptive median with a calibrated first threshold.
type QuantileEpsilon struct {
	Alpha    float64
	Weighted bool
	// InitialEpsilon fixes the population 0 threshold; +Inf accepts every
	// prior draw. When zero it is the Alpha quantile of CalibrationSamples
	// prior-predictive distances.
	InitialEpsilon  float64
	Multiplier      float64
	CalibrationSize int
}

func (q QuantileEpsilon) Name() string {
	return fmt.Sprintf("quantile(alpha=%g,weighted=%t)", q.alpha(), q.Weighted)
}

func (q QuantileEpsilon) alpha() float64 {
	if q.Alpha <= 0 {
		return DefaultAlpha
	}
	return q.Alpha
}

func (q QuantileEpsilon) multiplier() float64 {
	if q.Multiplier <= 0 {
		return 1
	}
	return q.Multiplier
}

func (q QuantileEpsilon) Validate() error {
	if q.Alpha < 0 || q.Alpha > 1 {
		return fmt.Errorf("quantile alpha must be in (0,1], got %g", q.Alpha)
	}
	if q.InitialEpsilon < 0 || math.IsNaN(q.InitialEpsilon) {
		return fmt.Errorf("initial epsilon must be >= 0 or +Inf, got %g", q.InitialEpsilon)
	}
	if q.Multiplier < 0 {
		return fmt.Errorf("quantile multiplier must be >= 0, got %g", q.Multiplier)
	}
	if q.CalibrationSize < 0 {
		return fmt.Errorf("calibration size must be >= 0, got %d", q.CalibrationSize)
	}
	return nil
}

func (q QuantileEpsilon) CalibrationSamples() int {
	if q.InitialEpsilon > 0 {
		return 0
	}
	if q.CalibrationSize <= 0 {
		return DefaultCalibrationSamples
	}
	return q.CalibrationSize
}

func (q QuantileEpsilon) Initial(calibration []float64) (float64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	if q.InitialEpsilon > 0 {
		return q.InitialEpsilon, nil
	}
	v, err := quantile(q.alpha(), calibration, nil)
	if err != nil {
		return 0, fmt.Errorf("calibrate initial epsilon: %w", err)
	}
	return v * q.multiplier(), nil
}

func (q QuantileEpsilon) Next(_ int, previous float64, distances, weights []float64) (float64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	var w []float64
	if q.Weighted {
		if len(weights) != len(distances) {
			return 0, fmt.Errorf("distances/weights length mismatch: %d != %d", len(distances), len(weights))
		}
		w = weights
	}
	v, err := quantile(q.alpha(), distances, w)
	if err != nil {
		return 0, err
	}
	return Clamp(v*q.multiplier(), previous), nil
}

func quantile(p float64, distances, weights []float64) (float64, error) {
	if len(distances) == 0 {
		return 0, ErrNoDistances
	}
	order := make([]int, len(distances))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return distances[order[a]] < distances[order[b]] })

	x := make([]float64, len(order))
	var w []float64
	if weights != nil {
		w = make([]float64, len(order))
	}
	for i, idx := range order {
		x[i] = distances[idx]
		if math.IsNaN(x[i]) {
			return 0, errors.New("distance is NaN")
		}
		if w != nil {
			w[i] = weights[idx]
		}
	}
	if p >= 1 {
		return x[len(x)-1], nil
	}
	return stat.Quantile(p, stat.Empirical, x, w), nil
}
