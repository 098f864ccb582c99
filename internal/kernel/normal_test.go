package kernel

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestMultivariateNormalFitterMatchesWeightedCovariance(t *testing.T) {
	names := []string{"x"}
	points := [][]float64{{1}, {2}, {3}, {4}}
	weights := []float64{1, 1, 1, 1}

	k, err := MultivariateNormalFitter{Scale: 1}.Fit(names, points, weights)
	require.NoError(t, err)

	snap := k.Snapshot()
	want := stat.Variance([]float64{1, 2, 3, 4}, nil)
	assert.InDelta(t, want, snap.Covariance[0], 1e-12)
	assert.Equal(t, KindMultivariateNormal, snap.Kind)
	assert.Equal(t, 1.0, snap.Scale)
}

func TestMultivariateNormalFitterDefaultScale(t *testing.T) {
	names := []string{"x"}
	points := [][]float64{{0}, {2}}
	weights := []float64{0.5, 0.5}

	k, err := MultivariateNormalFitter{}.Fit(names, points, weights)
	require.NoError(t, err)
	// Unbiased weighted variance of {0,2} is 2, doubled by the default scale.
	assert.InDelta(t, 4.0, k.Snapshot().Covariance[0], 1e-12)
}

func TestMultivariateNormalFitterRejectsSingleDistinctParticle(t *testing.T) {
	names := []string{"x", "y"}
	points := [][]float64{{1, 2}, {1, 2}, {1, 2}}
	weights := []float64{0.2, 0.3, 0.5}

	_, err := MultivariateNormalFitter{}.Fit(names, points, weights)
	require.ErrorIs(t, err, ErrDegenerateKernel)

	var de *DegenerateKernelError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, de.Particles)
	assert.Equal(t, 1, de.Distinct)
}

func TestMultivariateNormalFitterRejectsCollinearSpread(t *testing.T) {
	names := []string{"x", "y"}
	points := [][]float64{{0, 0}, {1, 1}, {2, 2}}
	weights := []float64{1, 1, 1}

	_, err := MultivariateNormalFitter{}.Fit(names, points, weights)
	require.ErrorIs(t, err, ErrDegenerateKernel)
}

func TestMultivariateNormalFitterRejectsZeroVarianceColumn(t *testing.T) {
	names := []string{"x", "y"}
	points := [][]float64{{0, 3}, {1, 3}, {2, 3}}
	weights := []float64{1, 1, 1}

	_, err := MultivariateNormalFitter{}.Fit(names, points, weights)
	require.ErrorIs(t, err, ErrDegenerateKernel)
}

func TestMultivariateNormalDensityIsPositiveAndSymmetric(t *testing.T) {
	k, err := NewMultivariateNormal([]string{"a", "b"}, []float64{1, 0.3, 0.3, 2}, 1)
	require.NoError(t, err)

	x := []float64{0.4, -1.2}
	c := []float64{1.5, 0.7}
	assert.Greater(t, k.Density(c, c), 0.0)
	assert.InDelta(t, k.Density(x, c), k.Density(c, x), 1e-12)

	// Standard bivariate normal with correlation gives 1/(2*pi*sqrt(det)) at the mode.
	det := 1*2 - 0.3*0.3
	assert.InDelta(t, 1/(2*math.Pi*math.Sqrt(det)), k.Density(c, c), 1e-12)
}

func TestMultivariateNormalPerturbIsDeterministicPerSource(t *testing.T) {
	k, err := NewMultivariateNormal([]string{"a"}, []float64{0.25}, 2)
	require.NoError(t, err)

	first := k.Perturb(rand.New(rand.NewSource(7)), []float64{3})
	second := k.Perturb(rand.New(rand.NewSource(7)), []float64{3})
	assert.Equal(t, first, second)

	rng := rand.New(rand.NewSource(11))
	samples := make([]float64, 20000)
	for i := range samples {
		samples[i] = k.Perturb(rng, []float64{3})[0]
	}
	mean, std := stat.MeanStdDev(samples, nil)
	assert.InDelta(t, 3.0, mean, 0.02)
	assert.InDelta(t, 0.5, std, 0.02)
}

func TestSnapshotRoundTripPreservesDensity(t *testing.T) {
	names := []string{"mu", "sigma"}
	points := [][]float64{{0.1, 1.0}, {0.4, 1.3}, {-0.2, 0.8}, {0.3, 1.1}}
	weights := []float64{0.1, 0.4, 0.2, 0.3}

	fitted, err := MultivariateNormalFitter{}.Fit(names, points, weights)
	require.NoError(t, err)

	data, err := Encode(fitted)
	require.NoError(t, err)
	restored, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, fitted.Names(), restored.Names())
	x := []float64{0.2, 1.05}
	c := []float64{0.0, 0.9}
	assert.Equal(t, fitted.Density(x, c), restored.Density(x, c))
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"triangular","names":["x"],"covariance":[1],"scale":1}`))
	require.Error(t, err)
}

func TestCountDistinctStopsAtLimit(t *testing.T) {
	points := make([][]float64, 50000)
	for i := range points {
		points[i] = []float64{1, 2}
	}
	assert.Equal(t, 1, countDistinct(points, 2))

	points[len(points)-1] = []float64{1, 3}
	assert.Equal(t, 2, countDistinct(points, 2))

	points[1] = []float64{0, 0}
	assert.Equal(t, 2, countDistinct(points, 2))
	assert.Equal(t, 3, countDistinct(points, 5))
	assert.Equal(t, 0, countDistinct(nil, 2))
}

func TestMultivariateNormalFitterLargeNearDegeneratePopulation(t *testing.T) {
	names := []string{"x"}
	points := make([][]float64, 20000)
	weights := make([]float64, len(points))
	for i := range points {
		points[i] = []float64{1}
		weights[i] = 1
	}
	points[len(points)-1] = []float64{2}

	k, err := MultivariateNormalFitter{Scale: 1}.Fit(names, points, weights)
	require.NoError(t, err)
	assert.Greater(t, k.Snapshot().Covariance[0], 0.0)
}
