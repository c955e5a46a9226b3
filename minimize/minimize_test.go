package minimize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func quad2(center []float64) func([]float64) float64 {
	return func(x []float64) float64 {
		var s float64
		for i := range x {
			d := x[i] - center[i]
			s += d * d
		}
		return s
	}
}

func TestNelderMeadQuadratic(t *testing.T) {

	obj := quad2([]float64{1.5, -2})
	x, err := Minimize(obj, []float64{0, 0}, []float64{-0.2, -0.2}, 1e-8, 200, NelderMead)
	require.NoError(t, err)
	require.InDelta(t, 1.5, x[0], 1e-3)
	require.InDelta(t, -2.0, x[1], 1e-3)
}

func TestCMAESFallsBack(t *testing.T) {

	// A well-conditioned problem.  CMA-ES may stop short of the tolerance
	// on its own plateau test; the simplex polish must still deliver the
	// minimizer to the same accuracy as the pure Nelder-Mead path.
	obj := quad2([]float64{0.7, 0.3, -1})
	x, err := Minimize(obj, []float64{0, 0, 0}, []float64{-0.2, -0.2, -0.2}, 1e-8, 300, CMAES)
	require.NoError(t, err)
	for i, want := range []float64{0.7, 0.3, -1} {
		require.InDeltaf(t, want, x[i], 1e-3, "coordinate %d", i)
	}
}

func TestBrent1D(t *testing.T) {

	f := func(x []float64) float64 {
		d := x[0] - 3.25
		return d*d + 1
	}
	x, err := Minimize(f, []float64{0.5}, []float64{-0.2}, 1e-10, 200, NelderMead)
	require.NoError(t, err)
	require.Len(t, x, 1)
	require.InDelta(t, 3.25, x[0], 1e-5)
}

func TestBrentAsymmetric(t *testing.T) {

	// Minimum to the left of the start, non-quadratic tails.
	f := func(x float64) float64 { return math.Abs(x+2) + 0.1*(x+2)*(x+2) }
	x := brent(f, 5, -0.2, 1e-9, 500)
	require.InDelta(t, -2.0, x, 1e-4)
}

func TestEmptyProblem(t *testing.T) {

	x, err := Minimize(func([]float64) float64 { return 0 }, nil, nil, 1e-8, 10, NelderMead)
	require.NoError(t, err)
	require.Nil(t, x)
}
