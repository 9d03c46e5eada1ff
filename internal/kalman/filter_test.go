package kalman

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/trajectory/internal/gaussian"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func diag(v ...float64) *mat.Dense {
	m := mat.NewDense(len(v), len(v), nil)
	for i, x := range v {
		m.Set(i, i, x)
	}
	return m
}

func newPosFilter(t *testing.T, x0 []float64, p0 *mat.Dense) *Filter {
	t.Helper()
	f := NewFilter(NewUniformMotion2D(false))
	require.NoError(t, f.Init(mat.NewVecDense(4, x0), p0))
	require.NoError(t, f.SetR(diag(25, 25)))
	return f
}

func assertSymmetric(t *testing.T, p mat.Matrix, tol float64) {
	t.Helper()
	r, _ := p.Dims()
	for i := 0; i < r; i++ {
		for j := i + 1; j < r; j++ {
			scale := math.Max(1, math.Abs(p.At(i, j)))
			assert.InDelta(t, 0, (p.At(i, j)-p.At(j, i))/scale, tol, "P[%d,%d]", i, j)
		}
	}
}

// ---------------------------------------------------------------------------
// Predict / update
// ---------------------------------------------------------------------------

func TestFilter_PredictUpdate_CovarianceStaysPositive(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	f := newPosFilter(t, []float64{0, 0, 0, 0}, diag(100, 1e6, 100, 1e6))

	truthX, truthY := 0.0, 0.0
	for i := 0; i < 200; i++ {
		dt := 0.2 + rng.Float64()*3
		truthX += 12 * dt
		truthY -= 4 * dt
		z := mat.NewVecDense(2, []float64{truthX + rng.NormFloat64()*5, truthY + rng.NormFloat64()*5})

		require.NoError(t, f.PredictAndUpdate(dt, 1+rng.Float64()*100, z, nil, nil))

		p := f.P()
		assertSymmetric(t, p, 1e-9)
		for k := 0; k < 4; k++ {
			assert.GreaterOrEqual(t, p.At(k, k), 0.0)
		}
	}
}

func TestFilter_PredictAndUpdate_RevertOnSingularInnovation(t *testing.T) {
	t.Parallel()
	f := NewFilter(NewUniformMotion2D(false))
	x0 := mat.NewVecDense(4, []float64{1, 2, 3, 4})
	require.NoError(t, f.Init(x0, mat.NewDense(4, 4, nil)))

	before := f.State()

	// dt = 0 gives Q = 0, so S = H 0 Hᵀ + 0 is singular.
	z := mat.NewVecDense(2, []float64{5, 6})
	err := f.PredictAndUpdate(0, 900, z, mat.NewDense(2, 2, nil), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNumeric))

	assert.True(t, mat.Equal(before.X, f.X()), "x changed")
	assert.True(t, mat.Equal(before.P, f.P()), "P changed")

	_, ok := f.Likelihood()
	assert.False(t, ok)
}

func TestFilter_PredictAndUpdate_RevertOnInvalidState(t *testing.T) {
	t.Parallel()
	f := newPosFilter(t, []float64{0, 1, 0, 1}, diag(10, 10, 10, 10))
	before := f.State()

	z := mat.NewVecDense(2, []float64{math.NaN(), 0})
	err := f.PredictAndUpdate(1, 1, z, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.True(t, mat.Equal(before.X, f.X()))
	assert.True(t, mat.Equal(before.P, f.P()))
}

func TestFilter_DimensionErrors(t *testing.T) {
	t.Parallel()
	f := NewFilter(NewUniformMotion2D(false))

	assert.ErrorIs(t, f.Init(mat.NewVecDense(3, nil), identity(4)), ErrDimension)
	assert.ErrorIs(t, f.Init(mat.NewVecDense(4, nil), identity(3)), ErrDimension)
	assert.ErrorIs(t, f.SetR(identity(3)), ErrDimension)
	assert.ErrorIs(t, f.Update(mat.NewVecDense(3, nil), nil), ErrDimension)
	assert.ErrorIs(t, f.InitState(&State{X: mat.NewVecDense(4, nil), P: identity(4)}, false), ErrDimension)
	assert.NoError(t, f.InitState(&State{X: mat.NewVecDense(4, nil), P: identity(4)}, true))
}

func TestFilter_UpdateWithVelocity(t *testing.T) {
	t.Parallel()
	f := newPosFilter(t, []float64{0, 0, 0, 0}, diag(100, 1e6, 100, 1e6))

	z := mat.NewVecDense(4, []float64{10, 20, -5, -1})
	require.NoError(t, f.UpdateWith(z, diag(25, 1, 25, 1), PosVelMeasurementMatrix()))

	x := f.X()
	assert.InDelta(t, 20, x.AtVec(IdxVX), 1e-3)
	assert.InDelta(t, -1, x.AtVec(IdxVY), 1e-3)
	assert.Equal(t, 4, f.Measurement().Len())
}

func TestFilter_ControlInput(t *testing.T) {
	t.Parallel()
	f := newPosFilter(t, []float64{0, 0, 0, 0}, diag(1, 1, 1, 1))
	b := mat.NewDense(4, 2, []float64{0, 0, 1, 0, 0, 0, 0, 1})
	require.NoError(t, f.SetB(b))

	require.NoError(t, f.Predict(1, 0, mat.NewVecDense(2, []float64{3, -2})))
	x := f.X()
	assert.Equal(t, 3.0, x.AtVec(IdxVX))
	assert.Equal(t, -2.0, x.AtVec(IdxVY))

	assert.ErrorIs(t, f.Predict(1, 0, mat.NewVecDense(3, nil)), ErrDimension)
}

func TestFilter_AlphaSqInflatesCovariance(t *testing.T) {
	t.Parallel()
	f := newPosFilter(t, []float64{0, 0, 0, 0}, diag(4, 1, 4, 1))
	f.SetAlphaSq(1.5)
	require.NoError(t, f.Predict(0, 0, nil))
	assert.InDelta(t, 6.0, f.P().At(0, 0), 1e-12)
}

// ---------------------------------------------------------------------------
// Likelihoods
// ---------------------------------------------------------------------------

func TestFilter_Likelihoods(t *testing.T) {
	t.Parallel()
	f := newPosFilter(t, []float64{0, 10, 0, 0}, diag(25, 4, 25, 4))

	_, ok := f.LogLikelihood()
	assert.False(t, ok, "no update yet")

	z := mat.NewVecDense(2, []float64{12, 3})
	require.NoError(t, f.PredictAndUpdate(1, 1, z, nil, nil))

	want, ok := gaussian.LogLikelihood(f.Innovation(), f.InnovationCov())
	require.True(t, ok)

	ll, ok := f.LogLikelihood()
	require.True(t, ok)
	assert.InDelta(t, want, ll, 1e-12)

	l, ok := f.Likelihood()
	require.True(t, ok)
	assert.InDelta(t, math.Exp(want), l, 1e-15)

	d, ok := f.Mahalanobis()
	require.True(t, ok)
	wantD, _ := gaussian.Mahalanobis(f.Innovation(), f.InnovationCov())
	assert.InDelta(t, wantD, d, 1e-9)

	// A new predict invalidates the cache.
	require.NoError(t, f.Predict(1, 1, nil))
	_, ok = f.LogLikelihood()
	assert.True(t, ok, "innovation of the last update is still available")
}

// ---------------------------------------------------------------------------
// Read-only prediction
// ---------------------------------------------------------------------------

func TestFilter_PredictStateForward(t *testing.T) {
	t.Parallel()
	f := newPosFilter(t, []float64{100, 10, 50, -5}, diag(9, 1, 9, 1))
	before := f.State()

	s, fixed, err := f.PredictState(2, 900, true, nil)
	require.NoError(t, err)
	assert.False(t, fixed)

	assert.InDelta(t, 120, s.X.AtVec(IdxX), 1e-12)
	assert.InDelta(t, 40, s.X.AtVec(IdxY), 1e-12)
	assert.Equal(t, 2.0, s.Dt)
	assert.Equal(t, 2.0, s.F.At(IdxX, IdxVX))

	assert.True(t, mat.Equal(before.X, f.X()), "filter state must not change")
	assert.True(t, mat.Equal(before.P, f.P()))
}

func TestFilter_PredictStateBackward(t *testing.T) {
	t.Parallel()
	f := newPosFilter(t, []float64{100, 10, 50, -5}, diag(9, 1, 9, 1))
	before := f.State()

	s, _, err := f.PredictState(-2, 900, false, nil)
	require.NoError(t, err)

	// The result keeps forward-oriented velocities.
	assert.InDelta(t, 80, s.X.AtVec(IdxX), 1e-12)
	assert.InDelta(t, 10, s.X.AtVec(IdxVX), 1e-12)
	assert.InDelta(t, 60, s.X.AtVec(IdxY), 1e-12)
	assert.InDelta(t, -5, s.X.AtVec(IdxVY), 1e-12)

	// Uncertainty grows the same way in both directions.
	assert.InDelta(t, 9+4*1+900*8.0/3.0, s.P.At(IdxX, IdxX), 1e-9)
	assertSymmetric(t, s.P, 1e-12)

	fwd, _, err := f.PredictState(2, 900, false, nil)
	require.NoError(t, err)
	assert.InDelta(t, fwd.P.At(IdxX, IdxX), s.P.At(IdxX, IdxX), 1e-9)
	assert.InDelta(t, -fwd.P.At(IdxX, IdxVX), s.P.At(IdxX, IdxVX), 1e-9)

	assert.True(t, mat.Equal(before.X, f.X()))
	assert.True(t, mat.Equal(before.P, f.P()))
}

func TestFilter_PredictStateFromFixesNegativeVariance(t *testing.T) {
	t.Parallel()
	f := NewFilter(NewUniformMotion2D(false))
	x := mat.NewVecDense(4, []float64{0, 0, 0, 0})
	p := diag(-5, 0.01, 3, 0.05)

	_, _, err := f.PredictStateFrom(x, p, 0, 0, false, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	s, fixed, err := f.PredictStateFrom(x, p, 0, 0, true, nil)
	require.NoError(t, err)
	assert.True(t, fixed)
	assert.Equal(t, 0.1, s.P.At(0, 0))
	assert.Equal(t, 0.1, s.P.At(1, 1))
	assert.Equal(t, 3.0, s.P.At(2, 2))
	assert.Equal(t, 0.1, s.P.At(3, 3))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestFixEstimate_OnlyWhenNegative(t *testing.T) {
	t.Parallel()
	p := diag(0.01, 0.02, 5, 5)
	assert.False(t, FixEstimate(p))
	assert.Equal(t, 0.01, p.At(0, 0))
}

func TestCheckState(t *testing.T) {
	t.Parallel()
	x := mat.NewVecDense(2, []float64{1, 2})
	assert.True(t, CheckState(x, diag(1, 0)))
	assert.False(t, CheckState(x, diag(1, -1)))
	assert.False(t, CheckState(mat.NewVecDense(2, []float64{math.Inf(1), 0}), diag(1, 1)))
	assert.False(t, CheckState(x, diag(math.NaN(), 1)))
}

func TestInvert(t *testing.T) {
	t.Parallel()
	inv, ok := Invert(diag(2, 4))
	require.True(t, ok)
	assert.Equal(t, 0.5, inv.At(0, 0))
	assert.Equal(t, 0.25, inv.At(1, 1))

	assert.False(t, Invertible(mat.NewDense(2, 2, []float64{1, 2, 2, 4})))
	assert.False(t, Invertible(mat.NewDense(2, 2, nil)))
	assert.False(t, Invertible(mat.NewDense(2, 3, nil)))
	assert.False(t, Invertible(mat.NewDense(1, 1, []float64{math.NaN()})))
}

func TestFilter_Describe(t *testing.T) {
	t.Parallel()
	f := newPosFilter(t, []float64{1, 2, 3, 4}, diag(1, 1, 1, 1))
	require.NoError(t, f.PredictAndUpdate(1, 1, mat.NewVecDense(2, []float64{3, 7}), nil, nil))

	s := f.Describe(InfoAll, "  ")
	for _, name := range []string{"x:", "P:", "Q:", "F:", "R:", "z:", "K:", "P_prior:", "S:"} {
		assert.Contains(t, s, name)
	}
	assert.NotContains(t, f.Describe(InfoState, ""), "K:")
}

func TestLinearModel(t *testing.T) {
	t.Parallel()
	model := &LinearModel{
		NX: 2,
		NZ: 1,
		FFunc: func(f *mat.Dense, dt float64) {
			f.Set(0, 1, dt)
		},
		QFunc: func(q *mat.Dense, dt, qVar float64) {
			cwn, err := ContinuousWhiteNoise(2, dt, qVar, 1)
			if err == nil {
				q.Copy(cwn)
			}
		},
		H:      mat.NewDense(1, 2, []float64{1, 0}),
		Invert: func(x *mat.VecDense) { x.SetVec(1, -x.AtVec(1)) },
	}

	f := NewFilter(model)
	require.NoError(t, f.Init(mat.NewVecDense(2, []float64{0, 0}), diag(100, 100)))
	require.NoError(t, f.SetR(diag(1)))

	for i := 1; i <= 20; i++ {
		z := mat.NewVecDense(1, []float64{3 * float64(i)})
		require.NoError(t, f.PredictAndUpdate(1, 0.01, z, nil, nil))
	}
	assert.InDelta(t, 3, f.X().AtVec(1), 0.05)

	s, _, err := f.PredictState(-1, 0.01, false, nil)
	require.NoError(t, err)
	assert.InDelta(t, 57, s.X.AtVec(0), 0.5)
}
