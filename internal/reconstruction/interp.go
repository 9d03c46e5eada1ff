package reconstruction

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// errNotPositiveDefinite is returned by the Wasserstein blend when a
// covariance has no square root inverse.
var errNotPositiveDefinite = errors.New("covariance is not positive definite")

// InterpStateVector returns (1-f) x0 + f x1.
func InterpStateVector(x0, x1 mat.Vector, f float64) *mat.VecDense {
	x := mat.NewVecDense(x0.Len(), nil)
	x.AddScaledVec(x, 1-f, x0)
	x.AddScaledVec(x, f, x1)
	return x
}

// InterpCovarianceMat blends two covariances at fraction f in [0, 1].
//
// CovInterpWasserstein follows the 2-Wasserstein geodesic between the
// zero-mean Gaussians N(0, c0) and N(0, c1):
//
//	T = c0^-1/2 (c0^1/2 c1 c0^1/2)^1/2 c0^-1/2
//	C(f) = ((1-f) I + f T) c0 ((1-f) I + f T)
//
// which stays positive definite along the whole path.
func InterpCovarianceMat(c0, c1 mat.Matrix, f float64, mode CovMatInterpMode) (*mat.Dense, error) {
	r0, k0 := c0.Dims()
	r1, k1 := c1.Dims()
	if r0 != k0 || r1 != k1 || r0 != r1 {
		return nil, fmt.Errorf("interp covariance: shapes %dx%d and %dx%d", r0, k0, r1, k1)
	}

	switch mode {
	case CovInterpNearestNeighbor:
		if f <= 0.5 {
			return mat.DenseCopyOf(c0), nil
		}
		return mat.DenseCopyOf(c1), nil
	case CovInterpWasserstein:
		return wassersteinInterp(c0, c1, f)
	}

	c := mat.NewDense(r0, r0, nil)
	var a, b mat.Dense
	a.Scale(1-f, c0)
	b.Scale(f, c1)
	c.Add(&a, &b)
	return c, nil
}

func wassersteinInterp(c0, c1 mat.Matrix, f float64) (*mat.Dense, error) {
	n, _ := c0.Dims()

	s, sInv, err := symSqrt(c0, true)
	if err != nil {
		return nil, fmt.Errorf("wasserstein c0: %w", err)
	}

	var sc1, sc1s mat.Dense
	sc1.Mul(s, c1)
	sc1s.Mul(&sc1, s)
	m, _, err := symSqrt(&sc1s, false)
	if err != nil {
		return nil, fmt.Errorf("wasserstein c1: %w", err)
	}

	var tmp, t mat.Dense
	tmp.Mul(sInv, m)
	t.Mul(&tmp, sInv)

	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		a.Set(i, i, 1-f)
	}
	var ft mat.Dense
	ft.Scale(f, &t)
	a.Add(a, &ft)

	var ac0 mat.Dense
	ac0.Mul(a, c0)
	c := mat.NewDense(n, n, nil)
	c.Mul(&ac0, a.T())
	symmetrize(c)
	return c, nil
}

// symSqrt returns the principal square root of the symmetric matrix m and,
// if withInverse is set, its inverse. Eigenvalues must be positive for the
// inverse; tiny negative round-off is clamped to zero otherwise.
func symSqrt(m mat.Matrix, withInverse bool) (*mat.Dense, *mat.Dense, error) {
	n, _ := m.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}

	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return nil, nil, fmt.Errorf("eigen decomposition failed")
	}
	vals := es.Values(nil)
	var q mat.Dense
	es.VectorsTo(&q)

	scale := 0.0
	for _, v := range vals {
		scale = math.Max(scale, math.Abs(v))
	}
	tol := float64(n) * scale * 1e-12

	root := make([]float64, n)
	var inv []float64
	if withInverse {
		inv = make([]float64, n)
	}
	for i, v := range vals {
		if withInverse && v <= tol {
			return nil, nil, errNotPositiveDefinite
		}
		if v < -tol {
			return nil, nil, errNotPositiveDefinite
		}
		root[i] = math.Sqrt(math.Max(v, 0))
		if withInverse {
			inv[i] = 1 / root[i]
		}
	}

	sqrtM := reassemble(&q, root)
	if !withInverse {
		return sqrtM, nil, nil
	}
	return sqrtM, reassemble(&q, inv), nil
}

// reassemble returns Q diag(d) Qᵀ.
func reassemble(q *mat.Dense, d []float64) *mat.Dense {
	n := len(d)
	var qd mat.Dense
	qd.Mul(q, mat.NewDiagDense(n, d))
	out := mat.NewDense(n, n, nil)
	out.Mul(&qd, q.T())
	return out
}

func symmetrize(m *mat.Dense) {
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := 0.5 * (m.At(i, j) + m.At(j, i))
			m.Set(i, j, v)
			m.Set(j, i, v)
		}
	}
}

// blendFactor returns the weight of the later of two one-sided
// predictions. dt0 is the time since the earlier sample, dt the length of
// the interval.
func blendFactor(mode StateInterpMode, dt0, dt float64, p0, p1 mat.Matrix, xVar, yVar func(mat.Matrix) float64) float64 {
	switch mode {
	case InterpLinear:
		if dt <= 0 {
			return 0.5
		}
		return dt0 / dt
	case InterpStdDev:
		w0 := math.Max(math.Sqrt(xVar(p0)), math.Sqrt(yVar(p0)))
		w1 := math.Max(math.Sqrt(xVar(p1)), math.Sqrt(yVar(p1)))
		return weightRatio(w0, w1)
	case InterpVar:
		w0 := math.Max(xVar(p0), yVar(p0))
		w1 := math.Max(xVar(p1), yVar(p1))
		return weightRatio(w0, w1)
	}
	return 0.5
}

func weightRatio(w0, w1 float64) float64 {
	if w0+w1 <= 0 || math.IsNaN(w0+w1) {
		return 0.5
	}
	return w0 / (w0 + w1)
}
