// Package kalman implements a linear Kalman filter with a pluggable motion
// model, backup/revert semantics, cached innovation likelihoods, and a
// Rauch-Tung-Striebel backward smoother.
package kalman

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/trajectory/internal/gaussian"
	"gonum.org/v1/gonum/mat"
)

// machineEpsilon is the smallest likelihood the filter reports.
const machineEpsilon = 2.220446049250313e-16

// minVariance is the floor FixEstimate applies to diagonal covariance terms.
const minVariance = 0.1

// InfoFlags select the sections written by Describe.
type InfoFlags int

const (
	InfoState InfoFlags = 1 << iota
	InfoStateExt
	InfoIntermSteps

	InfoAll = InfoState | InfoStateExt | InfoIntermSteps
)

// Filter is a linear Kalman filter. It is not safe for concurrent use.
type Filter struct {
	model MotionModel
	dimX  int
	dimZ  int

	x *mat.VecDense
	p *mat.Dense
	q *mat.Dense
	f *mat.Dense
	h *mat.Dense
	r *mat.Dense
	b *mat.Dense

	alphaSq float64

	xBackup *mat.VecDense
	pBackup *mat.Dense
	xPrior  *mat.VecDense
	pPrior  *mat.Dense
	xPost   *mat.VecDense
	pPost   *mat.Dense

	// Innovation bookkeeping of the last update.
	z             *mat.VecDense
	y             *mat.VecDense
	s             *mat.Dense
	si            *mat.Dense
	k             *mat.Dense
	hasInnovation bool

	logLikelihood *float64
	likelihood    *float64
	mahalanobis   *float64
}

// NewFilter creates a filter for model with x = 0 and P = Q = R = I.
func NewFilter(model MotionModel) *Filter {
	nx, nz := model.DimX(), model.DimZ()
	f := &Filter{
		model:   model,
		dimX:    nx,
		dimZ:    nz,
		x:       mat.NewVecDense(nx, nil),
		p:       identity(nx),
		q:       identity(nx),
		f:       identity(nx),
		r:       identity(nz),
		y:       mat.NewVecDense(nz, nil),
		s:       mat.NewDense(nz, nz, nil),
		k:       mat.NewDense(nx, nz, nil),
		alphaSq: 1,
	}
	if h := model.MeasurementMatrix(); h != nil {
		f.h = mat.DenseCopyOf(h)
	} else {
		f.h = mat.NewDense(nz, nx, nil)
	}
	f.xBackup, f.pBackup = mat.VecDenseCopyOf(f.x), mat.DenseCopyOf(f.p)
	f.xPrior, f.pPrior = mat.VecDenseCopyOf(f.x), mat.DenseCopyOf(f.p)
	f.xPost, f.pPost = mat.VecDenseCopyOf(f.x), mat.DenseCopyOf(f.p)
	return f
}

func (f *Filter) DimX() int          { return f.dimX }
func (f *Filter) DimZ() int          { return f.dimZ }
func (f *Filter) Model() MotionModel { return f.model }

// X returns a copy of the state vector.
func (f *Filter) X() *mat.VecDense { return mat.VecDenseCopyOf(f.x) }

// P returns a copy of the state covariance.
func (f *Filter) P() *mat.Dense { return mat.DenseCopyOf(f.p) }

func (f *Filter) Q() *mat.Dense { return mat.DenseCopyOf(f.q) }
func (f *Filter) F() *mat.Dense { return mat.DenseCopyOf(f.f) }
func (f *Filter) H() *mat.Dense { return mat.DenseCopyOf(f.h) }
func (f *Filter) R() *mat.Dense { return mat.DenseCopyOf(f.r) }

// SetR sets the default measurement noise.
func (f *Filter) SetR(r mat.Matrix) error {
	if rr, rc := r.Dims(); rr != f.dimZ || rc != f.dimZ {
		return fmt.Errorf("set R: %dx%d, want %dx%d: %w", rr, rc, f.dimZ, f.dimZ, ErrDimension)
	}
	f.r = mat.DenseCopyOf(r)
	return nil
}

// SetB sets the control matrix. A nil B disables control input.
func (f *Filter) SetB(b mat.Matrix) error {
	if b == nil {
		f.b = nil
		return nil
	}
	if br, _ := b.Dims(); br != f.dimX {
		return fmt.Errorf("set B: %d rows, want %d: %w", br, f.dimX, ErrDimension)
	}
	f.b = mat.DenseCopyOf(b)
	return nil
}

// SetAlphaSq sets the fading memory factor applied to F P Fᵀ.
func (f *Filter) SetAlphaSq(a float64) { f.alphaSq = a }

// Init resets the state to x and P.
func (f *Filter) Init(x mat.Vector, p mat.Matrix) error {
	if x.Len() != f.dimX {
		return fmt.Errorf("init x: len %d, want %d: %w", x.Len(), f.dimX, ErrDimension)
	}
	if pr, pc := p.Dims(); pr != f.dimX || pc != f.dimX {
		return fmt.Errorf("init P: %dx%d, want %dx%d: %w", pr, pc, f.dimX, f.dimX, ErrDimension)
	}
	f.resetLikelihoods()
	f.hasInnovation = false
	f.x = mat.VecDenseCopyOf(x)
	f.p = mat.DenseCopyOf(p)
	f.Backup()
	return nil
}

// InitWithDt resets the state and rebuilds F and Q for dt.
func (f *Filter) InitWithDt(x mat.Vector, p mat.Matrix, dt, qVar float64) error {
	if err := f.Init(x, p); err != nil {
		return err
	}
	f.updateInternalMatrices(dt, qVar)
	return nil
}

// InitState resets the filter from s. With xPOnly only x and P are taken.
func (f *Filter) InitState(s *State, xPOnly bool) error {
	if !f.ValidateState(s, xPOnly) {
		return fmt.Errorf("init state: %w", ErrDimension)
	}
	if err := f.Init(s.X, s.P); err != nil {
		return err
	}
	if !xPOnly {
		f.q = mat.DenseCopyOf(s.Q)
		f.f = mat.DenseCopyOf(s.F)
	}
	return nil
}

// State returns a copy of x, P, Q and F.
func (f *Filter) State() *State {
	return &State{
		X: mat.VecDenseCopyOf(f.x),
		P: mat.DenseCopyOf(f.p),
		Q: mat.DenseCopyOf(f.q),
		F: mat.DenseCopyOf(f.f),
	}
}

// ValidateState reports whether s has the filter's dimensions.
func (f *Filter) ValidateState(s *State, xPOnly bool) bool {
	if s == nil || s.X == nil || s.P == nil || s.X.Len() != f.dimX {
		return false
	}
	if r, c := s.P.Dims(); r != f.dimX || c != f.dimX {
		return false
	}
	if xPOnly {
		return true
	}
	if s.Q == nil || s.F == nil {
		return false
	}
	if r, c := s.Q.Dims(); r != f.dimX || c != f.dimX {
		return false
	}
	r, c := s.F.Dims()
	return r == f.dimX && c == f.dimX
}

// Backup stores x and P for a later Revert.
func (f *Filter) Backup() {
	f.xBackup = mat.VecDenseCopyOf(f.x)
	f.pBackup = mat.DenseCopyOf(f.p)
}

// Revert restores x and P from the last backup.
func (f *Filter) Revert() {
	f.x = mat.VecDenseCopyOf(f.xBackup)
	f.p = mat.DenseCopyOf(f.pBackup)
}

// Invert reverses the direction of motion of the current state.
func (f *Filter) Invert() {
	f.model.InvertState(f.x)
}

// PriorState returns the state after the last predict.
func (f *Filter) PriorState() (*mat.VecDense, *mat.Dense) {
	return mat.VecDenseCopyOf(f.xPrior), mat.DenseCopyOf(f.pPrior)
}

// PosteriorState returns the state after the last update.
func (f *Filter) PosteriorState() (*mat.VecDense, *mat.Dense) {
	return mat.VecDenseCopyOf(f.xPost), mat.DenseCopyOf(f.pPost)
}

// Innovation returns the residual y of the last update.
func (f *Filter) Innovation() *mat.VecDense { return mat.VecDenseCopyOf(f.y) }

// InnovationCov returns S of the last update.
func (f *Filter) InnovationCov() *mat.Dense { return mat.DenseCopyOf(f.s) }

// Gain returns the Kalman gain of the last update.
func (f *Filter) Gain() *mat.Dense { return mat.DenseCopyOf(f.k) }

// Measurement returns the last successfully integrated measurement or nil.
func (f *Filter) Measurement() *mat.VecDense {
	if f.z == nil {
		return nil
	}
	return mat.VecDenseCopyOf(f.z)
}

// StateValid reports whether the current state passes CheckState.
func (f *Filter) StateValid() bool { return CheckState(f.x, f.p) }

func (f *Filter) resetLikelihoods() {
	f.logLikelihood = nil
	f.likelihood = nil
	f.mahalanobis = nil
}

func (f *Filter) updateInternalMatrices(dt, qVar float64) {
	f.model.Transition(f.f, dt)
	f.model.ProcessNoise(f.q, dt, qVar)
}

// Predict advances the state by dt (dt >= 0) using process noise variance
// qVar and optional control input u. The pre-call state is backed up.
func (f *Filter) Predict(dt, qVar float64, u *mat.VecDense) error {
	f.resetLikelihoods()
	f.Backup()
	f.updateInternalMatrices(dt, qVar)

	x, p, err := f.predictFrom(f.x, f.p, f.f, f.q, u)
	if err != nil {
		return err
	}
	f.x, f.p = x, p
	f.xPrior, f.pPrior = mat.VecDenseCopyOf(x), mat.DenseCopyOf(p)

	if !CheckState(f.x, f.p) {
		return fmt.Errorf("predict dt=%g: %w", dt, ErrInvalidState)
	}
	return nil
}

// predictFrom computes x' = F x (+ B u) and P' = α² F P Fᵀ + Q.
func (f *Filter) predictFrom(x mat.Vector, p, fm, q mat.Matrix, u *mat.VecDense) (*mat.VecDense, *mat.Dense, error) {
	xn := mat.NewVecDense(f.dimX, nil)
	xn.MulVec(fm, x)
	if f.b != nil && u != nil {
		if _, bc := f.b.Dims(); bc != u.Len() {
			return nil, nil, fmt.Errorf("control input: len %d, want %d: %w", u.Len(), bc, ErrDimension)
		}
		bu := mat.NewVecDense(f.dimX, nil)
		bu.MulVec(f.b, u)
		xn.AddVec(xn, bu)
	}

	var fp mat.Dense
	fp.Mul(fm, p)
	pn := mat.NewDense(f.dimX, f.dimX, nil)
	pn.Mul(&fp, fm.T())
	pn.Scale(f.alphaSq, pn)
	pn.Add(pn, q)
	return xn, pn, nil
}

// Update integrates measurement z with noise r (nil uses the filter's R).
func (f *Filter) Update(z *mat.VecDense, r mat.Matrix) error {
	return f.UpdateWith(z, r, nil)
}

// UpdateWith integrates z using an explicit measurement matrix h (nil uses
// the model's H). The covariance update uses the Joseph form.
func (f *Filter) UpdateWith(z *mat.VecDense, r, h mat.Matrix) error {
	f.resetLikelihoods()
	f.z = nil

	if r == nil {
		r = f.r
	}
	if h == nil {
		h = f.h
	}
	nz, hc := h.Dims()
	if hc != f.dimX || z.Len() != nz {
		return fmt.Errorf("update: z len %d, H %dx%d: %w", z.Len(), nz, hc, ErrDimension)
	}
	if rr, rc := r.Dims(); rr != nz || rc != nz {
		return fmt.Errorf("update: R %dx%d, want %dx%d: %w", rr, rc, nz, nz, ErrDimension)
	}

	// y = z - Hx
	hx := mat.NewVecDense(nz, nil)
	hx.MulVec(h, f.x)
	y := mat.NewVecDense(nz, nil)
	y.SubVec(z, hx)

	// S = H P Hᵀ + R
	pht := mat.NewDense(f.dimX, nz, nil)
	pht.Mul(f.p, h.T())
	s := mat.NewDense(nz, nz, nil)
	s.Mul(h, pht)
	s.Add(s, r)
	f.s = s

	si, ok := Invert(s)
	if !ok {
		f.xPost, f.pPost = mat.VecDenseCopyOf(f.x), mat.DenseCopyOf(f.p)
		f.y = mat.NewVecDense(nz, nil)
		f.hasInnovation = false
		return fmt.Errorf("update: innovation covariance: %w", ErrNumeric)
	}
	f.y = y
	f.si = si

	// K = P Hᵀ S⁻¹
	k := mat.NewDense(f.dimX, nz, nil)
	k.Mul(pht, si)
	f.k = k

	ky := mat.NewVecDense(f.dimX, nil)
	ky.MulVec(k, y)
	x := mat.NewVecDense(f.dimX, nil)
	x.AddVec(f.x, ky)

	// P = (I-KH) P (I-KH)ᵀ + K R Kᵀ
	ikh := identity(f.dimX)
	var kh mat.Dense
	kh.Mul(k, h)
	ikh.Sub(ikh, &kh)

	var tmp, joseph, kr, krk mat.Dense
	tmp.Mul(ikh, f.p)
	joseph.Mul(&tmp, ikh.T())
	kr.Mul(k, r)
	krk.Mul(&kr, k.T())
	p := mat.NewDense(f.dimX, f.dimX, nil)
	p.Add(&joseph, &krk)

	f.x, f.p = x, p
	f.z = mat.VecDenseCopyOf(z)
	f.hasInnovation = true
	f.xPost, f.pPost = mat.VecDenseCopyOf(x), mat.DenseCopyOf(p)

	if !CheckState(f.x, f.p) {
		return fmt.Errorf("update: %w", ErrInvalidState)
	}
	return nil
}

// PredictAndUpdate runs Predict then Update. On any failure the filter is
// reverted to its pre-call x and P.
func (f *Filter) PredictAndUpdate(dt, qVar float64, z *mat.VecDense, r mat.Matrix, u *mat.VecDense) error {
	return f.PredictAndUpdateWith(dt, qVar, z, r, nil, u)
}

// PredictAndUpdateWith is PredictAndUpdate with an explicit measurement matrix.
func (f *Filter) PredictAndUpdateWith(dt, qVar float64, z *mat.VecDense, r, h mat.Matrix, u *mat.VecDense) error {
	if err := f.Predict(dt, qVar, u); err != nil {
		f.Revert()
		return err
	}
	if err := f.UpdateWith(z, r, h); err != nil {
		f.Revert()
		return err
	}
	return nil
}

// PredictState predicts the current state by dt without modifying the
// filter. See PredictStateFrom.
func (f *Filter) PredictState(dt, qVar float64, fix bool, u *mat.VecDense) (*State, bool, error) {
	return f.PredictStateFrom(f.x, f.p, dt, qVar, fix, u)
}

// PredictStateFrom predicts (x, P) by dt without touching the filter. A
// negative dt predicts into the past: the motion direction is reversed
// with the model's state inversion (applied as a linear map J to both x and
// J P Jᵀ), the state is predicted by |dt|, and the result is reversed back
// so it is always forward oriented. With fix set, negative variances are
// clamped by FixEstimate; the second return reports whether that happened.
func (f *Filter) PredictStateFrom(x mat.Vector, p mat.Matrix, dt, qVar float64, fix bool, u *mat.VecDense) (*State, bool, error) {
	if x.Len() != f.dimX {
		return nil, false, fmt.Errorf("predict state: x len %d, want %d: %w", x.Len(), f.dimX, ErrDimension)
	}
	if pr, pc := p.Dims(); pr != f.dimX || pc != f.dimX {
		return nil, false, fmt.Errorf("predict state: P %dx%d: %w", pr, pc, ErrDimension)
	}

	x0 := mat.VecDenseCopyOf(x)
	p0 := mat.DenseCopyOf(p)

	var j *mat.Dense
	if dt < 0 {
		j = f.inversionMatrix()
		x0, p0 = transformState(j, x0, p0)
		dt = -dt
	}

	fm := mat.NewDense(f.dimX, f.dimX, nil)
	q := mat.NewDense(f.dimX, f.dimX, nil)
	f.model.Transition(fm, dt)
	f.model.ProcessNoise(q, dt, qVar)

	xn, pn, err := f.predictFrom(x0, p0, fm, q, u)
	if err != nil {
		return nil, false, err
	}
	if j != nil {
		xn, pn = transformState(j, xn, pn)
	}

	fixed := false
	if fix {
		fixed = FixEstimate(pn)
	}
	if !CheckState(xn, pn) {
		return nil, fixed, fmt.Errorf("predict state dt=%g: %w", dt, ErrInvalidState)
	}
	return &State{X: xn, P: pn, F: fm, Q: q, Dt: dt}, fixed, nil
}

// inversionMatrix expresses the model's state inversion as a matrix.
func (f *Filter) inversionMatrix() *mat.Dense {
	j := mat.NewDense(f.dimX, f.dimX, nil)
	for c := 0; c < f.dimX; c++ {
		e := mat.NewVecDense(f.dimX, nil)
		e.SetVec(c, 1)
		f.model.InvertState(e)
		j.SetCol(c, e.RawVector().Data)
	}
	return j
}

func transformState(j *mat.Dense, x *mat.VecDense, p *mat.Dense) (*mat.VecDense, *mat.Dense) {
	n := x.Len()
	xt := mat.NewVecDense(n, nil)
	xt.MulVec(j, x)
	var jp mat.Dense
	jp.Mul(j, p)
	pt := mat.NewDense(n, n, nil)
	pt.Mul(&jp, j.T())
	return xt, pt
}

// LogLikelihood returns log N(y; 0, S) of the last update. The value is
// cached until the next predict or update.
func (f *Filter) LogLikelihood() (float64, bool) {
	if f.logLikelihood != nil {
		return *f.logLikelihood, true
	}
	if !f.hasInnovation {
		return 0, false
	}
	ll, ok := gaussian.LogLikelihood(f.y, f.s)
	if !ok {
		return 0, false
	}
	f.logLikelihood = &ll
	return ll, true
}

// Likelihood returns exp(LogLikelihood()), floored at machine epsilon.
func (f *Filter) Likelihood() (float64, bool) {
	if f.likelihood != nil {
		return *f.likelihood, true
	}
	ll, ok := f.LogLikelihood()
	if !ok {
		return 0, false
	}
	l := math.Max(machineEpsilon, math.Exp(ll))
	f.likelihood = &l
	return l, true
}

// Mahalanobis returns sqrt(yᵀ S⁻¹ y) of the last update.
func (f *Filter) Mahalanobis() (float64, bool) {
	if f.mahalanobis != nil {
		return *f.mahalanobis, true
	}
	if !f.hasInnovation || f.si == nil {
		return 0, false
	}
	siy := mat.NewVecDense(f.y.Len(), nil)
	siy.MulVec(f.si, f.y)
	d2 := mat.Dot(f.y, siy)
	if d2 < 0 || math.IsNaN(d2) {
		return 0, false
	}
	d := math.Sqrt(d2)
	f.mahalanobis = &d
	return d, true
}

// Describe renders the filter matrices selected by flags, each line
// prefixed with prefix.
func (f *Filter) Describe(flags InfoFlags, prefix string) string {
	var b strings.Builder
	write := func(name string, m mat.Matrix) {
		fmt.Fprintf(&b, "%s%s:\n%s%v\n", prefix, name, prefix, mat.Formatted(m, mat.Prefix(prefix), mat.Squeeze()))
	}
	if flags&InfoState != 0 {
		write("x", f.x)
		write("P", f.p)
		write("Q", f.q)
		write("F", f.f)
	}
	if flags&InfoStateExt != 0 {
		write("R", f.r)
		if f.z != nil {
			write("z", f.z)
		}
	}
	if flags&InfoIntermSteps != 0 {
		write("K", f.k)
		write("P_prior", f.pPrior)
		write("S", f.s)
	}
	return b.String()
}

// CheckVariances reports whether every diagonal entry of p is >= 0.
func CheckVariances(p mat.Matrix) bool {
	r, _ := p.Dims()
	for i := 0; i < r; i++ {
		if p.At(i, i) < 0 {
			return false
		}
	}
	return true
}

// CheckState reports whether x and the diagonal of p are finite and the
// variances are non-negative.
func CheckState(x mat.Vector, p mat.Matrix) bool {
	for i := 0; i < x.Len(); i++ {
		if v := x.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		if v := p.At(i, i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return CheckVariances(p)
}

// FixEstimate clamps every diagonal entry of p below 0.1 up to 0.1, but
// only if some variance is negative. It reports whether p was changed.
func FixEstimate(p *mat.Dense) bool {
	if CheckVariances(p) {
		return false
	}
	r, _ := p.Dims()
	for i := 0; i < r; i++ {
		if p.At(i, i) < minVariance {
			p.Set(i, i, minVariance)
		}
	}
	return true
}

// Invert returns m⁻¹ if m is numerically invertible. Invertibility is
// decided from the condition number of the LU factorization.
func Invert(m mat.Matrix) (*mat.Dense, bool) {
	n, c := m.Dims()
	if n != c || n == 0 {
		return nil, false
	}
	var lu mat.LU
	lu.Factorize(m)
	cond := lu.Cond()
	if math.IsNaN(cond) || math.IsInf(cond, 1) || cond*float64(n)*machineEpsilon >= 1 {
		return nil, false
	}
	inv := mat.NewDense(n, n, nil)
	if err := lu.SolveTo(inv, false, identity(n)); err != nil {
		var ce mat.Condition
		if !errors.As(err, &ce) {
			return nil, false
		}
	}
	return inv, true
}

// Invertible reports whether Invert would succeed.
func Invertible(m mat.Matrix) bool {
	_, ok := Invert(m)
	return ok
}
