// Package gaussian evaluates multivariate normal error models and turns
// batches of likelihoods into normalized association weights.
package gaussian

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Epsilon is the floor applied to likelihoods and normalized weights.
const Epsilon = 1e-12

// LogModeThreshold is the maximum likelihood below which ModeAuto switches
// from ModeSum to ModeLog.
const LogModeThreshold = 1e-100

var log2Pi = math.Log(2 * math.Pi)

// factorize builds the Cholesky factor of the symmetric part of cov.
func factorize(cov mat.Matrix) (*mat.Cholesky, bool) {
	r, c := cov.Dims()
	if r != c || r == 0 {
		return nil, false
	}
	sym := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			sym.SetSym(i, j, 0.5*(cov.At(i, j)+cov.At(j, i)))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, false
	}
	return &chol, true
}

func mahalanobisSqr(chol *mat.Cholesky, residual mat.Vector) (float64, bool) {
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, residual); err != nil {
		var c mat.Condition
		if !errors.As(err, &c) {
			return 0, false
		}
	}
	return mat.Dot(residual, &sol), true
}

// LogLikelihood returns log N(residual; 0, cov). The second return is
// false if cov is not positive definite or the shapes disagree.
func LogLikelihood(residual mat.Vector, cov mat.Matrix) (float64, bool) {
	chol, ok := factorize(cov)
	if !ok || residual.Len() != chol.SymmetricDim() {
		return 0, false
	}
	d2, ok := mahalanobisSqr(chol, residual)
	if !ok {
		return 0, false
	}
	k := float64(residual.Len())
	return -0.5 * (d2 + chol.LogDet() + k*log2Pi), true
}

// Likelihood returns N(residual; 0, cov).
func Likelihood(residual mat.Vector, cov mat.Matrix) (float64, bool) {
	ll, ok := LogLikelihood(residual, cov)
	if !ok {
		return 0, false
	}
	return math.Exp(ll), true
}

// MahalanobisSqr returns residualᵀ cov⁻¹ residual.
func MahalanobisSqr(residual mat.Vector, cov mat.Matrix) (float64, bool) {
	chol, ok := factorize(cov)
	if !ok || residual.Len() != chol.SymmetricDim() {
		return 0, false
	}
	return mahalanobisSqr(chol, residual)
}

// Mahalanobis returns sqrt(residualᵀ cov⁻¹ residual).
func Mahalanobis(residual mat.Vector, cov mat.Matrix) (float64, bool) {
	d2, ok := MahalanobisSqr(residual, cov)
	if !ok {
		return 0, false
	}
	return math.Sqrt(d2), true
}

// ProbabilityFromMahalanobisSqr returns the chi-squared CDF of a squared
// Mahalanobis distance with dof degrees of freedom, i.e. the probability
// that a true association lies closer than d2.
func ProbabilityFromMahalanobisSqr(d2 float64, dof int) float64 {
	if dof <= 0 || d2 <= 0 || math.IsNaN(d2) {
		return 0
	}
	if math.IsInf(d2, 1) {
		return 1
	}
	return distuv.ChiSquared{K: float64(dof)}.CDF(d2)
}

// NormalizeMode selects how NormalizeLikelihoods rescales its input.
type NormalizeMode int

const (
	// ModeAuto uses ModeSum unless every value is below LogModeThreshold.
	ModeAuto NormalizeMode = iota
	// ModeSum floors each value at Epsilon and divides by the total.
	ModeSum
	// ModeLog normalizes in log space relative to the maximum.
	ModeLog
)

func (m NormalizeMode) String() string {
	switch m {
	case ModeSum:
		return "sum"
	case ModeLog:
		return "log"
	default:
		return "auto"
	}
}

// NormalizeLikelihoods returns weights proportional to values that sum to
// one. An empty input yields an empty result.
func NormalizeLikelihoods(values []float64, mode NormalizeMode) []float64 {
	if len(values) == 0 {
		return []float64{}
	}
	if mode == ModeAuto {
		mode = ModeSum
		if maxValue(values) < LogModeThreshold {
			mode = ModeLog
		}
	}
	if mode == ModeLog {
		return normalizeLog(values)
	}
	return normalizeSum(values)
}

func normalizeSum(values []float64) []float64 {
	out := make([]float64, len(values))
	var total float64
	for i, v := range values {
		if math.IsNaN(v) || v < Epsilon {
			v = Epsilon
		}
		out[i] = v
		total += v
	}
	if total <= 0 || math.IsInf(total, 0) {
		return winnerTakesAll(values)
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

func normalizeLog(values []float64) []float64 {
	logs := make([]float64, len(values))
	maxLog := math.Inf(-1)
	for i, v := range values {
		if v > 0 && !math.IsNaN(v) {
			logs[i] = math.Log(v)
		} else {
			logs[i] = math.Inf(-1)
		}
		if logs[i] > maxLog {
			maxLog = logs[i]
		}
	}
	if math.IsInf(maxLog, -1) || math.IsInf(maxLog, 1) {
		return winnerTakesAll(values)
	}

	out := make([]float64, len(values))
	var total float64
	for i, l := range logs {
		out[i] = math.Exp(l - maxLog)
		total += out[i]
	}
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return winnerTakesAll(values)
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

// winnerTakesAll gives the largest value weight 1-(n-1)ε and every other
// entry ε.
func winnerTakesAll(values []float64) []float64 {
	out := make([]float64, len(values))
	best := 0
	for i, v := range values {
		if v > values[best] || math.IsNaN(values[best]) {
			best = i
		}
	}
	for i := range out {
		out[i] = Epsilon
	}
	out[best] = 1 - float64(len(values)-1)*Epsilon
	return out
}

func maxValue(values []float64) float64 {
	m := math.Inf(-1)
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}
