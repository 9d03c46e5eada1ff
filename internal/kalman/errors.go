package kalman

import "errors"

var (
	// ErrNumeric is returned when a matrix that must be inverted is singular.
	ErrNumeric = errors.New("kalman: matrix not invertible")

	// ErrInvalidState is returned when a state vector or covariance holds
	// non-finite values or negative variances.
	ErrInvalidState = errors.New("kalman: invalid state")

	// ErrDimension is returned when vector or matrix shapes disagree with
	// the filter dimensions.
	ErrDimension = errors.New("kalman: dimension mismatch")
)
