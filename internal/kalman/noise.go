package kalman

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ContinuousWhiteNoise returns the process noise of a continuous white
// noise model with dim derivatives per axis (2 = constant velocity,
// 3 = constant acceleration, 4 = constant jerk), repeated blockSize times
// along the diagonal and scaled by spectralDensity.
func ContinuousWhiteNoise(dim int, dt, spectralDensity float64, blockSize int) (*mat.Dense, error) {
	if dim < 2 || dim > 4 {
		return nil, fmt.Errorf("continuous white noise: dim must be between 2 and 4, got %d", dim)
	}
	if blockSize < 1 {
		return nil, fmt.Errorf("continuous white noise: block size must be > 0, got %d", blockSize)
	}

	dt2 := dt * dt
	dt3 := dt2 * dt
	dt4 := dt2 * dt2
	dt5 := dt3 * dt2
	dt6 := dt3 * dt3

	var block []float64
	switch dim {
	case 2:
		block = []float64{
			dt3 / 3, dt2 / 2,
			dt2 / 2, dt,
		}
	case 3:
		block = []float64{
			dt5 / 20, dt4 / 8, dt3 / 6,
			dt4 / 8, dt3 / 3, dt2 / 2,
			dt3 / 6, dt2 / 2, dt,
		}
	case 4:
		block = []float64{
			dt6 * dt / 252, dt6 / 72, dt5 / 30, dt4 / 24,
			dt6 / 72, dt5 / 20, dt4 / 8, dt3 / 6,
			dt5 / 30, dt4 / 8, dt3 / 3, dt2 / 2,
			dt4 / 24, dt3 / 6, dt2 / 2, dt,
		}
	}

	n := dim * blockSize
	q := mat.NewDense(n, n, nil)
	for b := 0; b < blockSize; b++ {
		off := b * dim
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				q.Set(off+i, off+j, spectralDensity*block[i*dim+j])
			}
		}
	}
	return q, nil
}
