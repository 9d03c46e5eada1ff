package reconstruction

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/banshee-data/trajectory/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChain() *Chain {
	return NewChain(DefaultChainSettings(), DefaultEstimatorSettings())
}

func chainAt(t *testing.T, times []float64) (*Chain, []testutil.Sample) {
	t.Helper()
	truth := testutil.StraightLine(testutil.DefaultOrigin, 0, 0, 10, 0, times)
	c := newTestChain()
	require.NoError(t, c.AddMany(toMeasurements(truth, 1), true))
	return c, truth
}

func TestChain_Interval(t *testing.T) {
	t.Parallel()

	c := newTestChain()
	lo, hi := c.Interval(testutil.At(0))
	assert.Equal(t, [2]int{-1, -1}, [2]int{lo, hi})
	assert.Equal(t, -1, c.InsertionIndex(testutil.At(0)))
	assert.Equal(t, -1, c.PredictionRefIndex(testutil.At(0)))

	c, _ = chainAt(t, []float64{0, 1, 1, 2})

	tests := []struct {
		name       string
		ts         float64
		lo, hi     int
		insert     int
		predictRef int
	}{
		{"before", -1, -1, 0, 0, 0},
		{"first", 0, 0, 1, 1, 0},
		{"between", 0.5, 0, 1, 1, 0},
		{"duplicates", 1, 2, 3, 3, 2},
		{"last", 2, 3, -1, -1, 3},
		{"after", 5, 3, -1, -1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := testutil.At(tt.ts)
			lo, hi := c.Interval(ts)
			assert.Equal(t, tt.lo, lo, "lo")
			assert.Equal(t, tt.hi, hi, "hi")
			assert.Equal(t, tt.insert, c.InsertionIndex(ts))
			assert.Equal(t, tt.predictRef, c.PredictionRefIndex(ts))
		})
	}
}

func TestChain_AddOutOfOrder(t *testing.T) {
	t.Parallel()

	c, truth := chainAt(t, []float64{0, 1, 2})
	late := toMeasurements(truth[:1], 1)[0]

	assert.ErrorIs(t, c.Add(late, true), ErrOutOfOrder)
	assert.ErrorIs(t, c.AddMany([]Measurement{late}, true), ErrOutOfOrder)
	assert.Equal(t, 3, c.Size())

	same := toMeasurements(truth[2:], 1)[0]
	assert.NoError(t, c.Add(same, true), "equal timestamps are accepted")
	assert.Equal(t, 4, c.Size())
	assert.Len(t, c.Updates(), 3, "a zero length step yields no update")
}

func TestChain_PredictErrors(t *testing.T) {
	t.Parallel()

	c := newTestChain()
	_, err := c.Predict(testutil.At(0))
	assert.ErrorIs(t, err, ErrEmptyChain)
	_, err = c.PredictFromLastState(testutil.At(0))
	assert.ErrorIs(t, err, ErrEmptyChain)

	_, mms := straightTarget(2, 1)
	require.NoError(t, c.Add(mms[0], false))
	assert.True(t, c.NeedsReestimate())
	_, err = c.Predict(testutil.At(0))
	assert.ErrorIs(t, err, ErrChainOutOfDate)
	_, err = c.Smooth(SmoothFailStop)
	assert.ErrorIs(t, err, ErrChainOutOfDate)

	require.NoError(t, c.Reestimate())
	assert.False(t, c.NeedsReestimate())
	_, err = c.Predict(testutil.At(0))
	assert.NoError(t, err)
}

func TestChain_AddManyMatchesEstimator(t *testing.T) {
	t.Parallel()

	truth := testutil.StraightLine(testutil.DefaultOrigin, 0, 0, 7, -3, testutil.Times(20, 1))
	noisy := testutil.AddNoise(testutil.DefaultOrigin, truth, 3, 7)
	mms := toMeasurements(noisy, 3)

	shuffled := append([]Measurement{}, mms...)
	rng := rand.New(rand.NewPCG(1, 2))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	c := newTestChain()
	require.NoError(t, c.AddMany(shuffled, true))
	require.Equal(t, 20, c.Size())

	got := c.Measurements()
	for i := range got {
		assert.Equal(t, mms[i].T, got[i].T)
	}

	_, want := runEstimator(t, DefaultEstimatorSettings(), mms)
	updates := c.Updates()
	require.Len(t, updates, len(want))
	for i := range want {
		assert.Equal(t, want[i].T, updates[i].T)
		assert.InDelta(t, want[i].Lat, updates[i].Lat, 1e-9)
		assert.InDelta(t, want[i].Lon, updates[i].Lon, 1e-9)
	}
	assert.Equal(t, 19, c.TrackedUpdate())

	refs := c.References()
	require.Len(t, refs, 20)
	assert.True(t, refs[0].ResetPos)
}

func TestChain_InsertInMiddle(t *testing.T) {
	t.Parallel()

	times := []float64{0, 1, 2, 3, 4, 6, 7, 8, 9, 10}
	c, _ := chainAt(t, times)
	require.Equal(t, 9, c.TrackedUpdate())

	missing := testutil.StraightLine(testutil.DefaultOrigin, 0, 0, 10, 0, []float64{5})
	require.NoError(t, c.Insert(toMeasurements(missing, 1)[0], true))
	require.Equal(t, 11, c.Size())

	truth := testutil.StraightLine(testutil.DefaultOrigin, 0, 0, 10, 0, testutil.Times(11, 1))
	updates := c.Updates()
	require.Len(t, updates, 11)
	for i, u := range updates {
		assert.Equal(t, truth[i].T, u.T)
		assertNearTruth(t, truth[i], u.Lat, u.Lon, 1)
	}
}

func TestChain_InsertWithoutReestimate(t *testing.T) {
	t.Parallel()

	c, _ := chainAt(t, []float64{0, 2, 4})
	extra := toMeasurements(testutil.StraightLine(testutil.DefaultOrigin, 0, 0, 10, 0, []float64{1, 3, 5}), 1)
	require.NoError(t, c.InsertMany(extra, false))
	assert.True(t, c.NeedsReestimate())
	assert.Equal(t, 6, c.Size())

	require.NoError(t, c.Reestimate())
	updates := c.Updates()
	require.Len(t, updates, 6)
	for i := 1; i < len(updates); i++ {
		assert.True(t, updates[i].T.After(updates[i-1].T))
	}
}

func TestChain_CanPredict(t *testing.T) {
	t.Parallel()

	assert.False(t, newTestChain().CanPredict(testutil.At(0)))

	c, _ := chainAt(t, []float64{0, 1, 2, 3, 4})
	assert.True(t, c.CanPredict(testutil.At(10)))
	assert.False(t, c.CanPredict(testutil.At(14.5)))
	assert.True(t, c.CanPredict(testutil.At(-5)))
	assert.False(t, c.CanPredict(testutil.At(-11)))
}

func TestChain_Predict(t *testing.T) {
	t.Parallel()

	c, _ := chainAt(t, []float64{0, 1, 2, 3, 4})
	mid := testutil.StraightLine(testutil.DefaultOrigin, 0, 0, 10, 0, []float64{2.5})[0]

	ref, err := c.Predict(mid.T)
	require.NoError(t, err)
	assertNearTruth(t, mid, ref.Lat, ref.Lon, 1)
	assert.Equal(t, 2, c.TrackedUpdate())

	ref, err = c.PredictFromLastState(mid.T)
	require.NoError(t, err)
	assertNearTruth(t, mid, ref.Lat, ref.Lon, 1)
	assert.Equal(t, 4, c.TrackedUpdate())

	before := testutil.StraightLine(testutil.DefaultOrigin, 0, 0, 10, 0, []float64{-1})[0]
	ref, err = c.Predict(before.T)
	require.NoError(t, err)
	assertNearTruth(t, before, ref.Lat, ref.Lon, 1)
	assert.Equal(t, before.T, ref.T)
}

func TestChain_Smooth(t *testing.T) {
	t.Parallel()

	c, truth := chainAt(t, []float64{0, 1, 2, 3, 4, 5})
	before := c.Updates()

	smoothed, err := c.Smooth(SmoothFailStop)
	require.NoError(t, err)
	require.Equal(t, c.Size(), smoothed.Size())

	after := c.Updates()
	for i := range before {
		assert.Equal(t, before[i].Lat, after[i].Lat, "original chain is untouched")
	}
	for i, u := range smoothed.Updates() {
		assertNearTruth(t, truth[i], u.Lat, u.Lon, 0.5)
	}
}

func TestChain_Reset(t *testing.T) {
	t.Parallel()

	c, _ := chainAt(t, []float64{0, 1, 2})
	c.Reset()
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, -1, c.LastIndex())
	assert.Equal(t, -1, c.TrackedUpdate())
	assert.Empty(t, c.Updates())

	_, mms := straightTarget(1, 1)
	mm := mms[0]
	mm.T = mm.T.Add(-time.Hour)
	assert.NoError(t, c.Add(mm, true), "a reset chain accepts any time")
}
