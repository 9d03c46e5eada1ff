package reconstruction

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/trajectory/internal/kalman"
	"github.com/banshee-data/trajectory/internal/monitoring"
	"github.com/banshee-data/trajectory/internal/timeutil"
)

var (
	// ErrChainOutOfDate is returned by predictions while added or inserted
	// measurements still wait for Reestimate.
	ErrChainOutOfDate = errors.New("reconstruction: chain needs reestimation")
	// ErrEmptyChain is returned by predictions on an empty chain.
	ErrEmptyChain = errors.New("reconstruction: chain is empty")
	// ErrOutOfOrder is returned by Add for measurements older than the
	// chain's last one.
	ErrOutOfOrder = errors.New("reconstruction: measurement out of order")
)

type chainEntry struct {
	mm     Measurement
	update kalman.Update
	// init is set once the entry has been estimated; update.Valid tells
	// whether that estimation succeeded.
	init bool
}

// Chain accumulates the measurements of one target in time order together
// with their filter updates. New measurements are marked fresh and
// estimated lazily by Reestimate, which re-runs the filter from the
// update preceding each fresh range until the old estimates stop changing.
type Chain struct {
	settings ChainSettings
	tracker  *OnlineTracker

	entries       []chainEntry
	fresh         []int
	trackedUpdate int
}

// NewChain creates an empty chain.
func NewChain(cs ChainSettings, es EstimatorSettings) *Chain {
	c := &Chain{
		settings: cs,
		tracker:  NewOnlineTracker(es),
	}
	c.Reset()
	return c
}

// Reset empties the chain.
func (c *Chain) Reset() {
	c.entries = nil
	c.fresh = nil
	c.tracker.Reset()
	c.trackedUpdate = -1
}

func (c *Chain) Settings() ChainSettings { return c.settings }

// Size returns the number of measurements in the chain.
func (c *Chain) Size() int { return len(c.entries) }

// LastIndex returns Size()-1.
func (c *Chain) LastIndex() int { return len(c.entries) - 1 }

// TrackedUpdate returns the index the tracker currently sits on, or -1.
func (c *Chain) TrackedUpdate() int { return c.trackedUpdate }

// Interval returns the indices (lo, hi) around ts: lo is the last entry
// with t <= ts and hi the first entry with t > ts. Equal timestamps are
// resolved to the upper side. (-1, -1) means the chain is empty; lo = -1
// means ts precedes the chain, hi = -1 means it is at or after the end.
func (c *Chain) Interval(ts time.Time) (int, int) {
	n := len(c.entries)
	if n == 0 {
		return -1, -1
	}
	if ts.Before(c.entries[0].mm.T) {
		return -1, 0
	}
	if !ts.Before(c.entries[n-1].mm.T) {
		return n - 1, -1
	}
	idx := sort.Search(n, func(i int) bool { return c.entries[i].mm.T.After(ts) })
	return idx - 1, idx
}

// InsertionIndex returns where a measurement at ts belongs, or -1 for the
// end of the chain.
func (c *Chain) InsertionIndex(ts time.Time) int {
	lo, hi := c.Interval(ts)
	switch {
	case lo < 0 && hi < 0:
		return -1
	case lo < 0:
		return 0
	case hi < 0:
		return -1
	}
	return hi
}

// PredictionRefIndex returns the entry a prediction at ts starts from, or
// -1 for an empty chain.
func (c *Chain) PredictionRefIndex(ts time.Time) int {
	lo, hi := c.Interval(ts)
	switch {
	case lo < 0 && hi < 0:
		return -1
	case lo < 0:
		return 0
	}
	return lo
}

// Add appends mm. It must not be older than the last measurement.
func (c *Chain) Add(mm Measurement, reestimate bool) error {
	if n := len(c.entries); n > 0 && mm.T.Before(c.entries[n-1].mm.T) {
		return fmt.Errorf("add at %s: %w", mm.T.Format(time.RFC3339Nano), ErrOutOfOrder)
	}
	c.fresh = append(c.fresh, len(c.entries))
	c.entries = append(c.entries, chainEntry{mm: mm})
	if reestimate {
		return c.Reestimate()
	}
	return nil
}

// AddMany appends measurements that all follow the chain's last one. They
// are sorted by time first.
func (c *Chain) AddMany(mms []Measurement, reestimate bool) error {
	if len(mms) == 0 {
		return nil
	}
	sorted := make([]Measurement, len(mms))
	copy(sorted, mms)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].T.Before(sorted[j].T) })

	if n := len(c.entries); n > 0 && sorted[0].T.Before(c.entries[n-1].mm.T) {
		return fmt.Errorf("add %d measurement(s) at %s: %w", len(sorted), sorted[0].T.Format(time.RFC3339Nano), ErrOutOfOrder)
	}

	idxMin := len(c.entries)
	for _, mm := range sorted {
		c.entries = append(c.entries, chainEntry{mm: mm})
	}
	c.fresh = append(c.fresh, idxMin, len(c.entries)-1)
	if reestimate {
		return c.Reestimate()
	}
	return nil
}

// InsertAt inserts mm at idx; a negative idx appends.
func (c *Chain) InsertAt(idx int, mm Measurement) error {
	if idx < 0 || idx >= len(c.entries) {
		return c.Add(mm, false)
	}
	c.entries = append(c.entries, chainEntry{})
	copy(c.entries[idx+1:], c.entries[idx:])
	c.entries[idx] = chainEntry{mm: mm}

	for i, f := range c.fresh {
		if f >= idx {
			c.fresh[i] = f + 1
		}
	}
	if c.trackedUpdate >= idx {
		c.trackedUpdate++
	}
	c.fresh = append(c.fresh, idx)
	return nil
}

// Insert puts mm at its time position.
func (c *Chain) Insert(mm Measurement, reestimate bool) error {
	if err := c.InsertAt(c.InsertionIndex(mm.T), mm); err != nil {
		return err
	}
	if reestimate {
		return c.Reestimate()
	}
	return nil
}

// InsertMany inserts each measurement at its time position.
func (c *Chain) InsertMany(mms []Measurement, reestimate bool) error {
	for _, mm := range mms {
		if err := c.InsertAt(c.InsertionIndex(mm.T), mm); err != nil {
			return err
		}
	}
	if reestimate {
		return c.Reestimate()
	}
	return nil
}

// NeedsReestimate reports whether fresh measurements are pending.
func (c *Chain) NeedsReestimate() bool { return len(c.fresh) > 0 }

// CanPredict reports whether ts is close enough to its reference entry.
func (c *Chain) CanPredict(ts time.Time) bool {
	idx := c.PredictionRefIndex(ts)
	if idx < 0 {
		return false
	}
	diff := timeutil.AbsDuration(ts.Sub(c.entries[idx].mm.T))
	return timeutil.Seconds(diff) <= c.settings.MaxPredictionTDiff
}

// Predict predicts ts from the nearest preceding valid entry (or the first
// valid one if ts precedes the chain).
func (c *Chain) Predict(ts time.Time) (*Reference, error) {
	if err := c.checkPredict(); err != nil {
		return nil, err
	}
	idx := c.validRefIndex(c.PredictionRefIndex(ts))
	if idx < 0 {
		return nil, fmt.Errorf("predict at %s: no valid update: %w", ts.Format(time.RFC3339Nano), kalman.ErrInvalidState)
	}
	if err := c.reinit(idx); err != nil {
		return nil, err
	}
	return c.tracker.Predict(ts)
}

// PredictFromLastState predicts ts from the last valid entry.
func (c *Chain) PredictFromLastState(ts time.Time) (*Reference, error) {
	if err := c.checkPredict(); err != nil {
		return nil, err
	}
	idx := c.validRefIndex(c.LastIndex())
	if idx < 0 {
		return nil, fmt.Errorf("predict at %s: no valid update: %w", ts.Format(time.RFC3339Nano), kalman.ErrInvalidState)
	}
	if err := c.reinit(idx); err != nil {
		return nil, err
	}
	return c.tracker.Predict(ts)
}

func (c *Chain) checkPredict() error {
	if len(c.entries) == 0 {
		return ErrEmptyChain
	}
	if c.NeedsReestimate() {
		return ErrChainOutOfDate
	}
	return nil
}

// validRefIndex walks back from idx to the nearest valid entry, then
// forward if there is none before it.
func (c *Chain) validRefIndex(idx int) int {
	if idx < 0 {
		return -1
	}
	for i := idx; i >= 0; i-- {
		if c.entries[i].init && c.entries[i].update.Valid {
			return i
		}
	}
	for i := idx + 1; i < len(c.entries); i++ {
		if c.entries[i].init && c.entries[i].update.Valid {
			return i
		}
	}
	return -1
}

// reinit moves the tracker onto the stored update at idx.
func (c *Chain) reinit(idx int) error {
	if idx == c.trackedUpdate {
		return nil
	}
	e := &c.entries[idx]
	if !e.init || !e.update.Valid {
		return fmt.Errorf("reinit at %d: %w", idx, kalman.ErrInvalidState)
	}
	monitoring.Debugf(1, "chain: reinit at idx=%d t=%s", idx, e.update.T.Format(time.RFC3339Nano))

	c.tracker.Reset()
	if err := c.tracker.TrackUpdate(e.update); err != nil {
		c.trackedUpdate = -1
		return err
	}
	c.trackedUpdate = idx
	return nil
}

// reestimateEntry runs the tracker over the measurement at idx. A failed
// step leaves the entry flagged invalid and the tracker where it was.
func (c *Chain) reestimateEntry(idx int) {
	e := &c.entries[idx]
	e.init = true
	res, err := c.tracker.Track(e.mm)
	if res != StepSuccess {
		monitoring.Debugf(1, "chain: measurement %d at %s skipped (%s, %s)",
			idx, e.mm.T.Format(time.RFC3339Nano), res, kalmanErrKind(err))
		e.update = updateFor(&e.mm)
		return
	}
	u, _ := c.tracker.CurrentUpdate()
	e.update = u
	c.trackedUpdate = idx
}

// reestimateRange re-runs the filter over [start, end). Fresh entries are
// always estimated; already estimated ones only until the update limit,
// the duration limit or the residual criterion stops the run.
func (c *Chain) reestimateRange(start, end int) int {
	if start > 0 {
		prev := c.validRefIndex(start - 1)
		if prev >= start {
			prev = -1
		}
		if prev < 0 {
			c.tracker.Reset()
			c.trackedUpdate = -1
		} else if err := c.reinit(prev); err != nil {
			c.tracker.Reset()
			c.trackedUpdate = -1
		}
	} else {
		c.tracker.Reset()
		c.trackedUpdate = -1
	}

	cutoff := start + 1 + c.settings.MaxReestimUpdates
	tstart := c.entries[start].mm.T
	resState := sqr(c.settings.ReestimResidualState)
	resCov := sqr(c.settings.ReestimResidualCov)

	count := 0
	for idx := start; idx < end; idx++ {
		e := &c.entries[idx]
		if !e.init {
			c.reestimateEntry(idx)
			count++
			continue
		}
		if idx >= cutoff || timeutil.SecondsBetween(tstart, e.mm.T) > c.settings.MaxReestimDuration {
			break
		}

		before := e.update
		c.reestimateEntry(idx)
		count++

		if before.Valid && e.update.Valid {
			dState, dCov := stateDiff(before.State, e.update.State)
			monitoring.Debugf(2, "chain: reestimate idx=%d ds=%.6f dc=%.6f", idx, math.Sqrt(dState), math.Sqrt(dCov))
			if dState <= resState && dCov <= resCov {
				break
			}
		}
	}
	return count
}

// Reestimate estimates all fresh measurements and refreshes the estimates
// that follow them.
func (c *Chain) Reestimate() error {
	if !c.NeedsReestimate() {
		return nil
	}
	sort.Ints(c.fresh)
	fresh := c.fresh[:0]
	for i, idx := range c.fresh {
		if i == 0 || idx != c.fresh[i-1] {
			fresh = append(fresh, idx)
		}
	}
	n := len(c.entries)

	total := 0
	for i, idx := range fresh {
		next := n
		if i < len(fresh)-1 {
			next = fresh[i+1]
		}
		total += c.reestimateRange(idx, next)
	}
	c.fresh = nil

	monitoring.Debugf(1, "chain: refreshed %d measurement(s)", total)
	return nil
}

// Measurements returns the chain's measurements in time order.
func (c *Chain) Measurements() []Measurement {
	out := make([]Measurement, len(c.entries))
	for i := range c.entries {
		out[i] = c.entries[i].mm
	}
	return out
}

// Updates returns copies of the valid updates in time order.
func (c *Chain) Updates() []kalman.Update {
	out := make([]kalman.Update, 0, len(c.entries))
	for i := range c.entries {
		e := &c.entries[i]
		if e.init && e.update.Valid {
			out = append(out, e.update.Clone())
		}
	}
	return out
}

// References converts the valid updates into references.
func (c *Chain) References() []Reference {
	return c.tracker.Estimator().StoreUpdates(c.Updates(), false)
}

// Smooth returns a new chain holding the same measurements with RTS
// smoothed updates. The receiver is left unchanged.
func (c *Chain) Smooth(strategy SmoothFailStrategy) (*Chain, error) {
	if c.NeedsReestimate() {
		return nil, ErrChainOutOfDate
	}

	var valid []int
	for i := range c.entries {
		if c.entries[i].init && c.entries[i].update.Valid {
			valid = append(valid, i)
		}
	}
	updates := c.Updates()
	smoothed, err := c.tracker.Estimator().SmoothUpdates(updates, strategy)
	if err != nil {
		return nil, err
	}

	out := NewChain(c.settings, c.tracker.Estimator().Settings())
	out.entries = make([]chainEntry, len(c.entries))
	copy(out.entries, c.entries)
	for k, idx := range valid {
		out.entries[idx].update = smoothed[k]
	}
	return out, nil
}
