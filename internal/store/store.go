// Package store persists reconstruction runs and their reference points
// in a SQLite database. The schema is managed by embedded migrations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/trajectory/internal/reconstruction"
	"github.com/banshee-data/trajectory/internal/reference"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrRunExists is returned when a run id is saved twice.
var ErrRunExists = errors.New("store: run already saved")

// Store is a SQLite result sink.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates it to the
// latest schema. Use ":memory:" only with a single connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RunSummary is a stored run without its reference points.
type RunSummary struct {
	ID         uuid.UUID
	Started    time.Time
	Duration   time.Duration
	Targets    int
	References int
	Totals     reference.Counts
}

// SaveRun stores a run and the references of every successful target in
// one transaction. Two successful results with the same target ID fail the
// save.
func (s *Store) SaveRun(ctx context.Context, run *reference.Run) error {
	counts, err := json.Marshal(run.Totals)
	if err != nil {
		return fmt.Errorf("encode counts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, run.ID.String()).Scan(&exists); err != nil {
		return fmt.Errorf("check run %s: %w", run.ID, err)
	}
	if exists > 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrRunExists)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_unix_ns, duration_ns, target_count, reference_count, counts_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Started.UnixNano(), int64(run.Duration), len(run.Results), run.NumReferences(), string(counts),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO reference_points (
			run_id, target_id, seq, t_unix_ns, source_id, lat, lon, vx, vy,
			x_stddev, y_stddev, xy_cov, vx_stddev, vy_stddev,
			speed_tip_lat, speed_tip_lon, reset_pos, projchange_pos, ref_interp,
			mm_interp, nospeed_pos, noaccel_pos, nostddev_pos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	seen := make(map[string]bool, len(run.Results))
	for _, res := range run.Results {
		if res.Err != nil {
			continue
		}
		if seen[res.TargetID] {
			return fmt.Errorf("run %s: target %q: %w", run.ID, res.TargetID, reference.ErrDuplicateTarget)
		}
		seen[res.TargetID] = true
		for seq, ref := range res.References {
			_, err := stmt.ExecContext(ctx,
				run.ID.String(), res.TargetID, seq, ref.T.UnixNano(), int64(ref.SourceID), ref.Lat, ref.Lon,
				nullFloat(ref.VX), nullFloat(ref.VY),
				nullFloat(ref.XStdDev), nullFloat(ref.YStdDev), nullFloat(ref.XYCov),
				nullFloat(ref.VXStdDev), nullFloat(ref.VYStdDev),
				nullFloat(ref.SpeedTipLat), nullFloat(ref.SpeedTipLon),
				ref.ResetPos, ref.ProjChangePos, ref.RefInterp,
				ref.MMInterp, ref.NoSpeedPos, ref.NoAccelPos, ref.NoStdDevPos,
			)
			if err != nil {
				return fmt.Errorf("insert reference %s/%d: %w", res.TargetID, seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns all stored runs, most recent first.
func (s *Store) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started_unix_ns, duration_ns, target_count, reference_count, counts_json
		FROM runs ORDER BY started_unix_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			id         string
			started    int64
			duration   int64
			countsJSON string
			runSummary RunSummary
		)
		if err := rows.Scan(&id, &started, &duration, &runSummary.Targets, &runSummary.References, &countsJSON); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if runSummary.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("run id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(countsJSON), &runSummary.Totals); err != nil {
			return nil, fmt.Errorf("run %s counts: %w", id, err)
		}
		runSummary.Started = time.Unix(0, started).UTC()
		runSummary.Duration = time.Duration(duration)
		out = append(out, runSummary)
	}
	return out, rows.Err()
}

// ListReferences returns the references of one target of a run in
// reconstruction order. An empty targetID returns every target, ordered
// by target and sequence.
func (s *Store) ListReferences(ctx context.Context, runID uuid.UUID, targetID string) ([]reconstruction.Reference, error) {
	query := `SELECT t_unix_ns, source_id, lat, lon, vx, vy,
			x_stddev, y_stddev, xy_cov, vx_stddev, vy_stddev,
			speed_tip_lat, speed_tip_lon, reset_pos, projchange_pos, ref_interp,
			mm_interp, nospeed_pos, noaccel_pos, nostddev_pos
		FROM reference_points WHERE run_id = ?`
	args := []any{runID.String()}
	if targetID != "" {
		query += ` AND target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY target_id, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query references of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []reconstruction.Reference
	for rows.Next() {
		var (
			ref               reconstruction.Reference
			ts, sourceID      int64
			vx, vy            sql.NullFloat64
			xStd, yStd, xyCov sql.NullFloat64
			vxStd, vyStd      sql.NullFloat64
			tipLat, tipLon    sql.NullFloat64
		)
		if err := rows.Scan(&ts, &sourceID, &ref.Lat, &ref.Lon, &vx, &vy,
			&xStd, &yStd, &xyCov, &vxStd, &vyStd,
			&tipLat, &tipLon, &ref.ResetPos, &ref.ProjChangePos, &ref.RefInterp,
			&ref.MMInterp, &ref.NoSpeedPos, &ref.NoAccelPos, &ref.NoStdDevPos); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		ref.T = time.Unix(0, ts).UTC()
		ref.SourceID = uint64(sourceID)
		ref.VX, ref.VY = floatPtr(vx), floatPtr(vy)
		ref.XStdDev, ref.YStdDev, ref.XYCov = floatPtr(xStd), floatPtr(yStd), floatPtr(xyCov)
		ref.VXStdDev, ref.VYStdDev = floatPtr(vxStd), floatPtr(vyStd)
		ref.SpeedTipLat, ref.SpeedTipLon = floatPtr(tipLat), floatPtr(tipLon)
		out = append(out, ref)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and its reference points.
func (s *Store) DeleteRun(ctx context.Context, runID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM reference_points WHERE run_id = ?`,
		`DELETE FROM runs WHERE run_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, runID.String()); err != nil {
			return fmt.Errorf("delete run %s: %w", runID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete of run %s: %w", runID, err)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return reconstruction.Float(v.Float64)
}
