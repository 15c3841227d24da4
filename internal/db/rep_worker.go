package db

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"
)

// RepWorker periodically scans recent pose_data and upserts sessionized squat
// reps into squat_reps and pose_rep_links. Designed to run every few minutes
// and process a short lookback window (with a small overlap to allow updates).
type RepWorker struct {
	DB *DB
	// Gap in seconds used to split reps: frames further apart than this
	// belong to different reps.
	GapSeconds int
	// DepthThreshold in meters: frames shallower than this are not part of
	// a rep.
	DepthThreshold float64
	ModelVersion   string
	Interval       time.Duration // how often to run (e.g., 5m)
	Window         time.Duration // lookback window (e.g., 10m)
	StopChan       chan struct{}
}

func NewRepWorker(db *DB, gapSeconds int, depthThreshold float64, modelVersion string) *RepWorker {
	return &RepWorker{
		DB:             db,
		GapSeconds:     gapSeconds,
		DepthThreshold: depthThreshold,
		ModelVersion:   modelVersion,
		Interval:       5 * time.Minute,
		Window:         10 * time.Minute,
		StopChan:       make(chan struct{}),
	}
}

// Start runs the periodic worker loop in a goroutine.
func (w *RepWorker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.RunOnce(context.Background()); err != nil {
					log.Printf("rep worker run error: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *RepWorker) Stop() {
	close(w.StopChan)
}

// RunOnce scans the last w.Window and upserts reps.
func (w *RepWorker) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()
	end := float64(now.Unix())
	start := float64(now.Add(-w.Window).Unix())

	return w.RunRange(ctx, start, end)
}

// RunFullHistory scans the full available pose_data range and upserts reps.
func (w *RepWorker) RunFullHistory(ctx context.Context) error {
	var start sql.NullFloat64
	var end sql.NullFloat64
	if err := w.DB.QueryRowContext(ctx, `SELECT MIN(write_timestamp), MAX(write_timestamp) FROM pose_data`).Scan(&start, &end); err != nil {
		return err
	}
	if !start.Valid || !end.Valid {
		log.Printf("Rep worker full-history run skipped (no pose data)")
		return nil
	}
	if start.Float64 >= end.Float64 {
		log.Printf("Rep worker full-history run skipped (invalid range): start=%v end=%v", start.Float64, end.Float64)
		return nil
	}
	return w.RunRange(ctx, start.Float64, end.Float64)
}

// RunRange scans the provided [start,end] (unix seconds as float64) and
// upserts reps. Re-running over an already-processed range is safe: any reps
// from this model version overlapping the range are rebuilt from scratch.
func (w *RepWorker) RunRange(ctx context.Context, start, end float64) error {
	tx, err := w.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			// ErrTxDone means transaction was already committed/rolled back
			log.Printf("warning: failed to rollback transaction: %v", err)
		}
	}()

	// Delete overlapping reps with the same model_version before inserting.
	// This handles re-runs and window overlaps, preventing duplicates.
	deleteQuery := `
		DELETE FROM squat_reps
		WHERE model_version = ?
		  AND (
			  (rep_start_unix BETWEEN ? AND ?)
			  OR (rep_end_unix BETWEEN ? AND ?)
			  OR (rep_start_unix <= ? AND rep_end_unix >= ?)
		  )
	`
	result, err := tx.ExecContext(ctx, deleteQuery,
		w.ModelVersion,
		start, end, // rep starts in range
		start, end, // rep ends in range
		start, end, // rep spans entire range
	)
	if err != nil {
		return fmt.Errorf("failed to delete overlapping reps: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		log.Printf("Rep worker: deleted %d overlapping %s reps in range [%v, %v]",
			deleted, w.ModelVersion, start, end)
	}

	// Query the frames deep enough to belong to a rep, in time order.
	q := `
		SELECT
			id,
			session_id,
			write_timestamp AS ts,
			depth,
			depth_norm,
			quality
		FROM
			pose_data
		WHERE
			write_timestamp BETWEEN ? AND ?
			AND depth >= ?
		ORDER BY
			ts
	`

	rows, err := tx.QueryContext(ctx, q, start, end, w.DepthThreshold)
	if err != nil {
		return err
	}
	defer rows.Close()

	type rawFrame struct {
		Rowid     int64
		SessionID sql.NullString
		Ts        float64
		Depth     float64
		DepthNorm float64
		Quality   float64
	}

	var frames []rawFrame
	for rows.Next() {
		var f rawFrame
		if err := rows.Scan(&f.Rowid, &f.SessionID, &f.Ts, &f.Depth, &f.DepthNorm, &f.Quality); err != nil {
			return err
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// Cluster frames into reps by time continuity within a session. A gap
	// longer than GapSeconds means the player came back up and went down
	// again, so a new rep starts.
	type rep struct {
		SessionID    sql.NullString
		Start        float64
		End          float64
		MaxDepth     float64
		MaxDepthNorm float64
		SumQuality   float64
		MaxQuality   float64
		Count        int64
		Frames       []rawFrame
	}

	var reps []rep
	maxGap := float64(w.GapSeconds)

	for _, f := range frames {
		appended := false
		if n := len(reps); n > 0 {
			r := &reps[n-1]
			if r.SessionID == f.SessionID && f.Ts-r.End <= maxGap {
				r.End = f.Ts
				if f.Depth > r.MaxDepth {
					r.MaxDepth = f.Depth
				}
				if f.DepthNorm > r.MaxDepthNorm {
					r.MaxDepthNorm = f.DepthNorm
				}
				if f.Quality > r.MaxQuality {
					r.MaxQuality = f.Quality
				}
				r.SumQuality += f.Quality
				r.Count++
				r.Frames = append(r.Frames, f)
				appended = true
			}
		}
		if !appended {
			reps = append(reps, rep{
				SessionID:    f.SessionID,
				Start:        f.Ts,
				End:          f.Ts,
				MaxDepth:     f.Depth,
				MaxDepthNorm: f.DepthNorm,
				SumQuality:   f.Quality,
				MaxQuality:   f.Quality,
				Count:        1,
				Frames:       []rawFrame{f},
			})
		}
	}

	// Upsert reps into squat_reps.
	upsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO squat_reps (
			rep_key,
			session_id,
			threshold_ms,
			rep_start_unix,
			rep_end_unix,
			max_depth,
			max_depth_norm,
			avg_quality,
			max_quality,
			sample_count,
			model_version,
			created_at,
			updated_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, UNIXEPOCH('subsec'), UNIXEPOCH('subsec')
		)
		ON CONFLICT(rep_key) DO UPDATE SET
			rep_end_unix = excluded.rep_end_unix,
			max_depth = excluded.max_depth,
			max_depth_norm = excluded.max_depth_norm,
			avg_quality = excluded.avg_quality,
			max_quality = excluded.max_quality,
			sample_count = excluded.sample_count,
			model_version = excluded.model_version,
			updated_at = UNIXEPOCH('subsec')
	`)
	if err != nil {
		return err
	}
	defer upsertStmt.Close()

	// Refresh links for reps in the window: delete previous links, we'll
	// insert as we go.
	deleteLinks := `
		DELETE FROM pose_rep_links
		WHERE rep_id IN (
			SELECT rep_id
			FROM squat_reps
			WHERE rep_start_unix BETWEEN ? AND ?
		);
	`
	if _, err := tx.ExecContext(ctx, deleteLinks, start, end); err != nil {
		return err
	}

	linkUpsert, err := tx.PrepareContext(ctx, `
		INSERT INTO pose_rep_links (
			rep_id,
			data_rowid,
			link_score,
			created_at
		) VALUES (
			?, ?, ?, UNIXEPOCH('subsec')
		)
		ON CONFLICT(rep_id, data_rowid) DO UPDATE SET
			link_score = excluded.link_score,
			created_at = excluded.created_at
	`)
	if err != nil {
		return err
	}
	defer linkUpsert.Close()

	// scoring params
	alpha := 0.6
	minScore := 0.01

	for _, r := range reps {
		// generate stable rep keys using SHA1(start|gap|model_version).
		// End time is intentionally omitted so the key does not change as
		// new frames extend the rep.
		keyRaw := fmt.Sprintf("%d|%d|%s", int64(math.Floor(r.Start)), w.GapSeconds, w.ModelVersion)
		sum := sha1.Sum([]byte(keyRaw))
		repKey := fmt.Sprintf("%x", sum)

		avgQuality := r.SumQuality / float64(r.Count)

		if _, err := upsertStmt.ExecContext(ctx,
			repKey, r.SessionID, w.GapSeconds*1000, r.Start, r.End,
			r.MaxDepth, r.MaxDepthNorm, avgQuality, r.MaxQuality,
			r.Count, w.ModelVersion,
		); err != nil {
			return err
		}

		// fetch rep_id for this key (either new or existing)
		var repID int64
		if err := tx.QueryRowContext(
			ctx,
			`SELECT rep_id FROM squat_reps WHERE rep_key = ?`,
			repKey,
		).Scan(&repID); err != nil {
			return err
		}

		// insert links for frames assigned to this rep, scored by how close
		// the frame sits to the deepest point of the rep in both time and
		// depth
		rDur := math.Max(1.0, r.End-r.Start+1.0)
		for _, f := range r.Frames {
			timeScore := 1.0 - math.Abs(f.Ts-r.Start)/rDur
			depthScore := 0.0
			if r.MaxDepth > 0 {
				depthScore = f.Depth / r.MaxDepth
			}
			score := alpha*depthScore + (1.0-alpha)*timeScore
			if score < minScore {
				continue
			}
			if _, err := linkUpsert.ExecContext(ctx, repID, f.Rowid, score); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return nil
}

// MigrateModelVersion replaces all reps from oldVersion with the worker's
// current ModelVersion by deleting old reps and re-running over full history.
func (w *RepWorker) MigrateModelVersion(ctx context.Context, oldVersion string) error {
	if oldVersion == w.ModelVersion {
		return fmt.Errorf("old and new model versions must differ (both are %q)", oldVersion)
	}

	log.Printf("Rep worker: migrating from %s to %s", oldVersion, w.ModelVersion)

	result, err := w.DB.ExecContext(ctx,
		`DELETE FROM squat_reps WHERE model_version = ?`,
		oldVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old version reps: %w", err)
	}

	deleted, _ := result.RowsAffected()
	log.Printf("Rep worker: deleted %d %s reps", deleted, oldVersion)

	return w.RunFullHistory(ctx)
}

// DeleteAllReps removes all reps for a given model version.
func (w *RepWorker) DeleteAllReps(ctx context.Context, modelVersion string) (int64, error) {
	result, err := w.DB.ExecContext(ctx,
		`DELETE FROM squat_reps WHERE model_version = ?`,
		modelVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete reps: %w", err)
	}
	return result.RowsAffected()
}
