package db

import (
	"fmt"
	"sort"
	"time"
)

// SessionStats is the per-session rollup of squat reps served by the API and
// consumed by the report generator.
type SessionStats struct {
	SessionID  string  `json:"session_id"`
	RepCount   int64   `json:"rep_count"`
	MaxDepth   float64 `json:"max_depth"`
	AvgQuality float64 `json:"avg_quality"`
	P50Quality float64 `json:"p50_quality"`
	P85Quality float64 `json:"p85_quality"`
	P98Quality float64 `json:"p98_quality"`
}

// percentileFromSorted returns the value at the given percentile of an
// ascending-sorted slice.
func percentileFromSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// SessionStatsRollup aggregates reps per session over the last N days.
// Sessions are returned newest first.
func (db *DB) SessionStatsRollup(days int) ([]SessionStats, error) {
	if days < 1 {
		return nil, fmt.Errorf("invalid days value %d: must be at least 1", days)
	}

	cutoff := float64(time.Now().AddDate(0, 0, -days).Unix())

	rows, err := db.Query(`
		SELECT session_id, rep_start_unix, max_depth, avg_quality
		FROM squat_reps
		WHERE rep_start_unix >= ? AND session_id IS NOT NULL
		ORDER BY rep_start_unix DESC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type acc struct {
		qualities  []float64
		maxDepth   float64
		sumQuality float64
	}
	accs := make(map[string]*acc)
	var order []string

	for rows.Next() {
		var sessionID string
		var startUnix, maxDepth, avgQuality float64
		if err := rows.Scan(&sessionID, &startUnix, &maxDepth, &avgQuality); err != nil {
			return nil, err
		}
		a, ok := accs[sessionID]
		if !ok {
			a = &acc{}
			accs[sessionID] = a
			order = append(order, sessionID)
		}
		a.qualities = append(a.qualities, avgQuality)
		a.sumQuality += avgQuality
		if maxDepth > a.maxDepth {
			a.maxDepth = maxDepth
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := make([]SessionStats, 0, len(order))
	for _, sessionID := range order {
		a := accs[sessionID]
		sort.Float64s(a.qualities)
		n := int64(len(a.qualities))
		stats = append(stats, SessionStats{
			SessionID:  sessionID,
			RepCount:   n,
			MaxDepth:   a.maxDepth,
			AvgQuality: a.sumQuality / float64(n),
			P50Quality: percentileFromSorted(a.qualities, 0.50),
			P85Quality: percentileFromSorted(a.qualities, 0.85),
			P98Quality: percentileFromSorted(a.qualities, 0.98),
		})
	}

	return stats, nil
}

// SessionStatsFor computes the rollup for a single session across its full
// history.
func (db *DB) SessionStatsFor(sessionID string) (*SessionStats, error) {
	rows, err := db.Query(`
		SELECT max_depth, avg_quality
		FROM squat_reps
		WHERE session_id = ?
		ORDER BY rep_start_unix`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &SessionStats{SessionID: sessionID}
	var qualities []float64
	for rows.Next() {
		var maxDepth, avgQuality float64
		if err := rows.Scan(&maxDepth, &avgQuality); err != nil {
			return nil, err
		}
		qualities = append(qualities, avgQuality)
		stats.AvgQuality += avgQuality
		if maxDepth > stats.MaxDepth {
			stats.MaxDepth = maxDepth
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.RepCount = int64(len(qualities))
	if stats.RepCount == 0 {
		return stats, nil
	}

	stats.AvgQuality /= float64(stats.RepCount)
	sort.Float64s(qualities)
	stats.P50Quality = percentileFromSorted(qualities, 0.50)
	stats.P85Quality = percentileFromSorted(qualities, 0.85)
	stats.P98Quality = percentileFromSorted(qualities, 0.98)
	return stats, nil
}

// WriteSessionReport computes and persists the rollup for a session into
// session_reports, returning the stored stats.
func (db *DB) WriteSessionReport(sessionID string) (*SessionStats, error) {
	stats, err := db.SessionStatsFor(sessionID)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		INSERT INTO session_reports (
			session_id, generated_at_unix, rep_count, max_depth,
			avg_quality, p50_quality, p85_quality, p98_quality
		) VALUES (?, UNIXEPOCH('subsec'), ?, ?, ?, ?, ?, ?)`,
		sessionID, stats.RepCount, stats.MaxDepth,
		stats.AvgQuality, stats.P50Quality, stats.P85Quality, stats.P98Quality,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to write session report: %w", err)
	}

	return stats, nil
}

// SquatRep is one sessionized rep as persisted by the rep worker.
type SquatRep struct {
	RepID        int64   `json:"rep_id"`
	RepKey       string  `json:"rep_key"`
	SessionID    string  `json:"session_id"`
	RepStartUnix float64 `json:"rep_start_unix"`
	RepEndUnix   float64 `json:"rep_end_unix"`
	MaxDepth     float64 `json:"max_depth"`
	MaxDepthNorm float64 `json:"max_depth_norm"`
	AvgQuality   float64 `json:"avg_quality"`
	MaxQuality   float64 `json:"max_quality"`
	SampleCount  int64   `json:"sample_count"`
	ModelVersion string  `json:"model_version"`
}

// SessionReps returns all reps for a session in start-time order.
func (db *DB) SessionReps(sessionID string) ([]SquatRep, error) {
	rows, err := db.Query(`
		SELECT rep_id, rep_key, session_id, rep_start_unix, rep_end_unix,
			max_depth, max_depth_norm, avg_quality, max_quality,
			sample_count, model_version
		FROM squat_reps
		WHERE session_id = ?
		ORDER BY rep_start_unix`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reps []SquatRep
	for rows.Next() {
		var r SquatRep
		if err := rows.Scan(
			&r.RepID, &r.RepKey, &r.SessionID, &r.RepStartUnix, &r.RepEndUnix,
			&r.MaxDepth, &r.MaxDepthNorm, &r.AvgQuality, &r.MaxQuality,
			&r.SampleCount, &r.ModelVersion,
		); err != nil {
			return nil, err
		}
		reps = append(reps, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return reps, nil
}
