package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
}

// OpenDB opens the database without touching the schema. Migrations manage
// the schema; see migrate.go.
func OpenDB(path string) (*DB, error) {
	// Pragmas go in the DSN so every pooled connection gets them. WAL keeps
	// pose writes from blocking the report readers.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	return &DB{sqlDB}, nil
}

// NewDB opens the database and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// PoseObservation is one classified pose frame as persisted to pose_data.
type PoseObservation struct {
	SessionID       string  `json:"session_id"`
	WriteTimestamp  float64 `json:"write_timestamp"`
	HeadHeight      float64 `json:"head_height"`
	Depth           float64 `json:"depth"`
	DepthNorm       float64 `json:"depth_norm"`
	Velocity        float64 `json:"velocity"`
	ControllerSpeed float64 `json:"controller_speed"`
	Phase           string  `json:"phase"`
	Quality         float64 `json:"quality"`
	IsValidForm     bool    `json:"is_valid_form"`
}

func (o *PoseObservation) String() string {
	return fmt.Sprintf(
		"Session: %s, Timestamp: %f, HeadHeight: %f, Depth: %f, Phase: %s, Quality: %f",
		o.SessionID, o.WriteTimestamp, o.HeadHeight, o.Depth, o.Phase, o.Quality,
	)
}

// RecordPoseObservation inserts one classified frame.
func (db *DB) RecordPoseObservation(o PoseObservation) error {
	_, err := db.Exec(
		`INSERT INTO pose_data (
			session_id, write_timestamp, head_height, depth, depth_norm,
			velocity, controller_speed, phase, quality, is_valid_form
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SessionID, o.WriteTimestamp, o.HeadHeight, o.Depth, o.DepthNorm,
		o.Velocity, o.ControllerSpeed, o.Phase, o.Quality, o.IsValidForm,
	)
	if err != nil {
		return err
	}
	return nil
}

// RecentPoseObservations returns the most recent classified frames, newest
// first.
func (db *DB) RecentPoseObservations(limit int) ([]PoseObservation, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := db.Query(`
		SELECT session_id, write_timestamp, head_height, depth, depth_norm,
			velocity, controller_speed, phase, quality, is_valid_form
		FROM pose_data ORDER BY write_timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []PoseObservation
	for rows.Next() {
		var o PoseObservation
		var sessionID sql.NullString
		if err := rows.Scan(
			&sessionID,
			&o.WriteTimestamp,
			&o.HeadHeight,
			&o.Depth,
			&o.DepthNorm,
			&o.Velocity,
			&o.ControllerSpeed,
			&o.Phase,
			&o.Quality,
			&o.IsValidForm,
		); err != nil {
			return nil, err
		}
		o.SessionID = sessionID.String
		observations = append(observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return observations, nil
}

// SessionPoseObservations returns every classified frame for a session in
// stream order. Used by the offline report tooling.
func (db *DB) SessionPoseObservations(sessionID string) ([]PoseObservation, error) {
	rows, err := db.Query(`
		SELECT session_id, write_timestamp, head_height, depth, depth_norm,
			velocity, controller_speed, phase, quality, is_valid_form
		FROM pose_data WHERE session_id = ? ORDER BY write_timestamp ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []PoseObservation
	for rows.Next() {
		var o PoseObservation
		if err := rows.Scan(
			&o.SessionID,
			&o.WriteTimestamp,
			&o.HeadHeight,
			&o.Depth,
			&o.DepthNorm,
			&o.Velocity,
			&o.ControllerSpeed,
			&o.Phase,
			&o.Quality,
			&o.IsValidForm,
		); err != nil {
			return nil, err
		}
		observations = append(observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return observations, nil
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://posture.db", db.DB, &tailsql.DBOptions{
		Label: "Posture DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()

		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
