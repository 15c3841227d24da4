package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one recording session: calibration through cooldown of the last
// rep. A session with a nil EndedAtUnix is still in progress.
type Session struct {
	ID             string   `json:"session_id"`
	StartedAtUnix  float64  `json:"started_at_unix"`
	EndedAtUnix    *float64 `json:"ended_at_unix,omitempty"`
	StandingHeight *float64 `json:"standing_height,omitempty"`
	Units          string   `json:"units"`
	Notes          *string  `json:"notes,omitempty"`
}

// CreateSession inserts a new session. If the session has no ID, a random
// UUID is assigned.
func (db *DB) CreateSession(s *Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Units == "" {
		s.Units = "m"
	}

	_, err := db.Exec(
		`INSERT INTO sessions (session_id, started_at_unix, ended_at_unix, standing_height, units, notes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.StartedAtUnix, s.EndedAtUnix, s.StandingHeight, s.Units, s.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID.
func (db *DB) GetSession(id string) (*Session, error) {
	var s Session
	err := db.QueryRow(
		`SELECT session_id, started_at_unix, ended_at_unix, standing_height, units, notes
		 FROM sessions WHERE session_id = ?`, id,
	).Scan(&s.ID, &s.StartedAtUnix, &s.EndedAtUnix, &s.StandingHeight, &s.Units, &s.Notes)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns sessions newest first.
func (db *DB) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(
		`SELECT session_id, started_at_unix, ended_at_unix, standing_height, units, notes
		 FROM sessions ORDER BY started_at_unix DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.StartedAtUnix, &s.EndedAtUnix, &s.StandingHeight, &s.Units, &s.Notes); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// ActiveSession returns the most recent session without an end time, or
// ErrSessionNotFound if every session has ended.
func (db *DB) ActiveSession() (*Session, error) {
	var s Session
	err := db.QueryRow(
		`SELECT session_id, started_at_unix, ended_at_unix, standing_height, units, notes
		 FROM sessions WHERE ended_at_unix IS NULL
		 ORDER BY started_at_unix DESC LIMIT 1`,
	).Scan(&s.ID, &s.StartedAtUnix, &s.EndedAtUnix, &s.StandingHeight, &s.Units, &s.Notes)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// EndSession closes a session at the given unix time.
func (db *DB) EndSession(id string, endedAtUnix float64) error {
	result, err := db.Exec(
		`UPDATE sessions SET ended_at_unix = ? WHERE session_id = ? AND ended_at_unix IS NULL`,
		endedAtUnix, id,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetSessionStandingHeight records the calibrated standing height for a
// session.
func (db *DB) SetSessionStandingHeight(id string, height float64) error {
	result, err := db.Exec(
		`UPDATE sessions SET standing_height = ? WHERE session_id = ?`,
		height, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set standing height: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}
