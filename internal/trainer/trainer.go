// Package trainer runs the live classification pipeline: it subscribes to
// pose lines from the tracker mux, feeds them through the posture classifier,
// and persists the classified frames against the active session.
package trainer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rehab-data/posture.report/internal/db"
	"github.com/rehab-data/posture.report/internal/monitoring"
	"github.com/rehab-data/posture.report/internal/posemux"
	"github.com/rehab-data/posture.report/internal/posture"
)

// Trainer owns the classifier and the active session. All access goes through
// the mutex because the pose loop and the HTTP handlers race on it.
type Trainer struct {
	mux      posemux.PoseMuxInterface
	database *db.DB
	sinks    *posture.SinkMux

	mu             sync.Mutex
	classifier     *posture.Classifier
	session        *db.Session
	lastTimestamp  float64
	lastHeadHeight float64
	haveTimestamp  bool
	frameCount     int64
}

// New creates a Trainer with the given classifier configuration.
func New(mux posemux.PoseMuxInterface, database *db.DB, cfg posture.Config) (*Trainer, error) {
	classifier, err := posture.NewClassifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	sinks := posture.NewSinkMux()
	classifier.SetSink(sinks)

	return &Trainer{
		mux:        mux,
		database:   database,
		sinks:      sinks,
		classifier: classifier,
	}, nil
}

// Sinks exposes the event fanout so callers can attach listeners (power
// meter, SSE streams).
func (t *Trainer) Sinks() *posture.SinkMux { return t.sinks }

// State returns the current classifier state.
func (t *Trainer) State() posture.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.classifier.State()
}

// LastError returns the most recent input error, if any.
func (t *Trainer) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.classifier.LastError()
}

// Config returns the classifier configuration in effect.
func (t *Trainer) Config() posture.Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.classifier.Config()
}

// Calibrate sets the standing height baseline. If a session is active the
// height is persisted against it.
func (t *Trainer) Calibrate(height float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calibrateLocked(height)
}

func (t *Trainer) calibrateLocked(height float64) error {
	if err := t.classifier.CalibrateStandingHeight(height); err != nil {
		return err
	}

	if t.session != nil {
		if err := t.database.SetSessionStandingHeight(t.session.ID, height); err != nil {
			return fmt.Errorf("calibrated but failed to persist height: %w", err)
		}
		t.session.StandingHeight = &height
	}

	return nil
}

// CalibrateFromStream calibrates using the most recent head height seen on
// the stream. The player must be standing upright when this is called.
func (t *Trainer) CalibrateFromStream() (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frameCount == 0 {
		return 0, fmt.Errorf("no pose frames received yet")
	}

	if err := t.calibrateLocked(t.lastHeadHeight); err != nil {
		return 0, err
	}
	return t.lastHeadHeight, nil
}

// StartSession opens a new recording session. Any session already in
// progress is ended first.
func (t *Trainer) StartSession(notes string) (*db.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := float64(time.Now().UnixNano()) / 1e9

	if t.session != nil {
		if err := t.database.EndSession(t.session.ID, now); err != nil {
			return nil, fmt.Errorf("failed to end previous session: %w", err)
		}
	}

	session := &db.Session{StartedAtUnix: now}
	if notes != "" {
		session.Notes = &notes
	}
	if state := t.classifier.State(); state.Calibrated {
		h := state.StandingHeight
		session.StandingHeight = &h
	}

	if err := t.database.CreateSession(session); err != nil {
		return nil, err
	}

	t.session = session
	return session, nil
}

// EndSession closes the active session. It is an error if no session is in
// progress.
func (t *Trainer) EndSession() (*db.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return nil, db.ErrSessionNotFound
	}

	now := float64(time.Now().UnixNano()) / 1e9
	if err := t.database.EndSession(t.session.ID, now); err != nil {
		return nil, err
	}

	ended := t.session
	ended.EndedAtUnix = &now
	t.session = nil
	return ended, nil
}

// CurrentSession returns the active session, or nil.
func (t *Trainer) CurrentSession() *db.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Run subscribes to the pose mux and processes lines until the context is
// cancelled or the channel closes.
func (t *Trainer) Run(ctx context.Context) error {
	id, lines := t.mux.Subscribe()
	defer t.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			t.handleLine(line)
		}
	}
}

func (t *Trainer) handleLine(line string) {
	if posemux.IsDeviceEvent(line) {
		event, err := posemux.ParseDeviceEvent(line)
		if err != nil {
			monitoring.Logf("Failed to parse device event: %v", err)
			return
		}
		monitoring.Logf("Tracker device event: clock=%f battery=%f", event.Clock, event.Battery)
		return
	}

	sample, err := posemux.ParsePoseLine(line)
	if err != nil {
		// a flaky tracker link fails at stream rate, so this is debug-only
		monitoring.Debugf("Failed to parse pose line: %v", err)
		return
	}

	t.mu.Lock()

	dt := 0.0
	if t.haveTimestamp {
		dt = sample.Timestamp - t.lastTimestamp
	}
	t.lastTimestamp = sample.Timestamp
	t.lastHeadHeight = sample.HeadHeight
	t.haveTimestamp = true
	t.frameCount++

	// first frame only seeds the timestamp; there is no interval to tick
	if dt <= 0 {
		t.mu.Unlock()
		return
	}

	state := t.classifier.Tick(sample, dt)
	session := t.session
	t.mu.Unlock()

	if session == nil {
		return
	}

	observation := db.PoseObservation{
		SessionID:       session.ID,
		WriteTimestamp:  sample.Timestamp,
		HeadHeight:      sample.HeadHeight,
		Depth:           state.CurrentDepth,
		DepthNorm:       state.CurrentDepthNorm,
		Velocity:        state.Velocity,
		ControllerSpeed: state.ControllerSpeed,
		Phase:           string(state.Phase),
		Quality:         state.QualityScore,
		IsValidForm:     state.IsValidSquatForm,
	}
	if err := t.database.RecordPoseObservation(observation); err != nil {
		monitoring.Logf("Failed to record pose observation: %v", err)
	}
}
