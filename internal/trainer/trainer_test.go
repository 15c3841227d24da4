package trainer

import (
	"fmt"
	"os"
	"testing"

	"github.com/rehab-data/posture.report/internal/db"
	"github.com/rehab-data/posture.report/internal/posemux"
	"github.com/rehab-data/posture.report/internal/posture"
)

func newTestTrainer(t *testing.T) (*Trainer, *db.DB) {
	t.Helper()

	fname := t.Name() + ".db"
	_ = os.Remove(fname)
	database, err := db.NewDB(fname)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		_ = os.Remove(fname)
		_ = os.Remove(fname + "-shm")
		_ = os.Remove(fname + "-wal")
	})

	mux := posemux.NewPoseMux[*posemux.TestablePoseStream](posemux.NewTestablePoseStream())
	tr, err := New(mux, database, posture.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create trainer: %v", err)
	}
	return tr, database
}

func poseLine(ts, head float64) string {
	return fmt.Sprintf("%.4f,%.4f,0,1.1,0,0,1.1,0", ts, head)
}

func TestTrainerProcessesPoseLines(t *testing.T) {
	tr, database := newTestTrainer(t)

	if err := tr.Calibrate(1.70); err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	session, err := tr.StartSession("")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// Descend to a 0.35m squat over a second of frames.
	ts := 0.0
	head := 1.70
	for i := 0; i < 10; i++ {
		tr.handleLine(poseLine(ts, head))
		ts += 0.1
		if head > 1.35 {
			head -= 0.05
		}
	}

	state := tr.State()
	if state.CurrentDepth < 0.3 {
		t.Errorf("expected depth past threshold, got %v", state.CurrentDepth)
	}
	if !state.IsInBottom {
		t.Errorf("expected bottom dwell, got phase %q", state.Phase)
	}

	observations, err := database.RecentPoseObservations(100)
	if err != nil {
		t.Fatalf("RecentPoseObservations failed: %v", err)
	}
	// first frame seeds the timestamp and is not recorded
	if len(observations) != 9 {
		t.Errorf("expected 9 recorded observations, got %d", len(observations))
	}
	for _, o := range observations {
		if o.SessionID != session.ID {
			t.Errorf("expected observation tied to session %s, got %s", session.ID, o.SessionID)
		}
	}
}

func TestTrainerIgnoresMalformedAndDeviceLines(t *testing.T) {
	tr, database := newTestTrainer(t)

	if _, err := tr.StartSession(""); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	tr.handleLine("not,a,pose,line")
	tr.handleLine(`{"clock": 1700000000}`)
	tr.handleLine(poseLine(0, 1.70))
	tr.handleLine(poseLine(0.1, 1.70))

	observations, err := database.RecentPoseObservations(100)
	if err != nil {
		t.Fatalf("RecentPoseObservations failed: %v", err)
	}
	if len(observations) != 1 {
		t.Errorf("expected only the second pose frame recorded, got %d", len(observations))
	}
}

func TestTrainerCalibrateFromStream(t *testing.T) {
	tr, _ := newTestTrainer(t)

	if _, err := tr.CalibrateFromStream(); err == nil {
		t.Error("expected error calibrating before any frames")
	}

	tr.handleLine(poseLine(0, 1.82))

	height, err := tr.CalibrateFromStream()
	if err != nil {
		t.Fatalf("CalibrateFromStream failed: %v", err)
	}
	if height != 1.82 {
		t.Errorf("expected calibrated height 1.82, got %v", height)
	}
	if !tr.State().Calibrated {
		t.Error("expected classifier to report calibrated")
	}
}

func TestTrainerSessionLifecycle(t *testing.T) {
	tr, database := newTestTrainer(t)

	if tr.CurrentSession() != nil {
		t.Fatal("expected no session at startup")
	}

	first, err := tr.StartSession("warmup")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if tr.CurrentSession() == nil || tr.CurrentSession().ID != first.ID {
		t.Error("expected first session to be current")
	}

	// Starting a second session ends the first.
	second, err := tr.StartSession("")
	if err != nil {
		t.Fatalf("second StartSession failed: %v", err)
	}
	stored, err := database.GetSession(first.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.EndedAtUnix == nil {
		t.Error("expected first session to be ended")
	}

	ended, err := tr.EndSession()
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if ended.ID != second.ID {
		t.Errorf("expected to end session %s, got %s", second.ID, ended.ID)
	}
	if _, err := tr.EndSession(); err != db.ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTrainerEventsReachAttachedSinks(t *testing.T) {
	tr, _ := newTestTrainer(t)

	if err := tr.Calibrate(1.70); err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}

	var events []posture.EventType
	id := tr.Sinks().Attach(posture.SinkFunc(func(e posture.Event) {
		events = append(events, e.Type)
	}))
	defer tr.Sinks().Detach(id)

	ts := 0.0
	head := 1.70
	for i := 0; i < 12; i++ {
		tr.handleLine(poseLine(ts, head))
		ts += 0.1
		if head > 1.30 {
			head -= 0.05
		}
	}

	var sawDodge bool
	for _, e := range events {
		if e == posture.DodgeStarted {
			sawDodge = true
		}
	}
	if !sawDodge {
		t.Errorf("expected DodgeStarted event, got %v", events)
	}
}
