package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rehab-data/posture.report/internal/db"
	"github.com/rehab-data/posture.report/internal/posemux"
	"github.com/rehab-data/posture.report/internal/posture"
	"github.com/rehab-data/posture.report/internal/scoring"
	"github.com/rehab-data/posture.report/internal/trainer"
	"github.com/rehab-data/posture.report/internal/units"
)

type testHarness struct {
	server  *Server
	mux     *http.ServeMux
	db      *db.DB
	trainer *trainer.Trainer
	stream  *posemux.TestablePoseStream
	power   *scoring.PowerMeter
}

func newTestHarness(t *testing.T) *testHarness {
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

	stream := posemux.NewTestablePoseStream()
	poseMux := posemux.NewPoseMux[*posemux.TestablePoseStream](stream)

	tr, err := trainer.New(poseMux, database, posture.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create trainer: %v", err)
	}

	reps := db.NewRepController(db.NewRepWorker(database, 2, 0.3, "rep-v1"))
	power := scoring.NewPowerMeter()

	server := NewServer(poseMux, database, tr, reps, power, units.Meters)
	return &testHarness{
		server:  server,
		mux:     server.ServeMux(),
		db:      database,
		trainer: tr,
		stream:  stream,
		power:   power,
	}
}

func (h *testHarness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func TestShowState(t *testing.T) {
	h := newTestHarness(t)

	if err := h.trainer.Calibrate(1.70); err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}

	rec := h.get(t, "/api/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var state struct {
		Phase          string  `json:"phase"`
		StandingHeight float64 `json:"standing_height"`
		Calibrated     bool    `json:"calibrated"`
		Units          string  `json:"units"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	if !state.Calibrated {
		t.Error("expected calibrated state")
	}
	if state.StandingHeight != 1.70 {
		t.Errorf("expected standing height 1.70, got %v", state.StandingHeight)
	}
	if state.Units != units.Meters {
		t.Errorf("expected units m, got %q", state.Units)
	}
}

func TestShowStateConvertsVelocityUnits(t *testing.T) {
	h := newTestHarness(t)

	// Same backing pieces, centimeter display units.
	cmMux := NewServer(h.server.m, h.db, h.trainer, h.server.reps, h.power, units.Centimeters).ServeMux()

	if err := h.trainer.Calibrate(1.70); err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}

	// Run the live pipeline and feed a descent until the EWMA velocity
	// moves, then stop so the state freezes for the assertions below.
	h.stream.BlockReads = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.server.m.Monitor(ctx)
	go h.trainer.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	ts, head := 0.0, 1.70
	for h.trainer.State().Velocity == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pipeline never produced a velocity")
		}
		h.stream.AddReadData([]byte(fmt.Sprintf("%.4f,%.4f,0,1.1,0,0,1.1,0\n", ts, head)))
		ts += 0.1
		if head > 1.30 {
			head -= 0.02
		}
		time.Sleep(5 * time.Millisecond)
	}
	// wait for the fed frames to drain so both reads see the same state
	stable := h.trainer.State()
	for {
		time.Sleep(20 * time.Millisecond)
		next := h.trainer.State()
		if next == stable {
			break
		}
		stable = next
		if time.Now().After(deadline) {
			t.Fatal("pipeline state never settled")
		}
	}

	type stateJSON struct {
		StandingHeight float64 `json:"standing_height"`
		CurrentDepth   float64 `json:"current_depth"`
		Velocity       float64 `json:"velocity"`
		Units          string  `json:"units"`
	}
	fetch := func(mux *http.ServeMux) stateJSON {
		t.Helper()
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var s stateJSON
		if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
			t.Fatalf("failed to decode state: %v", err)
		}
		return s
	}

	mState := fetch(h.mux)
	cmState := fetch(cmMux)

	if mState.Units != units.Meters || cmState.Units != units.Centimeters {
		t.Fatalf("expected m and cm responses, got %q and %q", mState.Units, cmState.Units)
	}
	if mState.Velocity == 0 {
		t.Fatal("expected nonzero velocity in meters response")
	}
	// Every length-scale field converts together, sign preserved; a cm
	// response must not serve raw m/s velocities.
	if math.Abs(cmState.Velocity-100*mState.Velocity) > 0.001 {
		t.Errorf("expected velocity %v cm/s, got %v", 100*mState.Velocity, cmState.Velocity)
	}
	if math.Abs(cmState.CurrentDepth-100*mState.CurrentDepth) > 0.001 {
		t.Errorf("expected depth %v cm, got %v", 100*mState.CurrentDepth, cmState.CurrentDepth)
	}
	if cmState.StandingHeight != 170 {
		t.Errorf("expected standing height 170cm, got %v", cmState.StandingHeight)
	}
}

func TestCalibrateEndpoint(t *testing.T) {
	h := newTestHarness(t)

	rec := h.postForm(t, "/api/calibrate", url.Values{"height": {"1.75"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["standing_height"] != 1.75 {
		t.Errorf("expected standing height 1.75, got %v", resp["standing_height"])
	}

	// Implausible heights surface the calibration error as a 400.
	rec = h.postForm(t, "/api/calibrate", url.Values{"height": {"0.2"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for implausible height, got %d", rec.Code)
	}

	rec = h.postForm(t, "/api/calibrate", url.Values{"height": {"not-a-number"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed height, got %d", rec.Code)
	}

	// No height and no stream frames yet.
	rec = h.postForm(t, "/api/calibrate", url.Values{})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 calibrating from empty stream, got %d", rec.Code)
	}

	if rec := h.get(t, "/api/calibrate"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	h := newTestHarness(t)

	rec := h.postForm(t, "/api/sessions", url.Values{"notes": {"week 3"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var session db.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected session ID")
	}
	if session.Notes == nil || *session.Notes != "week 3" {
		t.Errorf("expected notes to round trip, got %v", session.Notes)
	}

	rec = h.get(t, "/api/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sessions []db.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("failed to decode sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(sessions))
	}

	rec = h.postForm(t, "/api/sessions/end", url.Values{})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 ending session, got %d: %s", rec.Code, rec.Body.String())
	}

	// No session in progress now.
	rec = h.postForm(t, "/api/sessions/end", url.Values{})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 with no session in progress, got %d", rec.Code)
	}
}

func TestSessionStatsValidation(t *testing.T) {
	h := newTestHarness(t)

	if rec := h.get(t, "/api/session_stats?days=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for days=0, got %d", rec.Code)
	}
	if rec := h.get(t, "/api/session_stats?days=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for days=abc, got %d", rec.Code)
	}
	if rec := h.get(t, "/api/session_stats"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for default days, got %d", rec.Code)
	}
}

func TestListRepsRequiresSessionID(t *testing.T) {
	h := newTestHarness(t)

	if rec := h.get(t, "/api/reps"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without session_id, got %d", rec.Code)
	}
	if rec := h.get(t, "/api/reps?session_id=nope"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for unknown session, got %d", rec.Code)
	}
}

func TestRepWorkerEndpoint(t *testing.T) {
	h := newTestHarness(t)

	rec := h.get(t, "/api/rep_worker")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status db.RepWorkerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if !status.Enabled {
		t.Error("expected worker enabled by default")
	}

	rec = h.postForm(t, "/api/rep_worker", url.Values{"action": {"disable"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.Enabled {
		t.Error("expected worker disabled")
	}

	if rec := h.postForm(t, "/api/rep_worker", url.Values{"action": {"bogus"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown action, got %d", rec.Code)
	}
}

func TestPowerEndpoint(t *testing.T) {
	h := newTestHarness(t)

	h.power.HandleEvent(posture.Event{Type: posture.PerfectSquatDetected, Timestamp: 1})

	rec := h.get(t, "/api/power")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var state scoring.PowerState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("failed to decode power state: %v", err)
	}
	if state.Charge <= 0 {
		t.Errorf("expected positive charge, got %v", state.Charge)
	}

	if rec := h.postForm(t, "/api/power", url.Values{"spend": {"-1"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid spend, got %d", rec.Code)
	}
	if rec := h.postForm(t, "/api/power", url.Values{"spend": {"1000"}}); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient charge, got %d", rec.Code)
	}
	if rec := h.postForm(t, "/api/power", url.Values{"spend": {"10"}}); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for valid spend, got %d", rec.Code)
	}
}

func TestCommandHandler(t *testing.T) {
	h := newTestHarness(t)

	rec := h.postForm(t, "/api/command", url.Values{"command": {"R=90"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := string(h.stream.GetWrittenData()); got != "R=90\n" {
		t.Errorf("expected command written to stream, got %q", got)
	}

	if rec := h.get(t, "/api/command"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestShowConfigIncludesClassifier(t *testing.T) {
	h := newTestHarness(t)

	rec := h.get(t, "/api/config")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var config struct {
		Units      string         `json:"units"`
		Classifier posture.Config `json:"classifier"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &config); err != nil {
		t.Fatalf("failed to decode config: %v", err)
	}
	if config.Units != units.Meters {
		t.Errorf("expected units m, got %q", config.Units)
	}
	if config.Classifier.SquatThreshold != 0.3 {
		t.Errorf("expected default squat threshold 0.3, got %v", config.Classifier.SquatThreshold)
	}
}
