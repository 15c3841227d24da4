package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/rehab-data/posture.report/internal/db"
	"github.com/rehab-data/posture.report/internal/posemux"
	"github.com/rehab-data/posture.report/internal/posture"
	"github.com/rehab-data/posture.report/internal/scoring"
	"github.com/rehab-data/posture.report/internal/trainer"
	"github.com/rehab-data/posture.report/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	m       posemux.PoseMuxInterface
	db      *db.DB
	trainer *trainer.Trainer
	reps    *db.RepController
	power   *scoring.PowerMeter
	units   string
}

func NewServer(m posemux.PoseMuxInterface, database *db.DB, tr *trainer.Trainer, reps *db.RepController, power *scoring.PowerMeter, depthUnits string) *Server {
	return &Server{
		m:       m,
		db:      database,
		trainer: tr,
		reps:    reps,
		power:   power,
		units:   depthUnits,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", s.listPoseObservations)
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/calibrate", s.calibrate)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/end", s.endSession)
	mux.HandleFunc("/api/session_stats", s.showSessionStats)
	mux.HandleFunc("/api/reps", s.listReps)
	mux.HandleFunc("/api/rep_worker", s.handleRepWorker)
	mux.HandleFunc("/api/power", s.handlePower)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/live", s.streamEvents)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	command := r.FormValue("command")

	if err := s.m.SendCommand(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

// stateResponse is the classifier state with depth fields converted to the
// server's display units.
type stateResponse struct {
	posture.State
	Units string `json:"units"`
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	state := s.trainer.State()
	state.CurrentDepth = units.ConvertDepth(state.CurrentDepth, s.units)
	state.StandingHeight = units.ConvertDepth(state.StandingHeight, s.units)
	state.Velocity = units.ConvertVelocity(state.Velocity, s.units)
	state.ControllerSpeed = units.ConvertVelocity(state.ControllerSpeed, s.units)

	if err := json.NewEncoder(w).Encode(stateResponse{State: state, Units: s.units}); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write state")
		return
	}
}

func (s *Server) calibrate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var height float64
	var err error

	if h := r.FormValue("height"); h != "" {
		height, err = strconv.ParseFloat(h, 64)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'height' parameter")
			return
		}
		err = s.trainer.Calibrate(height)
	} else {
		// no explicit height: calibrate from the live stream
		height, err = s.trainer.CalibrateFromStream()
	}

	if err != nil {
		var calErr *posture.CalibrationError
		if errors.As(err, &calErr) {
			s.writeJSONError(w, http.StatusBadRequest, calErr.Error())
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Calibration failed: %v", err))
		return
	}

	json.NewEncoder(w).Encode(map[string]float64{"standing_height": height})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		limit := 100
		if l := r.URL.Query().Get("limit"); l != "" {
			parsed, err := strconv.Atoi(l)
			if err != nil || parsed < 1 {
				s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
				return
			}
			limit = parsed
		}
		sessions, err := s.db.ListSessions(limit)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list sessions: %v", err))
			return
		}
		json.NewEncoder(w).Encode(sessions)

	case http.MethodPost:
		session, err := s.trainer.StartSession(r.FormValue("notes"))
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start session: %v", err))
			return
		}
		json.NewEncoder(w).Encode(session)

	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	session, err := s.trainer.EndSession()
	if errors.Is(err, db.ErrSessionNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "No session in progress")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to end session: %v", err))
		return
	}
	json.NewEncoder(w).Encode(session)
}

func (s *Server) showSessionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	days := 1 // default value
	if d := r.URL.Query().Get("days"); d != "" {
		parsedDays, err := strconv.Atoi(d)
		if err != nil || parsedDays < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'days' parameter")
			return
		}
		days = parsedDays
	}

	stats, err := s.db.SessionStatsRollup(days)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve session stats: %v", err))
		return
	}

	// Apply unit conversion to all depth values
	for i := range stats {
		stats[i].MaxDepth = units.ConvertDepth(stats[i].MaxDepth, s.units)
	}

	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write session stats")
		return
	}
}

func (s *Server) listReps(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'session_id' parameter")
		return
	}

	reps, err := s.db.SessionReps(sessionID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve reps: %v", err))
		return
	}

	for i := range reps {
		reps[i].MaxDepth = units.ConvertDepth(reps[i].MaxDepth, s.units)
	}

	json.NewEncoder(w).Encode(reps)
}

func (s *Server) handleRepWorker(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.reps == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Rep worker not running")
		return
	}

	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(s.reps.GetStatus())

	case http.MethodPost:
		switch action := r.FormValue("action"); action {
		case "enable":
			s.reps.SetEnabled(true)
		case "disable":
			s.reps.SetEnabled(false)
		case "run":
			s.reps.TriggerManualRun()
		case "full_history":
			s.reps.TriggerFullHistoryRun()
		default:
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Unknown action %q", action))
			return
		}
		json.NewEncoder(w).Encode(s.reps.GetStatus())

	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.power == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Power meter not enabled")
		return
	}

	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(s.power.Snapshot())

	case http.MethodPost:
		amount, err := strconv.ParseFloat(r.FormValue("spend"), 64)
		if err != nil || amount <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'spend' parameter")
			return
		}
		if !s.power.Spend(amount) {
			s.writeJSONError(w, http.StatusConflict, "Insufficient charge")
			return
		}
		json.NewEncoder(w).Encode(s.power.Snapshot())

	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	config := map[string]interface{}{
		"units":      s.units,
		"classifier": s.trainer.Config(),
	}

	if err := json.NewEncoder(w).Encode(config); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
		return
	}
}

func (s *Server) listPoseObservations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	observations, err := s.db.RecentPoseObservations(500)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve observations: %v", err))
		return
	}

	for i := range observations {
		observations[i].Depth = units.ConvertDepth(observations[i].Depth, s.units)
		observations[i].HeadHeight = units.ConvertDepth(observations[i].HeadHeight, s.units)
	}

	if err := json.NewEncoder(w).Encode(observations); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write observations")
		return
	}
}

// streamEvents issues Server-Sent Events (SSE) for classifier events. Events
// are dropped rather than buffered unboundedly if the client cannot keep up.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	events := make(chan posture.Event, 64)
	id := s.trainer.Sinks().Attach(posture.SinkFunc(func(e posture.Event) {
		select {
		case events <- e:
		default:
			// slow client; drop rather than block the tick loop
		}
	}))
	defer s.trainer.Sinks().Detach(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case e := <-events:
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
