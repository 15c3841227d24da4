package db

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rehab-data/posture.report/internal/timeutil"
)

// RepController manages the state and execution of the rep worker. It
// provides thread-safe control over whether the rep worker runs, and supports
// manual triggering from the UI.
type RepController struct {
	worker        *RepWorker
	clock         timeutil.Clock
	enabled       bool
	mu            sync.RWMutex
	manualTrigger chan struct{}
	fullHistory   chan struct{}

	// Status tracking
	lastRunAt    time.Time
	lastRunError error
	runCount     int64
	currentRun   *RepRunInfo
	lastRun      *RepRunInfo
}

// RepRunInfo captures details about a single rep worker run.
type RepRunInfo struct {
	Trigger    string    `json:"trigger,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RepWorkerStatus represents the current state of the rep worker.
type RepWorkerStatus struct {
	Enabled      bool        `json:"enabled"`
	LastRunAt    time.Time   `json:"last_run_at"`
	LastRunError string      `json:"last_run_error,omitempty"`
	RunCount     int64       `json:"run_count"`
	IsHealthy    bool        `json:"is_healthy"`
	CurrentRun   *RepRunInfo `json:"current_run,omitempty"`
	LastRun      *RepRunInfo `json:"last_run,omitempty"`
}

// NewRepController creates a new controller for the rep worker.
func NewRepController(worker *RepWorker) *RepController {
	return &RepController{
		worker:  worker,
		clock:   timeutil.RealClock{},
		enabled: true, // Default to enabled on boot
		// Buffered channel of size 1 to coalesce multiple rapid trigger requests.
		// If a trigger is already pending, subsequent triggers are skipped.
		manualTrigger: make(chan struct{}, 1),
		fullHistory:   make(chan struct{}, 1),
	}
}

// IsEnabled returns whether the rep worker is currently enabled.
func (rc *RepController) IsEnabled() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.enabled
}

// SetEnabled sets whether the rep worker should run.
// If enabling, it also triggers an immediate run.
func (rc *RepController) SetEnabled(enabled bool) {
	rc.mu.Lock()
	rc.enabled = enabled
	rc.mu.Unlock()

	if enabled {
		rc.TriggerManualRun()
	}
}

// TriggerManualRun triggers a manual run of the rep worker.
// This is non-blocking and safe to call multiple times.
func (rc *RepController) TriggerManualRun() {
	select {
	case rc.manualTrigger <- struct{}{}:
		// Trigger sent
	default:
		// Channel already has a pending trigger, skip
		log.Printf("Rep worker manual trigger skipped (already pending)")
	}
}

// TriggerFullHistoryRun triggers a full-history run of the rep worker.
// This is non-blocking and safe to call multiple times.
func (rc *RepController) TriggerFullHistoryRun() {
	select {
	case rc.fullHistory <- struct{}{}:
		// Trigger sent
	default:
		// Channel already has a pending trigger, skip
		log.Printf("Rep worker full-history trigger skipped (already pending)")
	}
}

// GetStatus returns the current status of the rep worker.
func (rc *RepController) GetStatus() RepWorkerStatus {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	status := RepWorkerStatus{
		Enabled:   rc.enabled,
		LastRunAt: rc.lastRunAt,
		RunCount:  rc.runCount,
		IsHealthy: true,
	}

	if rc.lastRunError != nil {
		status.LastRunError = rc.lastRunError.Error()
		status.IsHealthy = false
	}
	if rc.currentRun != nil {
		runCopy := *rc.currentRun
		status.CurrentRun = &runCopy
	}
	if rc.lastRun != nil {
		runCopy := *rc.lastRun
		status.LastRun = &runCopy
	}

	// Consider unhealthy if enabled but hasn't run in 2x the interval
	if rc.enabled && !rc.lastRunAt.IsZero() {
		expectedInterval := rc.worker.Interval * 2
		if rc.clock.Since(rc.lastRunAt) > expectedInterval {
			status.IsHealthy = false
		}
	}

	return status
}

func (rc *RepController) startRun(trigger string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.currentRun = &RepRunInfo{
		Trigger:   trigger,
		StartedAt: rc.clock.Now(),
	}
}

func (rc *RepController) finishRun(err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	now := rc.clock.Now()
	if rc.currentRun == nil {
		rc.currentRun = &RepRunInfo{
			Trigger:   "unknown",
			StartedAt: now,
		}
	}
	rc.currentRun.FinishedAt = now
	rc.currentRun.DurationMs = now.Sub(rc.currentRun.StartedAt).Milliseconds()
	if err != nil {
		rc.currentRun.Error = err.Error()
	}

	rc.lastRun = rc.currentRun
	rc.currentRun = nil

	rc.lastRunAt = now
	rc.lastRunError = err
	rc.runCount++
}

// Run starts the rep worker loop. This should be called in a goroutine.
// It will run periodically based on the worker's Interval, but only when
// enabled. It also responds to manual triggers from the UI.
func (rc *RepController) Run(ctx context.Context) error {
	ticker := rc.clock.NewTicker(rc.worker.Interval)
	defer ticker.Stop()
	log.Printf("Rep worker loop started: enabled=%t interval=%s window=%s", rc.IsEnabled(), rc.worker.Interval, rc.worker.Window)

	// Run once immediately on startup if enabled
	if rc.IsEnabled() {
		rc.startRun("initial")
		err := rc.worker.RunOnce(ctx)
		rc.finishRun(err)
		if err != nil {
			log.Printf("Rep worker initial run error: %v", err)
		} else {
			log.Printf("Rep worker completed initial run")
		}
	}

	for {
		select {
		case <-ticker.C():
			if rc.IsEnabled() {
				rc.startRun("periodic")
				err := rc.worker.RunOnce(ctx)
				rc.finishRun(err)
				if err != nil {
					log.Printf("Rep worker periodic run error: %v", err)
				} else {
					log.Printf("Rep worker completed periodic run")
				}
			} else {
				log.Printf("Rep worker skipped (disabled): last_run_at=%v run_count=%d", rc.lastRunAt, rc.runCount)
			}
		case <-rc.manualTrigger:
			if rc.IsEnabled() {
				log.Printf("Rep worker manual run triggered")
				rc.startRun("manual")
				err := rc.worker.RunOnce(ctx)
				rc.finishRun(err)
				if err != nil {
					log.Printf("Rep worker manual run error: %v", err)
				} else {
					log.Printf("Rep worker completed manual run")
				}
			} else {
				log.Printf("Rep worker manual run skipped (disabled)")
			}
		case <-rc.fullHistory:
			if rc.IsEnabled() {
				log.Printf("Rep worker full-history run triggered")
				rc.startRun("full-history")
				err := rc.worker.RunFullHistory(ctx)
				rc.finishRun(err)
				if err != nil {
					log.Printf("Rep worker full-history run error: %v", err)
				} else {
					log.Printf("Rep worker completed full-history run")
				}
			} else {
				log.Printf("Rep worker full-history run skipped (disabled)")
			}
		case <-ctx.Done():
			log.Printf("Rep worker terminated")
			return ctx.Err()
		}
	}
}
