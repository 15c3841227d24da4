package db

import (
	"context"
	"testing"
	"time"

	"github.com/rehab-data/posture.report/internal/timeutil"
)

func TestRepControllerEnableDisable(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	w := NewRepWorker(db, 2, 0.3, "rep-v1")
	rc := NewRepController(w)

	if !rc.IsEnabled() {
		t.Error("expected controller enabled by default")
	}

	rc.SetEnabled(false)
	if rc.IsEnabled() {
		t.Error("expected controller disabled")
	}
}

func TestRepControllerTriggerCoalesces(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	w := NewRepWorker(db, 2, 0.3, "rep-v1")
	rc := NewRepController(w)

	// Multiple triggers before the loop drains them must not block.
	rc.TriggerManualRun()
	rc.TriggerManualRun()
	rc.TriggerFullHistoryRun()
	rc.TriggerFullHistoryRun()

	if len(rc.manualTrigger) != 1 {
		t.Errorf("expected 1 pending manual trigger, got %d", len(rc.manualTrigger))
	}
	if len(rc.fullHistory) != 1 {
		t.Errorf("expected 1 pending full-history trigger, got %d", len(rc.fullHistory))
	}
}

func TestRepControllerRunRecordsStatus(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	w := NewRepWorker(db, 2, 0.3, "rep-v1")
	w.Interval = 10 * time.Millisecond
	rc := NewRepController(w)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- rc.Run(ctx)
	}()

	// Wait for at least the initial run to complete.
	deadline := time.After(time.Second)
	for rc.GetStatus().RunCount == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for initial run")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for controller to stop")
	}

	status := rc.GetStatus()
	if status.RunCount < 1 {
		t.Errorf("expected at least one run, got %d", status.RunCount)
	}
	if status.LastRun == nil {
		t.Error("expected last run info to be recorded")
	}
	if !status.IsHealthy {
		t.Errorf("expected healthy status, got %+v", status)
	}
}

func TestRepControllerStaleRunUnhealthy(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	w := NewRepWorker(db, 2, 0.3, "rep-v1")
	rc := NewRepController(w)

	clock := timeutil.NewMockClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	rc.clock = clock

	rc.startRun("initial")
	rc.finishRun(nil)
	if !rc.GetStatus().IsHealthy {
		t.Fatal("expected healthy status right after a run")
	}

	// Once the last run is older than twice the interval the status
	// flips unhealthy.
	clock.Advance(3 * w.Interval)
	if rc.GetStatus().IsHealthy {
		t.Error("expected unhealthy status after stale run")
	}
}

func TestRepControllerPeriodicTick(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	w := NewRepWorker(db, 2, 0.3, "rep-v1")
	rc := NewRepController(w)

	clock := timeutil.NewMockClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	rc.clock = clock

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- rc.Run(ctx)
	}()

	// Wait for the initial run, then drive a periodic run by advancing
	// the mock clock past the interval.
	deadline := time.After(time.Second)
	for rc.GetStatus().RunCount == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for initial run")
		case <-time.After(time.Millisecond):
		}
	}

	clock.Advance(w.Interval + time.Second)

	deadline = time.After(time.Second)
	for rc.GetStatus().RunCount < 2 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for periodic run")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for controller to stop")
	}

	if trigger := rc.GetStatus().LastRun.Trigger; trigger != "periodic" {
		t.Errorf("expected periodic trigger, got %q", trigger)
	}
}
