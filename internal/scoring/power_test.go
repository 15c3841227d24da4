package scoring

import (
	"testing"
	"time"

	"github.com/rehab-data/posture.report/internal/posture"
	"github.com/rehab-data/posture.report/internal/timeutil"
)

// newTestMeter pins the meter to a mock clock so decay only happens when a
// test advances time explicitly.
func newTestMeter() (*PowerMeter, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	p := NewPowerMeter()
	p.clock = clock
	p.lastDrainAt = clock.Now()
	return p, clock
}

func perfectAt(ts float64) posture.Event {
	return posture.Event{Type: posture.PerfectSquatDetected, Timestamp: ts, Value: 0.9}
}

func TestPowerMeterChargesOnPerfectSquat(t *testing.T) {
	p, _ := newTestMeter()
	p.HandleEvent(perfectAt(1))

	state := p.Snapshot()
	if state.Charge != perfectCharge {
		t.Errorf("expected charge %v, got %v", perfectCharge, state.Charge)
	}
	if state.Combo != 1 {
		t.Errorf("expected combo 1, got %d", state.Combo)
	}
}

func TestPowerMeterComboWindow(t *testing.T) {
	p, _ := newTestMeter()
	p.HandleEvent(perfectAt(1))
	p.HandleEvent(perfectAt(5)) // within window, combo 2

	state := p.Snapshot()
	if state.Combo != 2 {
		t.Errorf("expected combo 2, got %d", state.Combo)
	}
	if want := perfectCharge*2 + comboBonus; state.Charge != want {
		t.Errorf("expected charge %v, got %v", want, state.Charge)
	}

	// A perfect squat past the window resets the combo.
	p.HandleEvent(perfectAt(100))
	if got := p.Snapshot().Combo; got != 1 {
		t.Errorf("expected combo reset to 1, got %d", got)
	}
}

func TestPowerMeterCapsAtFull(t *testing.T) {
	p, _ := newTestMeter()
	for i := 0; i < 10; i++ {
		p.HandleEvent(perfectAt(float64(i)))
	}

	state := p.Snapshot()
	if state.Charge != maxCharge {
		t.Errorf("expected charge capped at %v, got %v", maxCharge, state.Charge)
	}
	if !state.Full {
		t.Error("expected meter to report full")
	}
}

func TestPowerMeterDodgeCharge(t *testing.T) {
	p, _ := newTestMeter()
	p.HandleEvent(posture.Event{Type: posture.DodgeEnded, Timestamp: 1})

	if got := p.Snapshot().Charge; got != dodgeCharge {
		t.Errorf("expected charge %v, got %v", dodgeCharge, got)
	}
	// Dodges never start a combo.
	if got := p.Snapshot().Combo; got != 0 {
		t.Errorf("expected combo 0, got %d", got)
	}
}

func TestPowerMeterDecaysOverTime(t *testing.T) {
	p, clock := newTestMeter()
	p.HandleEvent(perfectAt(1))

	clock.Advance(4 * time.Second)
	want := perfectCharge - 4*decayPerSecond
	if got := p.Snapshot().Charge; got != want {
		t.Errorf("expected charge %v after 4s decay, got %v", want, got)
	}

	// Decay floors at zero, never goes negative.
	clock.Advance(1 * time.Hour)
	state := p.Snapshot()
	if state.Charge != 0 {
		t.Errorf("expected charge drained to 0, got %v", state.Charge)
	}
	if state.Full {
		t.Error("drained meter must not report full")
	}

	// Decay applies before a spend check: charge earned then left to rot
	// cannot be spent at its original value. The timestamp is far outside
	// the combo window so no combo bonus lands on top.
	p.HandleEvent(perfectAt(500))
	clock.Advance(10 * time.Second)
	if p.Spend(perfectCharge) {
		t.Error("expected spend of undecayed amount to fail")
	}
	if !p.Spend(perfectCharge - 10*decayPerSecond) {
		t.Error("expected spend of decayed amount to succeed")
	}
}

func TestPowerMeterSpend(t *testing.T) {
	p, _ := newTestMeter()
	p.HandleEvent(perfectAt(1))

	if p.Spend(50) {
		t.Error("expected spend to fail with insufficient charge")
	}
	if !p.Spend(20) {
		t.Error("expected spend to succeed")
	}

	state := p.Snapshot()
	if state.Charge != perfectCharge-20 {
		t.Errorf("expected charge %v, got %v", perfectCharge-20, state.Charge)
	}
	if state.Combo != 0 {
		t.Errorf("expected combo reset after spend, got %d", state.Combo)
	}

	p.Reset()
	if got := p.Snapshot(); got.Charge != 0 || got.Combo != 0 {
		t.Errorf("expected zeroed meter after reset, got %+v", got)
	}
}
