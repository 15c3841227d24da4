// Package scoring accumulates gameplay reward state from classifier events.
package scoring

import (
	"sync"
	"time"

	"github.com/rehab-data/posture.report/internal/posture"
	"github.com/rehab-data/posture.report/internal/timeutil"
)

const (
	maxCharge     = 100.0
	dodgeCharge   = 5.0
	perfectCharge = 25.0
	comboBonus    = 5.0
	// comboWindowSeconds is how soon the next perfect squat must land to
	// extend the combo.
	comboWindowSeconds = 10.0
	// decayPerSecond drains the meter while the player rests, so charge has
	// to be earned and used rather than banked across the whole session.
	decayPerSecond = 1.5
)

// PowerMeter charges up as the player lands clean reps. A perfect squat adds
// a large charge and extends the combo; finishing a dodge adds a small one.
// Charge drains linearly over time. It implements posture.EventSink and is
// safe for concurrent use.
type PowerMeter struct {
	mu            sync.Mutex
	clock         timeutil.Clock
	charge        float64
	combo         int
	lastPerfectAt float64
	lastDrainAt   time.Time
}

// PowerState is a snapshot of the meter for the API.
type PowerState struct {
	Charge float64 `json:"charge"`
	Combo  int     `json:"combo"`
	Full   bool    `json:"full"`
}

func NewPowerMeter() *PowerMeter {
	clock := timeutil.RealClock{}
	return &PowerMeter{
		clock:       clock,
		lastDrainAt: clock.Now(),
	}
}

// drainLocked applies the linear decay accrued since the last accounting.
// Every public entry point calls it first, so callers always observe the
// decayed charge.
func (p *PowerMeter) drainLocked() {
	now := p.clock.Now()
	elapsed := now.Sub(p.lastDrainAt).Seconds()
	p.lastDrainAt = now
	if elapsed <= 0 {
		return
	}
	p.charge -= decayPerSecond * elapsed
	if p.charge < 0 {
		p.charge = 0
	}
}

// HandleEvent updates the meter from a classifier event.
func (p *PowerMeter) HandleEvent(e posture.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainLocked()

	switch e.Type {
	case posture.PerfectSquatDetected:
		if p.combo > 0 && e.Timestamp-p.lastPerfectAt <= comboWindowSeconds {
			p.combo++
		} else {
			p.combo = 1
		}
		p.lastPerfectAt = e.Timestamp
		p.charge += perfectCharge + comboBonus*float64(p.combo-1)

	case posture.DodgeEnded:
		p.charge += dodgeCharge
	}

	if p.charge > maxCharge {
		p.charge = maxCharge
	}
}

// Snapshot returns the current meter state.
func (p *PowerMeter) Snapshot() PowerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainLocked()
	return PowerState{
		Charge: p.charge,
		Combo:  p.combo,
		Full:   p.charge >= maxCharge,
	}
}

// Spend drains the given charge if available, reporting whether it was
// spent. Spending resets the combo.
func (p *PowerMeter) Spend(amount float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainLocked()

	if amount <= 0 || p.charge < amount {
		return false
	}
	p.charge -= amount
	p.combo = 0
	return true
}

// Reset clears all accumulated state.
func (p *PowerMeter) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charge = 0
	p.combo = 0
	p.lastPerfectAt = 0
	p.lastDrainAt = p.clock.Now()
}
