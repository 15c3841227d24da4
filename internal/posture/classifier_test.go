package posture

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const dt = 0.1 // 10Hz test tick

// collector records every event delivered by the classifier.
type collector struct {
	events []Event
}

func (c *collector) HandleEvent(e Event) { c.events = append(c.events, e) }

func (c *collector) count(t EventType) int {
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestClassifier(t *testing.T) (*Classifier, *collector) {
	t.Helper()
	c, err := NewClassifier(Config{})
	if err != nil {
		t.Fatalf("NewClassifier failed: %v", err)
	}
	if err := c.CalibrateStandingHeight(1.70); err != nil {
		t.Fatalf("CalibrateStandingHeight failed: %v", err)
	}
	col := &collector{}
	c.SetSink(col)
	return c, col
}

func sampleAt(ts, head float64) PoseSample {
	return PoseSample{Timestamp: ts, HeadHeight: head}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"explicit valid", DefaultConfig(), false},
		{"negative dodge duration", Config{DodgeDuration: -0.5}, true},
		{"negative threshold", Config{SquatThreshold: -0.3}, true},
		{"smoothing at 1", Config{SmoothingFactor: 1.0}, true},
		{"smoothing negative", Config{SmoothingFactor: -0.1}, true},
		{"perfect threshold above 1", Config{PerfectSquatThreshold: 1.5}, true},
		{"descent window inverted", Config{MinDescentTime: 2.0, MaxDescentTime: 0.4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClassifier(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClassifier(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			}
			if tt.wantErr {
				if _, ok := err.(*ConfigError); !ok {
					t.Errorf("expected *ConfigError, got %T", err)
				}
			}
		})
	}
}

func TestCalibrationRejectsImplausibleHeights(t *testing.T) {
	c, _ := newTestClassifier(t)

	for _, h := range []float64{0.1, 3.0, -1.0, math.NaN(), math.Inf(1)} {
		if err := c.CalibrateStandingHeight(h); err == nil {
			t.Errorf("CalibrateStandingHeight(%v) accepted, want rejection", h)
		}
	}

	// previously valid baseline is retained and still used
	st := c.Tick(sampleAt(0, 1.35), dt)
	if got, want := st.StandingHeight, 1.70; got != want {
		t.Errorf("StandingHeight = %v after rejected calibrations, want %v", got, want)
	}
	if st.CurrentDepth != 0.35 {
		t.Errorf("CurrentDepth = %v, want 0.35", st.CurrentDepth)
	}
}

func TestDodgeTriggersOnThresholdCrossing(t *testing.T) {
	c, col := newTestClassifier(t)

	// depth 0.35 >= default threshold 0.3 on the first tick
	st := c.Tick(sampleAt(0, 1.35), dt)
	if !st.IsDodging {
		t.Fatalf("expected IsDodging after crossing, state: %+v", st)
	}
	if st.Phase != PhaseDodging {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseDodging)
	}
	if got := col.count(DodgeStarted); got != 1 {
		t.Errorf("DodgeStarted fired %d times, want 1", got)
	}
}

func TestDodgeRunsFullDurationThenCooldown(t *testing.T) {
	c, col := newTestClassifier(t)

	ts := 0.0
	c.Tick(sampleAt(ts, 1.35), dt) // triggers dodge

	// dodge runs its full 0.5s regardless of further depth changes,
	// including standing back up mid-dodge
	var st State
	for i := 0; i < 5; i++ {
		ts += dt
		st = c.Tick(sampleAt(ts, 1.70), dt)
	}
	if st.IsDodging {
		t.Fatalf("still dodging after %vs, want cooldown", 5*dt)
	}
	if !st.IsOnCooldown {
		t.Fatalf("expected cooldown after dodge, state: %+v", st)
	}
	if got := col.count(DodgeEnded); got != 1 {
		t.Errorf("DodgeEnded fired %d times, want 1", got)
	}
	if got := col.count(CooldownStarted); got != 1 {
		t.Errorf("CooldownStarted fired %d times, want 1", got)
	}

	// cooldown expires after 0.2s
	for i := 0; i < 2; i++ {
		ts += dt
		st = c.Tick(sampleAt(ts, 1.70), dt)
	}
	if st.IsOnCooldown {
		t.Fatalf("still on cooldown after %vs", 2*dt)
	}
	if st.Phase != PhaseIdle {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseIdle)
	}
	if got := col.count(CooldownEnded); got != 1 {
		t.Errorf("CooldownEnded fired %d times, want 1", got)
	}
}

func TestNoRetriggerDuringCooldown(t *testing.T) {
	c, col := newTestClassifier(t)

	ts := 0.0
	c.Tick(sampleAt(ts, 1.35), dt) // dodge
	for i := 0; i < 5; i++ {       // run out the dodge, standing
		ts += dt
		c.Tick(sampleAt(ts, 1.70), dt)
	}

	// depth crossing attempted during the cooldown window
	ts += dt
	st := c.Tick(sampleAt(ts, 1.30), dt)
	if st.IsDodging {
		t.Fatal("dodge re-triggered during cooldown")
	}
	if got := col.count(DodgeStarted); got != 1 {
		t.Fatalf("DodgeStarted fired %d times, want 1", got)
	}

	// run out the cooldown while still deep; the ignored crossing must not
	// be deferred and fired after cooldown
	for i := 0; i < 3; i++ {
		ts += dt
		st = c.Tick(sampleAt(ts, 1.30), dt)
	}
	if st.IsDodging {
		t.Fatal("held depth re-armed the dodge without a fresh crossing")
	}

	// a fresh crossing after returning above threshold re-arms
	ts += dt
	c.Tick(sampleAt(ts, 1.70), dt)
	ts += dt
	st = c.Tick(sampleAt(ts, 1.30), dt)
	if !st.IsDodging {
		t.Fatal("fresh crossing after cooldown did not trigger a dodge")
	}
	if got := col.count(DodgeStarted); got != 2 {
		t.Errorf("DodgeStarted fired %d times, want 2", got)
	}
}

func TestDodgeStartedIsEdgeTriggered(t *testing.T) {
	c, col := newTestClassifier(t)

	ts := 0.0
	for i := 0; i < 20; i++ {
		c.Tick(sampleAt(ts, 1.35), dt)
		ts += dt
	}
	// one contiguous run of Dodging ticks produces exactly one DodgeStarted
	if got := col.count(DodgeStarted); got != 1 {
		t.Errorf("DodgeStarted fired %d times over a contiguous run, want 1", got)
	}
}

func TestZeroDeltaTimeIsNoOp(t *testing.T) {
	c, col := newTestClassifier(t)

	c.Tick(sampleAt(0, 1.35), dt)
	before := c.State()
	eventsBefore := len(col.events)

	for _, bad := range []float64{0, -0.1} {
		after := c.Tick(sampleAt(1, 1.70), bad)
		if diff := cmp.Diff(before, after); diff != "" {
			t.Errorf("Tick with dt=%v mutated state (-before +after):\n%s", bad, diff)
		}
	}
	if len(col.events) != eventsBefore {
		t.Errorf("Tick with non-positive dt emitted %d events", len(col.events)-eventsBefore)
	}
}

func TestMalformedSampleHoldsState(t *testing.T) {
	c, _ := newTestClassifier(t)

	c.Tick(sampleAt(0, 1.50), dt)
	before := c.State()

	bad := []PoseSample{
		sampleAt(0.1, math.NaN()),
		sampleAt(0.2, math.Inf(1)),
		{Timestamp: 0.3, HeadHeight: 1.5, LeftController: Vec3{X: math.NaN()}},
	}
	for _, s := range bad {
		after := c.Tick(s, dt)
		if diff := cmp.Diff(before, after); diff != "" {
			t.Errorf("malformed sample %+v mutated state (-before +after):\n%s", s, diff)
		}
		if _, ok := c.LastError().(*InputError); !ok {
			t.Errorf("LastError() = %v, want *InputError", c.LastError())
		}
	}

	// classifier is self-healing once valid input resumes
	st := c.Tick(sampleAt(0.4, 1.45), dt)
	if c.LastError() != nil {
		t.Errorf("LastError() = %v after valid tick, want nil", c.LastError())
	}
	if st.CurrentDepth != 0.25 {
		t.Errorf("CurrentDepth = %v after recovery, want 0.25", st.CurrentDepth)
	}
}

func TestDwellResetsOnBottomExit(t *testing.T) {
	c, _ := newTestClassifier(t)

	ts := 0.0
	c.Tick(sampleAt(ts, 1.35), dt) // enter bottom
	for i := 0; i < 3; i++ {
		ts += dt
		c.Tick(sampleAt(ts, 1.35), dt)
	}
	if got := c.State().DwellTime; got != 3*dt {
		t.Fatalf("DwellTime = %v after 3 dwell ticks, want %v", got, 3*dt)
	}

	ts += dt
	st := c.Tick(sampleAt(ts, 1.70), dt) // exit bottom
	if st.DwellTime != 0 {
		t.Fatalf("DwellTime = %v after exit, want exactly 0", st.DwellTime)
	}

	ts += dt
	st = c.Tick(sampleAt(ts, 1.35), dt) // re-enter
	if st.DwellTime != 0 {
		t.Errorf("DwellTime = %v on re-entry tick, want 0 (no carried accumulation)", st.DwellTime)
	}
}

func TestInvariantsHoldUnderNoisyInput(t *testing.T) {
	c, _ := newTestClassifier(t)

	// pseudo-random walk around the threshold, including glitches
	heads := []float64{1.70, 1.45, 1.33, 1.28, math.NaN(), 1.31, 1.55, 1.72, 1.25, 1.25,
		1.40, math.Inf(-1), 1.36, 1.20, 1.20, 1.68, 1.29, 1.71, 1.30, 1.30}
	ts := 0.0
	for _, h := range heads {
		st := c.Tick(sampleAt(ts, h), dt)
		ts += dt
		if st.CurrentDepth < 0 {
			t.Fatalf("CurrentDepth = %v, invariant depth >= 0 violated", st.CurrentDepth)
		}
		if st.IsDodging && st.IsOnCooldown {
			t.Fatal("IsDodging and IsOnCooldown both true")
		}
		if st.CurrentDepthNorm < 0 || st.CurrentDepthNorm > 1 {
			t.Fatalf("CurrentDepthNorm = %v, want [0,1]", st.CurrentDepthNorm)
		}
	}
}

func TestUncalibratedClassifierReportsZeroDepth(t *testing.T) {
	c, err := NewClassifier(Config{})
	if err != nil {
		t.Fatalf("NewClassifier failed: %v", err)
	}
	st := c.Tick(sampleAt(0, 1.10), dt)
	if st.CurrentDepth != 0 || st.IsDodging {
		t.Errorf("uncalibrated tick produced depth=%v dodging=%v, want inert state",
			st.CurrentDepth, st.IsDodging)
	}
}
