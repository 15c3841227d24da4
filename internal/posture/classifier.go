// Package posture classifies a stream of head/controller pose samples into
// squat and dodge states. It owns the calibrated standing-height baseline,
// smooths the noisy per-tick head velocity with an EWMA, scores squat form
// quality, and emits edge-triggered events on every state transition.
package posture

import (
	"math"
)

// Phase is the lifecycle state of the dodge machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"         // standing, depth below threshold
	PhaseBottomDwell Phase = "bottom_dwell" // depth at or beyond threshold
	PhaseDodging     Phase = "dodging"      // dodge in progress, runs full duration
	PhaseCooldown    Phase = "cooldown"     // refractory period, no re-trigger
)

// Internal thresholds — not user-tunable.
const (
	// minPlausibleHeight and maxPlausibleHeight bound calibration input.
	// Heights outside this range indicate a tracking glitch, not a person.
	minPlausibleHeight = 0.5
	maxPlausibleHeight = 2.5

	// descentStartDepth is the depth at which a descent is considered to
	// have begun, for tempo measurement.
	descentStartDepth = 0.05

	// depthChangeEpsilon is the minimum normalized-depth delta that fires
	// a SquatDepthChanged event.
	depthChangeEpsilon = 0.001
)

// Vec3 is a tracked position in meters.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PoseSample is one tick's snapshot of the tracked body proxies. Samples are
// immutable and not retained beyond the classifier's rolling state.
type PoseSample struct {
	Timestamp       float64 `json:"timestamp"`
	HeadHeight      float64 `json:"head_height"`
	LeftController  Vec3    `json:"left_controller"`
	RightController Vec3    `json:"right_controller"`
}

// Config holds the classifier tuning parameters. Zero values are replaced by
// defaults in NewClassifier; out-of-range values are a hard ConfigError.
type Config struct {
	SquatThreshold        float64 // depth in meters that arms the dodge (default 0.3)
	DodgeDuration         float64 // seconds a dodge runs, uninterruptible (default 0.5)
	CooldownDuration      float64 // refractory seconds after a dodge (default 0.2)
	MaxDepthReference     float64 // depth in meters mapped to norm 1.0 (default 0.6)
	SmoothingFactor       float64 // EWMA weight for velocity, in (0,1) (default 0.25)
	PerfectSquatThreshold float64 // composite score for a perfect squat (default 0.85)
	ValidFormThreshold    float64 // composite score gating IsValidSquatForm (default 0.6)

	// Tempo/stability curve parameters. The exact curve shapes are tunable,
	// not a fixed contract; only the 50/25/25 weighting is.
	MinDescentTime         float64 // fastest acceptable descent, seconds (default 0.4)
	MaxDescentTime         float64 // slowest acceptable descent, seconds (default 2.0)
	StabilityVelocityLimit float64 // |velocity| in m/s scoring zero stability (default 0.35)
}

// DefaultConfig returns the tuning used by the rehabilitation mini-games.
func DefaultConfig() Config {
	return Config{
		SquatThreshold:         0.3,
		DodgeDuration:          0.5,
		CooldownDuration:       0.2,
		MaxDepthReference:      0.6,
		SmoothingFactor:        0.25,
		PerfectSquatThreshold:  0.85,
		ValidFormThreshold:     0.6,
		MinDescentTime:         0.4,
		MaxDescentTime:         2.0,
		StabilityVelocityLimit: 0.35,
	}
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SquatThreshold == 0 {
		c.SquatThreshold = d.SquatThreshold
	}
	if c.DodgeDuration == 0 {
		c.DodgeDuration = d.DodgeDuration
	}
	if c.CooldownDuration == 0 {
		c.CooldownDuration = d.CooldownDuration
	}
	if c.MaxDepthReference == 0 {
		c.MaxDepthReference = d.MaxDepthReference
	}
	if c.SmoothingFactor == 0 {
		c.SmoothingFactor = d.SmoothingFactor
	}
	if c.PerfectSquatThreshold == 0 {
		c.PerfectSquatThreshold = d.PerfectSquatThreshold
	}
	if c.ValidFormThreshold == 0 {
		c.ValidFormThreshold = d.ValidFormThreshold
	}
	if c.MinDescentTime == 0 {
		c.MinDescentTime = d.MinDescentTime
	}
	if c.MaxDescentTime == 0 {
		c.MaxDescentTime = d.MaxDescentTime
	}
	if c.StabilityVelocityLimit == 0 {
		c.StabilityVelocityLimit = d.StabilityVelocityLimit
	}
	return c
}

// Validate checks the configuration for out-of-range values.
func (c Config) Validate() error {
	if c.SquatThreshold <= 0 {
		return &ConfigError{Param: "SquatThreshold", Reason: "must be positive"}
	}
	if c.DodgeDuration <= 0 {
		return &ConfigError{Param: "DodgeDuration", Reason: "must be positive"}
	}
	if c.CooldownDuration < 0 {
		return &ConfigError{Param: "CooldownDuration", Reason: "must be non-negative"}
	}
	if c.MaxDepthReference <= 0 {
		return &ConfigError{Param: "MaxDepthReference", Reason: "must be positive"}
	}
	if c.SmoothingFactor <= 0 || c.SmoothingFactor >= 1 {
		return &ConfigError{Param: "SmoothingFactor", Reason: "must be in (0,1)"}
	}
	if c.PerfectSquatThreshold <= 0 || c.PerfectSquatThreshold > 1 {
		return &ConfigError{Param: "PerfectSquatThreshold", Reason: "must be in (0,1]"}
	}
	if c.ValidFormThreshold <= 0 || c.ValidFormThreshold > 1 {
		return &ConfigError{Param: "ValidFormThreshold", Reason: "must be in (0,1]"}
	}
	if c.MinDescentTime <= 0 || c.MaxDescentTime <= c.MinDescentTime {
		return &ConfigError{Param: "MinDescentTime/MaxDescentTime", Reason: "need 0 < min < max"}
	}
	if c.StabilityVelocityLimit <= 0 {
		return &ConfigError{Param: "StabilityVelocityLimit", Reason: "must be positive"}
	}
	return nil
}

// State is the fully derived posture state after a tick. It is returned by
// value; callers cannot reach in and mutate classifier internals.
type State struct {
	Phase              Phase   `json:"phase"`
	CurrentDepth       float64 `json:"current_depth"`      // meters below baseline, >= 0
	CurrentDepthNorm   float64 `json:"current_depth_norm"` // fraction of MaxDepthReference, [0,1]
	Velocity           float64 `json:"velocity"`           // EWMA-smoothed head velocity, m/s (signed)
	ControllerSpeed    float64 `json:"controller_speed"`   // EWMA-smoothed mean controller speed, m/s
	IsInBottom         bool    `json:"is_in_bottom"`
	DwellTime          float64 `json:"dwell_time"` // seconds continuously in bottom
	IsDodging          bool    `json:"is_dodging"`
	IsOnCooldown       bool    `json:"is_on_cooldown"`
	IsValidSquatForm   bool    `json:"is_valid_squat_form"`
	QualityScore       float64 `json:"quality_score"`        // 0.5*depth + 0.25*tempo + 0.25*stability
	EstimatedKneeAngle float64 `json:"estimated_knee_angle"` // degrees, 180 standing to 90 at full depth
	Calibrated         bool    `json:"calibrated"`
	StandingHeight     float64 `json:"standing_height"` // meters, 0 until calibrated
}

// Classifier turns per-tick head-height samples into a classified posture
// state. One instance serves one rehabilitation session; construct explicitly
// and pass by reference to consumers (no global instance). Not safe for
// concurrent use: Tick and CalibrateStandingHeight must be called from a
// single goroutine.
type Classifier struct {
	cfg  Config
	sink EventSink

	state   State
	lastErr error

	// rolling signal state
	havePrev     bool
	prevHead     float64
	prevLeft     Vec3
	prevRight    Vec3
	prevNorm     float64
	wasBelow     bool // depth below threshold on previous tick, arms the dodge trigger
	descending   bool
	descentTime  float64
	dodgeElapsed float64
	coolElapsed  float64
	perfectFired bool
}

// NewClassifier builds a classifier from the given config. Zero-valued
// fields take their defaults; anything out of range is a ConfigError.
func NewClassifier(cfg Config) (*Classifier, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{
		cfg:      cfg,
		wasBelow: true,
		state:    State{Phase: PhaseIdle, EstimatedKneeAngle: 180},
	}, nil
}

// SetSink attaches the event sink that receives state-transition events.
// Pass nil to mute. Typically this is a SinkMux shared by several consumers.
func (c *Classifier) SetSink(sink EventSink) { c.sink = sink }

// Config returns the classifier's effective (defaulted) configuration.
func (c *Classifier) Config() Config { return c.cfg }

// State returns a copy of the current posture state.
func (c *Classifier) State() State { return c.state }

// LastError returns the most recent input or calibration error, or nil. It
// is cleared by the next successful Tick.
func (c *Classifier) LastError() error { return c.lastErr }

// CalibrateStandingHeight records the baseline standing head height.
// Non-finite or implausible values (outside 0.5m..2.5m) are rejected with a
// CalibrationError and the previous baseline is retained.
func (c *Classifier) CalibrateStandingHeight(h float64) error {
	if math.IsNaN(h) || math.IsInf(h, 0) {
		err := &CalibrationError{Height: h, Reason: "not a finite value"}
		c.lastErr = err
		return err
	}
	if h < minPlausibleHeight || h > maxPlausibleHeight {
		err := &CalibrationError{Height: h, Reason: "outside plausible standing height range"}
		c.lastErr = err
		return err
	}
	c.state.StandingHeight = h
	c.state.Calibrated = true
	return nil
}

// Tick advances the classifier by one frame. A zero or negative dt is a
// no-op returning the unchanged state (guards against duplicate-tick bugs).
// Malformed samples (NaN/Inf) are rejected: the previous state is held, the
// velocity EWMA is not advanced, and LastError reports an InputError. Tick
// never panics for well-formed input, and the returned state always
// satisfies the posture invariants.
func (c *Classifier) Tick(sample PoseSample, dt float64) State {
	if dt <= 0 {
		return c.state
	}
	if field, value, ok := checkSample(sample); !ok {
		c.lastErr = &InputError{Field: field, Value: value}
		return c.state
	}
	c.lastErr = nil

	s := &c.state

	// 1. depth
	rawDepth := 0.0
	if s.Calibrated {
		rawDepth = math.Max(0, s.StandingHeight-sample.HeadHeight)
	}
	s.CurrentDepth = rawDepth
	s.CurrentDepthNorm = clamp01(rawDepth / c.cfg.MaxDepthReference)
	s.EstimatedKneeAngle = 180 - 90*s.CurrentDepthNorm

	// 2. smoothed velocities. The raw single-sample derivative is too noisy
	// for a stability gate with headset tracking jitter, so both head and
	// controller velocities go through the same EWMA.
	if c.havePrev {
		instVel := (sample.HeadHeight - c.prevHead) / dt
		s.Velocity = ewma(s.Velocity, instVel, c.cfg.SmoothingFactor)

		ctrlVel := (dist(sample.LeftController, c.prevLeft) + dist(sample.RightController, c.prevRight)) / (2 * dt)
		s.ControllerSpeed = ewma(s.ControllerSpeed, ctrlVel, c.cfg.SmoothingFactor)
	}
	c.prevHead = sample.HeadHeight
	c.prevLeft = sample.LeftController
	c.prevRight = sample.RightController
	c.havePrev = true

	// 3. descent tempo tracking
	if !c.descending && rawDepth >= descentStartDepth && !s.IsInBottom {
		c.descending = true
		c.descentTime = 0
	}
	if c.descending && !s.IsInBottom {
		c.descentTime += dt
	}
	if rawDepth < descentStartDepth {
		c.descending = false
	}

	// 4. bottom dwell (parallel diagnostic, independent of the dodge timers)
	inBottom := rawDepth >= c.cfg.SquatThreshold
	if inBottom {
		if s.IsInBottom {
			s.DwellTime += dt
		} else {
			s.IsInBottom = true
			s.DwellTime = 0
		}
	} else if s.IsInBottom {
		s.IsInBottom = false
		s.DwellTime = 0
		c.perfectFired = false
	}

	// 5. quality gate: weighted composite of depth, tempo, and stability
	depthScore := s.CurrentDepthNorm
	tempoScore := 0.0
	stabilityScore := 0.0
	if s.IsInBottom {
		tempoScore = c.tempoScore(c.descentTime)
		stabilityScore = clamp01(1 - math.Abs(s.Velocity)/c.cfg.StabilityVelocityLimit)
	}
	s.QualityScore = 0.5*depthScore + 0.25*tempoScore + 0.25*stabilityScore
	s.IsValidSquatForm = s.IsInBottom && s.QualityScore >= c.cfg.ValidFormThreshold

	// 6. dodge state machine
	switch {
	case s.IsDodging:
		c.dodgeElapsed += dt
		if c.dodgeElapsed >= c.cfg.DodgeDuration {
			s.IsDodging = false
			s.IsOnCooldown = true
			c.coolElapsed = 0
			c.emit(Event{Type: DodgeEnded, Timestamp: sample.Timestamp})
			c.emit(Event{Type: CooldownStarted, Timestamp: sample.Timestamp})
		}
	case s.IsOnCooldown:
		c.coolElapsed += dt
		if c.coolElapsed >= c.cfg.CooldownDuration {
			s.IsOnCooldown = false
			c.emit(Event{Type: CooldownEnded, Timestamp: sample.Timestamp})
		}
	default:
		// armed: trigger fires on the upward threshold crossing only, so a
		// crossing ignored during cooldown is not deferred and re-fired.
		if inBottom && c.wasBelow {
			s.IsDodging = true
			c.dodgeElapsed = 0
			c.emit(Event{Type: DodgeStarted, Timestamp: sample.Timestamp})
		}
	}
	c.wasBelow = !inBottom

	// 7. derived events
	if math.Abs(s.CurrentDepthNorm-c.prevNorm) >= depthChangeEpsilon {
		c.emit(Event{Type: SquatDepthChanged, Timestamp: sample.Timestamp, Value: s.CurrentDepthNorm})
	}
	c.prevNorm = s.CurrentDepthNorm

	if s.IsInBottom && !c.perfectFired && s.QualityScore >= c.cfg.PerfectSquatThreshold {
		c.perfectFired = true
		c.emit(Event{Type: PerfectSquatDetected, Timestamp: sample.Timestamp, Value: s.QualityScore})
	}

	s.Phase = c.phase()
	return *s
}

// phase maps the boolean state onto the public Phase value.
func (c *Classifier) phase() Phase {
	s := &c.state
	switch {
	case s.IsDodging:
		return PhaseDodging
	case s.IsOnCooldown:
		return PhaseCooldown
	case s.IsInBottom:
		return PhaseBottomDwell
	default:
		return PhaseIdle
	}
}

// tempoScore rewards reaching the bottom within the configured descent
// window: 1 inside [MinDescentTime, MaxDescentTime] with a linear falloff on
// both sides (too fast is as bad as too slow for rehabilitation form).
func (c *Classifier) tempoScore(descent float64) float64 {
	switch {
	case descent <= 0:
		return 0
	case descent < c.cfg.MinDescentTime:
		return clamp01(descent / c.cfg.MinDescentTime)
	case descent <= c.cfg.MaxDescentTime:
		return 1
	default:
		return clamp01(1 - (descent-c.cfg.MaxDescentTime)/c.cfg.MaxDescentTime)
	}
}

func (c *Classifier) emit(e Event) {
	if c.sink != nil {
		c.sink.HandleEvent(e)
	}
}

// checkSample reports the first non-finite field of a sample, if any.
func checkSample(s PoseSample) (field string, value float64, ok bool) {
	fields := []struct {
		name  string
		value float64
	}{
		{"timestamp", s.Timestamp},
		{"head_height", s.HeadHeight},
		{"left_controller.x", s.LeftController.X},
		{"left_controller.y", s.LeftController.Y},
		{"left_controller.z", s.LeftController.Z},
		{"right_controller.x", s.RightController.X},
		{"right_controller.y", s.RightController.Y},
		{"right_controller.z", s.RightController.Z},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return f.name, f.value, false
		}
	}
	return "", 0, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func ewma(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

func dist(a, b Vec3) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
