package posture

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// descend feeds a linear descent from 1.70 to the target head height in
// steps of 0.05m per tick, then returns the final timestamp.
func descend(c *Classifier, target float64) float64 {
	ts := 0.0
	for head := 1.70; head > target; head -= 0.05 {
		ts += dt
		c.Tick(PoseSample{Timestamp: ts, HeadHeight: head - 0.05}, dt)
	}
	return ts
}

func TestQualityScoreWeighting(t *testing.T) {
	c, err := NewClassifier(Config{})
	require.NoError(t, err)
	require.NoError(t, c.CalibrateStandingHeight(1.70))

	col := &collector{}
	c.SetSink(col)

	// controlled descent to depth 0.5 over 1s, inside the tempo window
	ts := descend(c, 1.20)

	// hold at the bottom until the velocity EWMA settles
	var st State
	for i := 0; i < 20; i++ {
		ts += dt
		st = c.Tick(PoseSample{Timestamp: ts, HeadHeight: 1.20}, dt)
	}

	require.True(t, st.IsInBottom)
	depthScore := st.CurrentDepthNorm
	assert.InDelta(t, 0.5/0.6, depthScore, 1e-9, "depth 0.5 of reference 0.6")

	// with tempo=1 and stability approaching 1, the composite approaches
	// 0.5*depthScore + 0.5
	assert.Greater(t, st.QualityScore, 0.85)
	assert.LessOrEqual(t, st.QualityScore, 0.5*depthScore+0.5+1e-9)
	assert.True(t, st.IsValidSquatForm)

	// perfect squat is a one-shot per bottom visit
	assert.Equal(t, 1, col.count(PerfectSquatDetected))
}

func TestShallowSquatIsNotValidForm(t *testing.T) {
	c, err := NewClassifier(Config{})
	require.NoError(t, err)
	require.NoError(t, c.CalibrateStandingHeight(1.70))

	// barely past the threshold: depth 0.31, depthScore ~0.52
	ts := descend(c, 1.39)
	var st State
	for i := 0; i < 20; i++ {
		ts += dt
		st = c.Tick(PoseSample{Timestamp: ts, HeadHeight: 1.39}, dt)
	}

	require.True(t, st.IsInBottom)
	// 0.5*0.52 + 0.25 + 0.25 ~= 0.76 < perfect threshold
	assert.Less(t, st.QualityScore, 0.85)
}

func TestTempoScoreCurve(t *testing.T) {
	c, err := NewClassifier(Config{})
	require.NoError(t, err)

	tests := []struct {
		name    string
		descent float64
		want    float64
	}{
		{"zero", 0, 0},
		{"too fast", 0.2, 0.5},
		{"window start", 0.4, 1},
		{"mid window", 1.0, 1},
		{"window end", 2.0, 1},
		{"too slow", 3.0, 0.5},
		{"far too slow", 5.0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.tempoScore(tt.descent), 1e-9)
		})
	}
}

func TestEstimatedKneeAngleTracksDepth(t *testing.T) {
	c, err := NewClassifier(Config{})
	require.NoError(t, err)
	require.NoError(t, c.CalibrateStandingHeight(1.70))

	st := c.Tick(PoseSample{Timestamp: 0, HeadHeight: 1.70}, dt)
	assert.InDelta(t, 180, st.EstimatedKneeAngle, 1e-9)

	st = c.Tick(PoseSample{Timestamp: dt, HeadHeight: 1.10}, dt) // full reference depth
	assert.InDelta(t, 90, st.EstimatedKneeAngle, 1e-9)
}

func TestControllerSpeedSmoothing(t *testing.T) {
	c, err := NewClassifier(Config{})
	require.NoError(t, err)
	require.NoError(t, c.CalibrateStandingHeight(1.70))

	// controllers sweep 0.1m sideways per tick -> 1 m/s instantaneous
	ts, x := 0.0, 0.0
	var st State
	for i := 0; i < 30; i++ {
		ts += dt
		x += 0.1
		st = c.Tick(PoseSample{
			Timestamp:       ts,
			HeadHeight:      1.70,
			LeftController:  Vec3{X: x, Y: 1.1},
			RightController: Vec3{X: x, Y: 1.1},
		}, dt)
	}
	// EWMA converges toward the true 1 m/s
	assert.InDelta(t, 1.0, st.ControllerSpeed, 0.05)
	assert.False(t, math.Signbit(st.ControllerSpeed))
}
