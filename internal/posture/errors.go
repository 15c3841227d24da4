package posture

import "fmt"

// InputError reports a pose sample that was rejected before it reached the
// state machine. The classifier holds its previous state for that tick and
// recovers as soon as valid samples resume.
type InputError struct {
	Field string
	Value float64
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid pose sample: %s=%v", e.Field, e.Value)
}

// CalibrationError reports a rejected standing-height calibration. The
// previous baseline is retained.
type CalibrationError struct {
	Height float64
	Reason string
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("calibration rejected (height=%v): %s", e.Height, e.Reason)
}

// ConfigError reports an out-of-range constructor parameter. Unlike input and
// calibration errors this is a hard failure: it indicates an integration
// mistake, not a runtime condition.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Param, e.Reason)
}
