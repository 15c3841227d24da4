// Package monitoring holds the swappable diagnostic loggers used by the
// classification pipeline. The pose loop logs through these instead of the
// stdlib logger directly so tests can mute or capture output.
package monitoring

import "log"

// Logf is the pipeline diagnostic logger. Defaults to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// Debug enables Debugf output. Per-frame diagnostics (parse failures on a
// noisy tracker link can arrive at stream rate) stay quiet unless it is set.
var Debug bool

// Debugf logs through Logf only when Debug is enabled.
func Debugf(format string, v ...interface{}) {
	if Debug {
		Logf(format, v...)
	}
}

// SetLogger replaces the pipeline logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
