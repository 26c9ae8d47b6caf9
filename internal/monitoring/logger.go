package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Errorf logs through the package logger with an "ERROR: " prefix. Used at
// failure-isolation boundaries where an error is swallowed rather than
// propagated (per-vehicle processing, persistence writes).
func Errorf(format string, v ...interface{}) {
	Logf("ERROR: "+format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
