// Package monitoring holds the diagnostic logger shared by the reconstruction
// packages. Output goes through a replaceable Logf so tests and embedding
// programs can redirect or mute it.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

var verbosity atomic.Int32

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetVerbosity sets the level used by Debugf. Zero disables debug output.
func SetVerbosity(level int) {
	verbosity.Store(int32(level))
}

// Verbosity returns the current debug level.
func Verbosity() int {
	return int(verbosity.Load())
}

// Debugf logs only when the configured verbosity is at least level.
func Debugf(level int, format string, v ...interface{}) {
	if Verbosity() < level {
		return
	}
	Logf(format, v...)
}

// Warnf logs unconditionally with a "warn: " prefix.
func Warnf(format string, v ...interface{}) {
	Logf("warn: "+format, v...)
}
