// Package monitoring carries the swappable diagnostic logger used on
// per-frame paths. Those paths can fire at cycle rate, so tests and
// embedders may want to mute or redirect them without touching the
// global log package.
package monitoring

import "log"

// Logf is the diagnostic logger, log.Printf by default.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the diagnostic logger; nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
