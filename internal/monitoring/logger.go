// Package monitoring holds the bridge's diagnostic logger.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Traffic logs a single protocol event tagged with its direction (SENT,
// RESPONSE, REPLIED, ...) and the peer it concerns (RT21, CLIENT, ...).
// Payloads are quoted so framing bytes such as \r stay visible.
func Traffic(direction, peer string, payload []byte) {
	Logf("%s %s: %q", direction, peer, payload)
}

// Event logs a tagged free-form message such as a connection state change.
func Event(direction, peer, format string, v ...interface{}) {
	Logf("%s %s: "+format, append([]interface{}{direction, peer}, v...)...)
}
