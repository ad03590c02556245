// Package logging provides zerolog defaults for twitchblade components.
//
// The library never logs unless the caller installs a logger; the zero value
// used throughout is a no-op logger. Component helpers attach a stable
// "component" field so callers can filter session, pipeline, and auth events.
package logging

import (
	"github.com/rs/zerolog"
)

// Nop returns a disabled logger, the library default.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Auth returns a logger for token flow and provider events.
func Auth(base zerolog.Logger) zerolog.Logger {
	return base.With().Str("component", "auth").Logger()
}

// Helix returns a logger for REST pipeline events.
func Helix(base zerolog.Logger) zerolog.Logger {
	return base.With().Str("component", "helix").Logger()
}

// EventSub returns a logger for WebSocket session events.
func EventSub(base zerolog.Logger) zerolog.Logger {
	return base.With().Str("component", "eventsub").Logger()
}
