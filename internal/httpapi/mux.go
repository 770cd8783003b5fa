// Package httpapi serves read-only diagnostics: link state and the cached
// channel values.
package httpapi

import (
	"log/slog"
	"net/http"

	"cloudpico-node/internal/session"
)

// StateSource reports the protocol state. *session.Server implements it.
type StateSource interface {
	State() session.State
}

// SamplerStats reports sampling progress. *sampler.Sampler implements it.
type SamplerStats interface {
	Stats() (cycles, faults uint64)
}

// Deps are the components the diagnostics read from. Stats and Logger may
// be nil.
type Deps struct {
	Server  StateSource
	Session *session.Session
	Stats   SamplerStats
	Logger  *slog.Logger
}

// NewMux routes the diagnostics endpoints behind the request logger.
func NewMux(deps Deps) http.Handler {
	mux := http.NewServeMux()
	registerHealthcheck(mux, deps)
	registerChannels(mux, deps.Session)
	return requestLogger(deps, mux)
}
