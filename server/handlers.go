// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/onnwee/channel-warden/actions"
	"github.com/onnwee/channel-warden/monitor"
	"github.com/onnwee/channel-warden/store"
)

// maxBodyBytes caps request bodies on the control endpoints.
const maxBodyBytes = 64 << 10

// StatusSource reports supervisor state.
type StatusSource interface {
	Snapshot() monitor.Snapshot
}

// TokenState reports whether a token is stored.
type TokenState interface {
	HasToken(ctx context.Context) bool
}

// ActionHandler runs messaging-surface commands.
type ActionHandler interface {
	Handle(ctx context.Context, raw []byte) actions.Result
	Dispatch(ctx context.Context, cmd actions.Command) actions.Result
}

// Bridge is the extension WebSocket endpoint.
type Bridge interface {
	http.Handler
	Connected() bool
}

// Deps are the components served over HTTP. Bridge and AuthCallback may be nil.
type Deps struct {
	Store        store.Store
	Monitor      StatusSource
	Tokens       TokenState
	Actions      ActionHandler
	Bridge       Bridge
	AuthCallback http.Handler
	Version      string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
