package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/moderation"
	"github.com/onnwee/modtender/backend/oauth"
	"github.com/onnwee/modtender/backend/reconcile"
	"github.com/onnwee/modtender/backend/store"
	"github.com/onnwee/modtender/backend/telemetry"
	"github.com/onnwee/modtender/backend/twitchapi"
)

// AuthState reports the current token state. *oauth.Coordinator satisfies it.
type AuthState interface {
	State() oauth.TokenState
}

// ChatState reports the transport connection. *chat.Transport satisfies it.
type ChatState interface {
	State() chat.State
	Identity() chat.Identity
	Joined() []string
}

// Deps are the components the handlers read from and act through.
type Deps struct {
	Auth       AuthState
	Chat       ChatState
	Engine     *reconcile.Engine
	Moderation *moderation.Service
	// Store persists the channel list under store.KeyChannels.
	Store   store.Store
	Version string
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
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

// errBadRequest marks client input errors raised by the handlers themselves.
var errBadRequest = errors.New("bad request")

// statusFor maps an action error to an HTTP status. Helix rejections keep
// their message verbatim in the body.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, reconcile.ErrNoMessageID):
		return http.StatusBadRequest
	// A rejection after refresh wraps both auth errors; the scope case wins.
	case errors.Is(err, oauth.ErrInsufficientScope):
		return http.StatusForbidden
	case errors.Is(err, oauth.ErrNotAuthenticated), errors.Is(err, oauth.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, twitchapi.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, twitchapi.ErrCommandRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, twitchapi.ErrTransient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		telemetry.LoggerWithCorr(r.Context()).Error("request failed", slog.String("component", "http"), slog.String("path", r.URL.Path), slog.Any("err", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
