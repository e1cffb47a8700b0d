package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated means no access token is stored; a login is required.
	ErrNotAuthenticated = errors.New("twitch: not authenticated")
	// ErrAuthExpired means the session cannot be recovered without a new login.
	ErrAuthExpired = errors.New("twitch: session expired, log in again")
	// ErrInsufficientScope means the token was rejected even after a refresh,
	// which usually points at missing scopes.
	ErrInsufficientScope = errors.New("twitch: token lacks required scopes")
	// ErrTransient covers network failures and 5xx responses.
	ErrTransient = errors.New("twitch: transient failure")
	// ErrLoginTimeout is returned when a login flow does not complete in time.
	ErrLoginTimeout = errors.New("twitch: login timed out")
)

// errRejectedAfterRefresh is returned when a call still gets 401 after a
// successful refresh. Callers can match either cause.
var errRejectedAfterRefresh = fmt.Errorf("%w: %w", ErrAuthExpired, ErrInsufficientScope)
