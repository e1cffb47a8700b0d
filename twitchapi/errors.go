package twitchapi

import (
	"errors"
	"fmt"

	"github.com/onnwee/modtender/backend/oauth"
)

var (
	// ErrCommandRejected matches any 4xx answer from Helix.
	ErrCommandRejected = errors.New("command rejected")
	// ErrTransient matches 5xx answers and network failures.
	ErrTransient = oauth.ErrTransient
	// ErrUserNotFound is returned when a login does not resolve to a user.
	ErrUserNotFound = fmt.Errorf("%w: user not found", ErrCommandRejected)
	// ErrMessageDropped is a send that Helix accepted but did not deliver,
	// for example held by AutoMod or flagged as a duplicate.
	ErrMessageDropped = fmt.Errorf("%w: message dropped", ErrCommandRejected)
)

// APIError is a non-2xx Helix response. Message is the server's text verbatim.
type APIError struct {
	Status   int
	Message  string
	Endpoint string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("helix %s: status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("helix %s: status %d: %s", e.Endpoint, e.Status, e.Message)
}

// Is classifies the error against ErrCommandRejected and ErrTransient.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrCommandRejected:
		return e.Status >= 400 && e.Status < 500
	case ErrTransient:
		return e.Status >= 500
	}
	return false
}
