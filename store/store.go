// Package store defines the credential store boundary: an opaque, namespaced
// key-value space with Get, Set and Delete. The token coordinator and the
// login flows persist through it; the backend is chosen at startup.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Keys used by the rest of the module.
const (
	KeyClientID     = "twitch.clientId"
	KeyClientSecret = "twitch.clientSecret"
	KeyAccessToken  = "twitch.accessToken"
	KeyRefreshToken = "twitch.refreshToken"
	KeyScopes       = "twitch.scopes"
	KeyUserID       = "twitch.userId"
	KeyLogin        = "twitch.login"
	KeyAuthMode     = "twitch.authMode"
	KeyChannels     = "settings.channels"
)

// ErrInvalidKey is returned for keys outside the known namespaces.
var ErrInvalidKey = errors.New("invalid credential key")

// Store is the credential store boundary. Get of a missing key returns "" and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

var namespaces = []string{"twitch.", "settings."}

// ValidateKey performs the store's coarse schema check.
func ValidateKey(key string) error {
	for _, ns := range namespaces {
		if strings.HasPrefix(key, ns) && len(key) > len(ns) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidKey, key)
}

// IsSecret reports whether a key holds a value that must be sealed at rest.
func IsSecret(key string) bool {
	switch key {
	case KeyAccessToken, KeyRefreshToken, KeyClientSecret:
		return true
	}
	return false
}

// DeleteAll removes every key and joins the failures.
func DeleteAll(ctx context.Context, s Store, keys ...string) error {
	var errs []error
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// GetList reads a comma separated list value.
func GetList(ctx context.Context, s Store, key string) ([]string, error) {
	v, err := s.Get(ctx, key)
	if err != nil || v == "" {
		return nil, err
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// SetList writes a comma separated list value.
func SetList(ctx context.Context, s Store, key string, values []string) error {
	return s.Set(ctx, key, strings.Join(values, ","))
}
