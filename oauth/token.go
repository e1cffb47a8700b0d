package oauth

import (
	"context"
	"fmt"
	"strings"

	"github.com/onnwee/modtender/backend/store"
)

// AuthMode selects how tokens are refreshed.
type AuthMode string

const (
	// ModeDirect refreshes against the Twitch token endpoint with a stored client secret.
	ModeDirect AuthMode = "direct"
	// ModeDelegated refreshes through an external auth service that holds the secret.
	ModeDelegated AuthMode = "delegated"
)

// ParseAuthMode maps stored values to a mode. Unknown or empty values are direct;
// "dimandus" is the legacy name of the delegated mode.
func ParseAuthMode(s string) AuthMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delegated", "dimandus":
		return ModeDelegated
	default:
		return ModeDirect
	}
}

// TokenState is the credential material the coordinator works with.
type TokenState struct {
	AccessToken  string
	RefreshToken string
	AuthMode     AuthMode
	ClientID     string
	ClientSecret string
}

// Session is everything a completed login persists.
type Session struct {
	AccessToken  string
	RefreshToken string
	Scopes       string
	UserID       string
	Login        string
	Mode         AuthMode
	ClientID     string
	ClientSecret string
}

func loadState(ctx context.Context, s store.Store) (TokenState, error) {
	var st TokenState
	fields := []struct {
		key string
		dst *string
	}{
		{store.KeyAccessToken, &st.AccessToken},
		{store.KeyRefreshToken, &st.RefreshToken},
		{store.KeyClientID, &st.ClientID},
		{store.KeyClientSecret, &st.ClientSecret},
	}
	for _, f := range fields {
		v, err := s.Get(ctx, f.key)
		if err != nil {
			return TokenState{}, fmt.Errorf("load %s: %w", f.key, err)
		}
		*f.dst = v
	}
	mode, err := s.Get(ctx, store.KeyAuthMode)
	if err != nil {
		return TokenState{}, fmt.Errorf("load %s: %w", store.KeyAuthMode, err)
	}
	st.AuthMode = ParseAuthMode(mode)
	return st, nil
}

func persistSession(ctx context.Context, s store.Store, sess Session) error {
	writes := []struct{ key, val string }{
		{store.KeyAccessToken, sess.AccessToken},
		{store.KeyRefreshToken, sess.RefreshToken},
		{store.KeyScopes, sess.Scopes},
		{store.KeyUserID, sess.UserID},
		{store.KeyLogin, sess.Login},
		{store.KeyAuthMode, string(sess.Mode)},
	}
	if sess.ClientID != "" {
		writes = append(writes, struct{ key, val string }{store.KeyClientID, sess.ClientID})
	}
	for _, w := range writes {
		if err := s.Set(ctx, w.key, w.val); err != nil {
			return fmt.Errorf("persist %s: %w", w.key, err)
		}
	}
	if sess.Mode == ModeDelegated {
		if err := s.Delete(ctx, store.KeyClientSecret); err != nil {
			return fmt.Errorf("delete client secret: %w", err)
		}
	}
	return nil
}
