package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Scopes requested by both login flows.
var Scopes = []string{
	"chat:read",
	"chat:edit",
	"moderation:read",
	"moderator:manage:banned_users",
	"moderator:manage:chat_messages",
	"moderator:manage:chat_settings",
	"moderator:manage:announcements",
	"moderator:manage:shield_mode",
	"moderator:read:shield_mode",
	"moderator:read:chatters",
	"user:read:moderated_channels",
	"user:read:follows",
	"user:write:chat",
}

// CallbackPath is the loopback redirect path of the direct login.
const CallbackPath = "/auth/twitch/callback"

// LoginOptions tune the interactive flows.
type LoginOptions struct {
	// RedirectPort for the loopback listener; 0 picks a free port.
	RedirectPort int
	// Timeout bounds the whole direct login (default 5m).
	Timeout time.Duration
	// OpenURL presents the authorization URL to the user.
	OpenURL func(string) error
	// PollInterval and MaxPolls bound the delegated status polling (2s, 60).
	PollInterval time.Duration
	MaxPolls     int
}

func (o *LoginOptions) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = 60
	}
	if o.OpenURL == nil {
		o.OpenURL = func(u string) error {
			slog.Info("open this URL to authorize", slog.String("component", "oauth"), slog.String("url", u))
			return nil
		}
	}
}

type callbackResult struct {
	code string
	err  error
}

// LoginDirect runs the authorization-code flow with the stored client id and
// secret and a loopback redirect listener.
func (c *Coordinator) LoginDirect(ctx context.Context, opts LoginOptions) (*Session, error) {
	opts.defaults()
	st := c.State()
	if st.ClientID == "" || st.ClientSecret == "" {
		return nil, errors.New("client id and client secret are required for direct login")
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", opts.RedirectPort))
	if err != nil {
		return nil, fmt.Errorf("listen for oauth callback: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	state := uuid.NewString()
	oc := &oauth2.Config{
		ClientID:     st.ClientID,
		ClientSecret: st.ClientSecret,
		Endpoint:     c.opts.Endpoint,
		RedirectURL:  fmt.Sprintf("http://localhost:%d%s", port, CallbackPath),
		Scopes:       Scopes,
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res callbackResult
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization denied: %s", q.Get("error"))
		case q.Get("state") != state:
			res.err = errors.New("oauth state mismatch")
		case q.Get("code") == "":
			res.err = errors.New("authorization code missing")
		default:
			res.code = q.Get("code")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("<html><body>Login failed. You can close this window.</body></html>"))
		} else {
			_, _ = w.Write([]byte("<html><script>setTimeout(function(){window.close();},1000);</script><body>OK</body></html>"))
		}
		select {
		case results <- res:
		default:
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("oauth callback server error", slog.String("component", "oauth"), slog.Any("err", err))
		}
	}()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}()

	if err := opts.OpenURL(oc.AuthCodeURL(state)); err != nil {
		return nil, fmt.Errorf("open authorization url: %w", err)
	}

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrLoginTimeout
		}
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	tok, err := oc.Exchange(context.WithValue(ctx, oauth2.HTTPClient, c.hc), res.code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	user, err := c.lookupUser(ctx, st.ClientID, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	sess := Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       scopeString(tok.Extra("scope")),
		UserID:       user.ID,
		Login:        user.Login,
		Mode:         ModeDirect,
		ClientID:     st.ClientID,
		ClientSecret: st.ClientSecret,
	}
	if err := c.SetSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

type delegatedInit struct {
	AuthURL   string `json:"auth_url"`
	SessionID string `json:"session_id"`
}

type delegatedStatus struct {
	Status       string          `json:"status"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	Scope        json.RawMessage `json:"scope"`
	Error        string          `json:"error"`
}

// LoginDelegated starts a login session on the delegated auth service and polls
// it until the user completes, rejects, or the attempt budget runs out.
func (c *Coordinator) LoginDelegated(ctx context.Context, opts LoginOptions) (*Session, error) {
	opts.defaults()
	if c.opts.DelegatedBaseURL == "" || c.opts.DelegatedClientID == "" {
		return nil, errors.New("delegated auth service is not configured")
	}
	base := strings.TrimRight(c.opts.DelegatedBaseURL, "/")

	var initRes delegatedInit
	if err := c.getJSON(ctx, base+"/api/auth/twitch/init?scope="+url.QueryEscape(strings.Join(Scopes, "+")), &initRes); err != nil {
		return nil, fmt.Errorf("init delegated login: %w", err)
	}
	if initRes.SessionID == "" || initRes.AuthURL == "" {
		return nil, errors.New("init delegated login: incomplete response")
	}
	if err := opts.OpenURL(initRes.AuthURL); err != nil {
		return nil, fmt.Errorf("open authorization url: %w", err)
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	statusURL := base + "/api/auth/twitch/status/" + url.PathEscape(initRes.SessionID)
	for attempt := 1; attempt <= opts.MaxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		var st delegatedStatus
		if err := c.getJSON(ctx, statusURL, &st); err != nil {
			slog.Debug("delegated status poll failed", slog.String("component", "oauth"), slog.Int("attempt", attempt), slog.Any("err", err))
			continue
		}
		switch st.Status {
		case "completed":
			user, err := c.lookupUser(ctx, c.opts.DelegatedClientID, st.AccessToken)
			if err != nil {
				return nil, err
			}
			sess := Session{
				AccessToken:  st.AccessToken,
				RefreshToken: st.RefreshToken,
				Scopes:       rawScopeString(st.Scope),
				UserID:       user.ID,
				Login:        user.Login,
				Mode:         ModeDelegated,
				ClientID:     c.opts.DelegatedClientID,
			}
			if err := c.SetSession(ctx, sess); err != nil {
				return nil, err
			}
			return &sess, nil
		case "error", "expired":
			msg := st.Error
			if msg == "" {
				msg = "auth failed"
			}
			return nil, fmt.Errorf("delegated login %s: %s", st.Status, msg)
		}
	}
	return nil, ErrLoginTimeout
}

type helixUser struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// lookupUser resolves the owner of accessToken.
func (c *Coordinator) lookupUser(ctx context.Context, clientID, accessToken string) (*helixUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.opts.HelixBaseURL, "/")+"/users", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", clientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookup user: %s", resp.Status)
	}
	var body struct {
		Data []helixUser `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("lookup user: decode: %w", err)
	}
	if len(body.Data) == 0 {
		return nil, errors.New("lookup user: empty response")
	}
	return &body.Data[0], nil
}

func (c *Coordinator) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// scopeString flattens the scope field of a token response, which Twitch sends as an array.
func scopeString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		parts := make([]string, 0, len(s))
		for _, p := range s {
			if ps, ok := p.(string); ok {
				parts = append(parts, ps)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func rawScopeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return scopeString(v)
}
