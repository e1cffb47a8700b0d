// Package oauth owns the Twitch user session: it attaches the access token to
// outgoing requests, refreshes it at most once at a time when the platform
// rejects it, persists rotated tokens, and runs the interactive login flows.
package oauth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/modtender/backend/store"
	"github.com/onnwee/modtender/backend/telemetry"
)

const (
	defaultHelixBaseURL = "https://api.twitch.tv/helix"
	defaultValidateURL  = "https://id.twitch.tv/oauth2/validate"
	refreshTimeout      = 15 * time.Second
)

// RequestFunc builds a fresh request for each attempt so bodies can be re-sent.
type RequestFunc = func(ctx context.Context) (*http.Request, error)

// Options configure a Coordinator. Zero values fall back to the public Twitch endpoints.
type Options struct {
	Store      store.Store
	HTTPClient *http.Client

	// Endpoint is the OAuth endpoint for direct refresh and the code flow.
	Endpoint oauth2.Endpoint
	// DelegatedBaseURL is the auth service used in delegated mode.
	DelegatedBaseURL string
	// DelegatedClientID is the public client id registered by the auth service.
	DelegatedClientID string
	// SettleDelay is waited inside the refresh flight after a successful refresh.
	SettleDelay time.Duration

	HelixBaseURL string
	ValidateURL  string
}

// Coordinator wraps authenticated calls with single-flight refresh and one bounded retry.
type Coordinator struct {
	opts  Options
	hc    *http.Client
	store store.Store

	mu    sync.RWMutex
	state TokenState

	flight singleflight.Group
}

// NewCoordinator loads the token state from the store.
func NewCoordinator(ctx context.Context, opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("oauth: store is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Endpoint.TokenURL == "" {
		opts.Endpoint = twitch.Endpoint
	}
	if opts.HelixBaseURL == "" {
		opts.HelixBaseURL = defaultHelixBaseURL
	}
	if opts.ValidateURL == "" {
		opts.ValidateURL = defaultValidateURL
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	st, err := loadState(ctx, opts.Store)
	if err != nil {
		return nil, err
	}
	return &Coordinator{opts: opts, hc: opts.HTTPClient, store: opts.Store, state: st}, nil
}

// State returns a copy of the current token state.
func (c *Coordinator) State() TokenState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Authenticated reports whether an access token is present.
func (c *Coordinator) Authenticated() bool { return c.State().AccessToken != "" }

// ClientID returns the id sent in the Client-Id header.
func (c *Coordinator) ClientID() string {
	st := c.State()
	if st.AuthMode == ModeDelegated && c.opts.DelegatedClientID != "" {
		return c.opts.DelegatedClientID
	}
	return st.ClientID
}

// UserID returns the stored id of the logged-in user.
func (c *Coordinator) UserID(ctx context.Context) (string, error) {
	return c.store.Get(ctx, store.KeyUserID)
}

// Login returns the stored login of the logged-in user.
func (c *Coordinator) Login(ctx context.Context) (string, error) {
	return c.store.Get(ctx, store.KeyLogin)
}

// SetClientCredentials stores the app credentials used by the direct mode.
func (c *Coordinator) SetClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	if err := c.store.Set(ctx, store.KeyClientID, clientID); err != nil {
		return err
	}
	if clientSecret != "" {
		if err := c.store.Set(ctx, store.KeyClientSecret, clientSecret); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.state.ClientID = clientID
	if clientSecret != "" {
		c.state.ClientSecret = clientSecret
	}
	c.mu.Unlock()
	return nil
}

// SetSession persists a completed login and makes it current.
func (c *Coordinator) SetSession(ctx context.Context, sess Session) error {
	if err := persistSession(ctx, c.store, sess); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.AccessToken = sess.AccessToken
	c.state.RefreshToken = sess.RefreshToken
	c.state.AuthMode = sess.Mode
	if sess.ClientID != "" {
		c.state.ClientID = sess.ClientID
	}
	if sess.Mode == ModeDelegated {
		c.state.ClientSecret = ""
	} else if sess.ClientSecret != "" {
		c.state.ClientSecret = sess.ClientSecret
	}
	c.mu.Unlock()
	slog.Info("twitch session stored", slog.String("component", "oauth"), slog.String("login", sess.Login), slog.String("mode", string(sess.Mode)))
	return nil
}

// Logout removes the session from memory and from the store. The client id is kept.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.state.AccessToken = ""
	c.state.RefreshToken = ""
	c.state.ClientSecret = ""
	c.state.AuthMode = ModeDirect
	c.mu.Unlock()
	return store.DeleteAll(ctx, c.store,
		store.KeyAccessToken, store.KeyRefreshToken, store.KeyScopes,
		store.KeyUserID, store.KeyLogin, store.KeyAuthMode, store.KeyClientSecret)
}

// Do issues the request built by build with the current credentials. A 401
// triggers one shared refresh and one retry; a 401 on the retry ends the session.
func (c *Coordinator) Do(ctx context.Context, build RequestFunc) (*http.Response, error) {
	return c.do(ctx, build, 0)
}

func (c *Coordinator) do(ctx context.Context, build RequestFunc, depth int) (*http.Response, error) {
	st := c.State()
	if st.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}
	req, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+st.AccessToken)
	if id := c.ClientID(); id != "" {
		req.Header.Set("Client-Id", id)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "oauth"), slog.String("url", req.URL.Path))
	if depth >= 1 {
		if c.clearIfCurrent(ctx, st.AccessToken) {
			log.Warn("token rejected after refresh, session cleared")
		}
		return nil, errRejectedAfterRefresh
	}
	if cur := c.State().AccessToken; cur != "" && cur != st.AccessToken {
		log.Debug("401 with a stale token, retrying with the current one")
		return c.do(ctx, build, 1)
	}
	log.Info("401 received, refreshing token")
	if err := c.refresh(ctx, st.AccessToken); err != nil {
		return nil, err
	}
	return c.do(ctx, build, 1)
}

// refresh joins the single refresh flight. rejected is the token that got the 401.
func (c *Coordinator) refresh(ctx context.Context, rejected string) error {
	ch := c.flight.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		if cur := c.State().AccessToken; cur != "" && cur != rejected {
			return nil, nil
		}
		return nil, c.runRefresh(fctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clearIfCurrent drops both tokens if token is still the current access token.
func (c *Coordinator) clearIfCurrent(ctx context.Context, token string) bool {
	c.mu.Lock()
	if c.state.AccessToken != token {
		c.mu.Unlock()
		return false
	}
	c.state.AccessToken = ""
	c.state.RefreshToken = ""
	c.mu.Unlock()
	if err := store.DeleteAll(ctx, c.store, store.KeyAccessToken, store.KeyRefreshToken); err != nil {
		slog.Warn("failed to delete tokens", slog.String("component", "oauth"), slog.Any("err", err))
	}
	return true
}

func (c *Coordinator) wipeTokens(ctx context.Context) {
	c.mu.Lock()
	c.state.AccessToken = ""
	c.state.RefreshToken = ""
	c.mu.Unlock()
	if err := store.DeleteAll(ctx, c.store, store.KeyAccessToken, store.KeyRefreshToken); err != nil {
		slog.Warn("failed to delete tokens", slog.String("component", "oauth"), slog.Any("err", err))
	}
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
