package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/modtender/backend/store"
	"github.com/onnwee/modtender/backend/telemetry"
)

type refreshedTokens struct {
	access  string
	refresh string
}

// runRefresh performs one refresh for the current mode and persists the result.
// It runs inside the single refresh flight.
func (c *Coordinator) runRefresh(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if telemetry.RefreshDuration != nil {
			telemetry.RefreshDuration.Observe(time.Since(start).Seconds())
		}
	}()
	log := slog.Default().With(slog.String("component", "oauth"))

	st := c.repairLegacyMode(ctx, c.State())
	mode := string(st.AuthMode)
	if st.RefreshToken == "" {
		telemetry.RecordRefresh(mode, "no_refresh_token")
		return fmt.Errorf("%w: no refresh token stored", ErrAuthExpired)
	}

	var (
		tok refreshedTokens
		err error
	)
	if st.AuthMode == ModeDelegated {
		tok, err = c.refreshDelegated(ctx, st.RefreshToken)
	} else {
		tok, err = c.refreshDirect(ctx, st)
	}
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			c.wipeTokens(ctx)
			telemetry.RecordRefresh(mode, "rejected")
			log.Warn("refresh rejected, tokens cleared", slog.String("mode", mode), slog.Any("err", err))
		} else {
			telemetry.RecordRefresh(mode, "transient")
			log.Warn("refresh failed", slog.String("mode", mode), slog.Any("err", err))
		}
		return err
	}

	c.mu.Lock()
	c.state.AccessToken = tok.access
	if tok.refresh != "" {
		c.state.RefreshToken = tok.refresh
	}
	c.mu.Unlock()
	if err := c.store.Set(ctx, store.KeyAccessToken, tok.access); err != nil {
		log.Warn("token persist failed", slog.Any("err", err))
	}
	if tok.refresh != "" {
		if err := c.store.Set(ctx, store.KeyRefreshToken, tok.refresh); err != nil {
			log.Warn("token persist failed", slog.Any("err", err))
		}
	}
	telemetry.RecordRefresh(mode, "ok")
	log.Info("token refreshed", slog.String("mode", mode), slog.String("access", telemetry.MaskToken(tok.access)))

	if c.opts.SettleDelay > 0 {
		select {
		case <-time.After(c.opts.SettleDelay):
		case <-ctx.Done():
		}
	}
	return nil
}

// repairLegacyMode switches configs that hold the delegated service's client id
// without a secret over to the delegated mode.
func (c *Coordinator) repairLegacyMode(ctx context.Context, st TokenState) TokenState {
	if st.AuthMode != ModeDirect || st.ClientSecret != "" || c.opts.DelegatedClientID == "" || st.ClientID != c.opts.DelegatedClientID {
		return st
	}
	slog.Info("stored client id belongs to the delegated auth service, switching mode", slog.String("component", "oauth"))
	st.AuthMode = ModeDelegated
	c.mu.Lock()
	c.state.AuthMode = ModeDelegated
	c.mu.Unlock()
	if err := c.store.Set(ctx, store.KeyAuthMode, string(ModeDelegated)); err != nil {
		slog.Warn("failed to persist auth mode", slog.String("component", "oauth"), slog.Any("err", err))
	}
	return st
}

func (c *Coordinator) refreshDirect(ctx context.Context, st TokenState) (refreshedTokens, error) {
	oc := &oauth2.Config{ClientID: st.ClientID, ClientSecret: st.ClientSecret, Endpoint: c.opts.Endpoint}
	hctx := context.WithValue(ctx, oauth2.HTTPClient, c.hc)
	t, err := oc.TokenSource(hctx, &oauth2.Token{RefreshToken: st.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			switch re.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized:
				return refreshedTokens{}, fmt.Errorf("%w: refresh rejected: %s", ErrAuthExpired, retrieveMessage(re))
			}
		}
		return refreshedTokens{}, fmt.Errorf("%w: direct refresh: %w", ErrTransient, err)
	}
	return refreshedTokens{access: t.AccessToken, refresh: t.RefreshToken}, nil
}

func retrieveMessage(re *oauth2.RetrieveError) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(re.Body, &body) == nil && body.Message != "" {
		return body.Message
	}
	return re.Response.Status
}

func (c *Coordinator) refreshDelegated(ctx context.Context, refreshToken string) (refreshedTokens, error) {
	if c.opts.DelegatedBaseURL == "" {
		return refreshedTokens{}, errors.New("delegated auth service URL not configured")
	}
	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return refreshedTokens{}, err
	}
	u := strings.TrimRight(c.opts.DelegatedBaseURL, "/") + "/api/auth/twitch/refresh"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return refreshedTokens{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return refreshedTokens{}, fmt.Errorf("%w: delegated refresh: %w", ErrTransient, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if resp.StatusCode < 500 {
			return refreshedTokens{}, fmt.Errorf("%w: auth service: %s: %s", ErrAuthExpired, resp.Status, strings.TrimSpace(string(b)))
		}
		return refreshedTokens{}, fmt.Errorf("%w: auth service: %s", ErrTransient, resp.Status)
	}
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return refreshedTokens{}, fmt.Errorf("%w: decode refresh response: %w", ErrTransient, err)
	}
	if out.AccessToken == "" {
		return refreshedTokens{}, fmt.Errorf("%w: auth service returned an empty token", ErrTransient)
	}
	return refreshedTokens{access: out.AccessToken, refresh: out.RefreshToken}, nil
}

// ValidateResult is the body of the token validation endpoint.
type ValidateResult struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Validate checks the current token, refreshing it through Do if it was revoked.
func (c *Coordinator) Validate(ctx context.Context) (*ValidateResult, error) {
	resp, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.opts.ValidateURL, nil)
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: validate: %s", ErrTransient, resp.Status)
	}
	var out ValidateResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &out, nil
}

// StartValidator launches a goroutine that periodically validates the session so a
// revoked or expired token is refreshed before the next user action.
func (c *Coordinator) StartValidator(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if c.Authenticated() {
				vctx, cancel := context.WithTimeout(ctx, 15*time.Second)
				res, err := c.Validate(vctx)
				cancel()
				switch {
				case err != nil:
					slog.Warn("token validation failed", slog.String("component", "oauth"), slog.Any("err", err))
				default:
					slog.Debug("token valid", slog.String("component", "oauth"), slog.String("login", res.Login), slog.Int("expires_in", res.ExpiresIn))
				}
			}
			// Per-iteration jitter of ±20% of interval.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
		}
	}()
}
