// Package twitchapi is a typed client for the Twitch Helix endpoints the
// moderator surface uses. Every call goes through a Doer that owns the user
// session (see oauth.Coordinator); this package never touches tokens itself.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/modtender/backend/oauth"
	"github.com/onnwee/modtender/backend/store"
	"github.com/onnwee/modtender/backend/telemetry"
)

// DefaultBaseURL is the production Helix root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// Doer executes an authenticated request.
type Doer interface {
	Do(ctx context.Context, build oauth.RequestFunc) (*http.Response, error)
}

// Client issues Helix requests on behalf of the logged-in moderator.
type Client struct {
	Doer    Doer
	BaseURL string
	// Store supplies the moderator/sender id (twitch.userId).
	Store   store.Store
	Limiter *rate.Limiter

	mu      sync.RWMutex
	userIDs map[string]string
}

// NewClient returns a client paced at perMinute requests (0 disables pacing).
func NewClient(doer Doer, st store.Store, baseURL string, perMinute int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{Doer: doer, BaseURL: strings.TrimRight(baseURL, "/"), Store: st}
	if perMinute > 0 {
		c.Limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 10)
	}
	return c
}

// NormalizeLogin lowercases, trims and strips a leading '#'.
func NormalizeLogin(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#"))
}

type helixError struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// call performs one Helix request. body is JSON encoded when non-nil; out is
// decoded from a 2xx body when non-nil.
func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, body, out any) (err error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s body: %w", endpoint, err)
		}
	}
	u := c.BaseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "helix "+method+" "+endpoint, telemetry.HTTPAttrs(method, endpoint)...)
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	resp, err := c.Doer.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, r)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		telemetry.RecordHelix(method, 0, time.Since(start))
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.RecordHelix(method, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		apiErr := &APIError{Status: resp.StatusCode, Endpoint: endpoint}
		var he helixError
		if json.Unmarshal(raw, &he) == nil && he.Message != "" {
			apiErr.Message = he.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		telemetry.LoggerWithCorr(ctx).Debug("helix request failed", slog.String("component", "twitchapi"), slog.String("endpoint", endpoint), slog.Int("status", resp.StatusCode), slog.String("message", apiErr.Message))
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

type page[T any] struct {
	Data       []T `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// paginate follows the after cursor until the server stops returning one.
// Items collected before a failing page are returned with the error.
func paginate[T any](ctx context.Context, c *Client, endpoint string, query url.Values, pageSize int) ([]T, error) {
	var all []T
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if pageSize > 0 {
		q.Set("first", fmt.Sprintf("%d", pageSize))
	}
	for {
		var p page[T]
		if err := c.call(ctx, http.MethodGet, endpoint, q, nil, &p); err != nil {
			return all, err
		}
		all = append(all, p.Data...)
		if p.Pagination.Cursor == "" {
			return all, nil
		}
		q.Set("after", p.Pagination.Cursor)
	}
}

// moderatorID is the logged-in user's id, used as moderator_id and sender_id.
func (c *Client) moderatorID(ctx context.Context) (string, error) {
	id, err := c.Store.Get(ctx, store.KeyUserID)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", oauth.ErrNotAuthenticated
	}
	return id, nil
}

// channelQuery resolves channel and returns broadcaster_id + moderator_id parameters.
func (c *Client) channelQuery(ctx context.Context, channel string) (url.Values, error) {
	bid, err := c.GetUserID(ctx, channel)
	if err != nil {
		return nil, err
	}
	mid, err := c.moderatorID(ctx)
	if err != nil {
		return nil, err
	}
	return url.Values{"broadcaster_id": {bid}, "moderator_id": {mid}}, nil
}
