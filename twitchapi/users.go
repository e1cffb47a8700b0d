package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/onnwee/modtender/backend/store"
)

// User is a Helix user object.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
	OfflineImageURL string `json:"offline_image_url"`
}

// Stream is a live stream entry.
type Stream struct {
	UserID      string `json:"user_id"`
	UserLogin   string `json:"user_login"`
	Title       string `json:"title"`
	GameName    string `json:"game_name"`
	ViewerCount int    `json:"viewer_count"`
	StartedAt   string `json:"started_at"`
}

// ChannelStatus summarizes one watched channel.
type ChannelStatus struct {
	Login       string `json:"login"`
	UserID      string `json:"user_id,omitempty"`
	Live        bool   `json:"is_live"`
	Title       string `json:"title,omitempty"`
	ViewerCount int    `json:"viewer_count"`
	// ModCount is only known for the moderator's own channel.
	ModCount *int `json:"mod_count,omitempty"`
}

const batchSize = 100

// KnownBots are excluded from moderator counts.
var KnownBots = map[string]struct{}{
	"nightbot":          {},
	"moobot":            {},
	"streamelements":    {},
	"fossabot":          {},
	"deepbot":           {},
	"phantombot":        {},
	"streamlabs":        {},
	"stay_hydrated_bot": {},
	"commanderroot":     {},
	"wizebot":           {},
}

// GetUserID resolves a login to its user id, caching the answer per client.
func (c *Client) GetUserID(ctx context.Context, login string) (string, error) {
	login = NormalizeLogin(login)
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	c.mu.RLock()
	id, ok := c.userIDs[login]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}
	var body page[User]
	if err := c.call(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	c.cacheUserID(login, body.Data[0].ID)
	return body.Data[0].ID, nil
}

func (c *Client) cacheUserID(login, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userIDs == nil {
		c.userIDs = make(map[string]string)
	}
	c.userIDs[strings.ToLower(login)] = id
}

// GetUser returns the full user object for login.
func (c *Client) GetUser(ctx context.Context, login string) (*User, error) {
	login = NormalizeLogin(login)
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body page[User]
	if err := c.call(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	c.cacheUserID(body.Data[0].Login, body.Data[0].ID)
	return &body.Data[0], nil
}

// GetCurrentUser returns the owner of the access token.
func (c *Client) GetCurrentUser(ctx context.Context) (*User, error) {
	var body page[User]
	if err := c.call(ctx, http.MethodGet, "/users", nil, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, ErrUserNotFound
	}
	return &body.Data[0], nil
}

// EnsureAccessToken makes one authenticated probe so an expired token is
// refreshed before it is handed to the chat transport.
func (c *Client) EnsureAccessToken(ctx context.Context) error {
	id, err := c.moderatorID(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodGet, "/users", url.Values{"id": {id}}, nil, nil)
}

// dedupeLogins normalizes and deduplicates logins, preserving order.
func dedupeLogins(logins []string) []string {
	seen := make(map[string]struct{}, len(logins))
	out := make([]string, 0, len(logins))
	for _, l := range logins {
		l = NormalizeLogin(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func chunks(items []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// GetUsersByLogin looks logins up in batches of 100 and returns them keyed by lowercase login.
func (c *Client) GetUsersByLogin(ctx context.Context, logins []string) (map[string]User, error) {
	out := make(map[string]User)
	for _, chunk := range chunks(dedupeLogins(logins), batchSize) {
		var body page[User]
		if err := c.call(ctx, http.MethodGet, "/users", url.Values{"login": chunk}, nil, &body); err != nil {
			return out, err
		}
		for _, u := range body.Data {
			out[strings.ToLower(u.Login)] = u
			c.cacheUserID(u.Login, u.ID)
		}
	}
	return out, nil
}

// GetStreamsByUserID returns live streams keyed by user id, in batches of 100.
func (c *Client) GetStreamsByUserID(ctx context.Context, ids []string) (map[string]Stream, error) {
	out := make(map[string]Stream)
	seen := make(map[string]struct{}, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	for _, chunk := range chunks(uniq, batchSize) {
		var body page[Stream]
		if err := c.call(ctx, http.MethodGet, "/streams", url.Values{"user_id": chunk}, nil, &body); err != nil {
			return out, err
		}
		for _, s := range body.Data {
			out[s.UserID] = s
		}
	}
	return out, nil
}

// GetChannelsLiveStatus reports live state per login, in input order. The
// moderator count (known bots excluded) is only filled for the own channel.
func (c *Client) GetChannelsLiveStatus(ctx context.Context, logins []string) ([]ChannelStatus, error) {
	lower := dedupeLogins(logins)
	if len(lower) == 0 {
		return nil, nil
	}
	users, err := c.GetUsersByLogin(ctx, lower)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	streams, err := c.GetStreamsByUserID(ctx, ids)
	if err != nil {
		return nil, err
	}
	self, _ := c.Store.Get(ctx, store.KeyUserID)

	out := make([]ChannelStatus, 0, len(lower))
	for _, login := range lower {
		u, ok := users[login]
		if !ok {
			out = append(out, ChannelStatus{Login: login})
			continue
		}
		st := ChannelStatus{Login: login, UserID: u.ID}
		if s, live := streams[u.ID]; live {
			st.Live = true
			st.Title = s.Title
			st.ViewerCount = s.ViewerCount
		}
		if self != "" && u.ID == self {
			if mods, err := c.GetModerators(ctx, u.ID); err == nil {
				n := 0
				for _, m := range mods {
					if _, bot := KnownBots[strings.ToLower(m.UserLogin)]; !bot {
						n++
					}
				}
				st.ModCount = &n
			}
		}
		out = append(out, st)
	}
	return out, nil
}
