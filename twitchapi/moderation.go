package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// DefaultTimeoutSeconds is used when Timeout is called with a non-positive duration.
const DefaultTimeoutSeconds = 600

// Moderator is an entry of moderation/moderators.
type Moderator struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
}

// ModeratedChannel is an entry of moderation/channels.
type ModeratedChannel struct {
	BroadcasterID    string `json:"broadcaster_id"`
	BroadcasterLogin string `json:"broadcaster_login"`
	BroadcasterName  string `json:"broadcaster_name"`
}

type banData struct {
	UserID   string `json:"user_id"`
	Reason   string `json:"reason"`
	Duration int    `json:"duration,omitempty"`
}

// Ban permanently bans login in channel.
func (c *Client) Ban(ctx context.Context, channel, login, reason string) error {
	return c.ban(ctx, channel, login, 0, reason)
}

// Timeout suspends login for seconds (600 when seconds <= 0).
func (c *Client) Timeout(ctx context.Context, channel, login string, seconds int, reason string) error {
	if seconds <= 0 {
		seconds = DefaultTimeoutSeconds
	}
	return c.ban(ctx, channel, login, seconds, reason)
}

func (c *Client) ban(ctx context.Context, channel, login string, seconds int, reason string) error {
	q, err := c.channelQuery(ctx, channel)
	if err != nil {
		return err
	}
	uid, err := c.GetUserID(ctx, login)
	if err != nil {
		return err
	}
	body := map[string]banData{"data": {UserID: uid, Reason: reason, Duration: seconds}}
	return c.call(ctx, http.MethodPost, "/moderation/bans", q, body, nil)
}

// Unban lifts a ban or timeout.
func (c *Client) Unban(ctx context.Context, channel, login string) error {
	q, err := c.channelQuery(ctx, channel)
	if err != nil {
		return err
	}
	uid, err := c.GetUserID(ctx, login)
	if err != nil {
		return err
	}
	q.Set("user_id", uid)
	return c.call(ctx, http.MethodDelete, "/moderation/bans", q, nil, nil)
}

// DeleteMessage removes a single message by its platform id.
func (c *Client) DeleteMessage(ctx context.Context, channel, msgID string) error {
	if msgID == "" {
		return fmt.Errorf("%w: message id required", ErrCommandRejected)
	}
	q, err := c.channelQuery(ctx, channel)
	if err != nil {
		return err
	}
	q.Set("message_id", msgID)
	return c.call(ctx, http.MethodDelete, "/moderation/chat", q, nil, nil)
}

// ClearChat removes every message in channel.
func (c *Client) ClearChat(ctx context.Context, channel string) error {
	q, err := c.channelQuery(ctx, channel)
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodDelete, "/moderation/chat", q, nil, nil)
}

// GetModerators lists the moderators of a channel the user owns.
func (c *Client) GetModerators(ctx context.Context, broadcasterID string) ([]Moderator, error) {
	return paginate[Moderator](ctx, c, "/moderation/moderators", url.Values{"broadcaster_id": {broadcasterID}}, 100)
}

// GetModeratedChannels lists channels the user moderates.
func (c *Client) GetModeratedChannels(ctx context.Context) ([]ModeratedChannel, error) {
	mid, err := c.moderatorID(ctx)
	if err != nil {
		return nil, err
	}
	return paginate[ModeratedChannel](ctx, c, "/moderation/channels", url.Values{"user_id": {mid}}, 100)
}
