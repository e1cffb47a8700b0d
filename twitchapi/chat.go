package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// SendResult is the outcome of chat/messages.
type SendResult struct {
	MessageID  string
	IsSent     bool
	DropReason string
}

// Chatter is an entry of chat/chatters.
type Chatter struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
}

// ChattersResult carries the chatter list plus the moderator ids, which are
// only readable on the user's own channel.
type ChattersResult struct {
	BroadcasterID string
	ModeratorIDs  []string
	Chatters      []Chatter
}

// FollowedChannel is an entry of channels/followed.
type FollowedChannel struct {
	BroadcasterID    string `json:"broadcaster_id"`
	BroadcasterLogin string `json:"broadcaster_login"`
	BroadcasterName  string `json:"broadcaster_name"`
	FollowedAt       string `json:"followed_at"`
}

// ChatSettings mirrors chat/settings.
type ChatSettings struct {
	SlowMode             bool `json:"slow_mode"`
	SlowModeWaitTime     *int `json:"slow_mode_wait_time"`
	FollowerMode         bool `json:"follower_mode"`
	FollowerModeDuration *int `json:"follower_mode_duration"`
	SubscriberMode       bool `json:"subscriber_mode"`
	EmoteMode            bool `json:"emote_mode"`
	UniqueChatMode       bool `json:"unique_chat_mode"`
}

// ChatSettingsPatch lists the fields to change; nil fields are left alone.
type ChatSettingsPatch struct {
	SlowMode             *bool `json:"slow_mode,omitempty"`
	SlowModeWaitTime     *int  `json:"slow_mode_wait_time,omitempty"`
	FollowerMode         *bool `json:"follower_mode,omitempty"`
	FollowerModeDuration *int  `json:"follower_mode_duration,omitempty"`
	SubscriberMode       *bool `json:"subscriber_mode,omitempty"`
	EmoteMode            *bool `json:"emote_mode,omitempty"`
	UniqueChatMode       *bool `json:"unique_chat_mode,omitempty"`
}

// SendChatMessage posts text as the logged-in user.
func (c *Client) SendChatMessage(ctx context.Context, channel, text string) (SendResult, error) {
	bid, err := c.GetUserID(ctx, channel)
	if err != nil {
		return SendResult{}, err
	}
	sender, err := c.moderatorID(ctx)
	if err != nil {
		return SendResult{}, err
	}
	body := map[string]string{"broadcaster_id": bid, "sender_id": sender, "message": text}
	var out struct {
		Data []struct {
			MessageID  string `json:"message_id"`
			IsSent     bool   `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodPost, "/chat/messages", nil, body, &out); err != nil {
		return SendResult{}, err
	}
	if len(out.Data) == 0 {
		return SendResult{}, nil
	}
	d := out.Data[0]
	res := SendResult{MessageID: d.MessageID, IsSent: d.IsSent}
	if d.DropReason != nil {
		res.DropReason = d.DropReason.Message
	}
	return res, nil
}

// SendAnnouncement posts a highlighted announcement. An empty color means "primary".
func (c *Client) SendAnnouncement(ctx context.Context, channel, message, color string) error {
	q, err := c.channelQuery(ctx, channel)
	if err != nil {
		return err
	}
	if color == "" {
		color = "primary"
	}
	return c.call(ctx, http.MethodPost, "/chat/announcements", q, map[string]string{"message": message, "color": color}, nil)
}

// GetChatSettings reads the channel's chat modes.
func (c *Client) GetChatSettings(ctx context.Context, channel string) (ChatSettings, error) {
	q, err := c.channelQuery(ctx, channel)
	if err != nil {
		return ChatSettings{}, err
	}
	var out page[ChatSettings]
	if err := c.call(ctx, http.MethodGet, "/chat/settings", q, nil, &out); err != nil {
		return ChatSettings{}, err
	}
	if len(out.Data) == 0 {
		return ChatSettings{}, nil
	}
	return out.Data[0], nil
}

// UpdateChatSettings applies patch and returns the resulting settings.
func (c *Client) UpdateChatSettings(ctx context.Context, channel string, patch ChatSettingsPatch) (ChatSettings, error) {
	q, err := c.channelQuery(ctx, channel)
	if err != nil {
		return ChatSettings{}, err
	}
	var out page[ChatSettings]
	if err := c.call(ctx, http.MethodPatch, "/chat/settings", q, patch, &out); err != nil {
		return ChatSettings{}, err
	}
	if len(out.Data) == 0 {
		return ChatSettings{}, nil
	}
	return out.Data[0], nil
}

type shieldStatus struct {
	IsActive bool `json:"is_active"`
}

// GetShieldMode reports whether shield mode is active.
func (c *Client) GetShieldMode(ctx context.Context, channel string) (bool, error) {
	q, err := c.channelQuery(ctx, channel)
	if err != nil {
		return false, err
	}
	var out page[shieldStatus]
	if err := c.call(ctx, http.MethodGet, "/moderation/shield_mode", q, nil, &out); err != nil {
		return false, err
	}
	if len(out.Data) == 0 {
		return false, nil
	}
	return out.Data[0].IsActive, nil
}

// SetShieldMode toggles shield mode and returns the confirmed state.
func (c *Client) SetShieldMode(ctx context.Context, channel string, active bool) (bool, error) {
	q, err := c.channelQuery(ctx, channel)
	if err != nil {
		return false, err
	}
	var out page[shieldStatus]
	if err := c.call(ctx, http.MethodPut, "/moderation/shield_mode", q, shieldStatus{IsActive: active}, &out); err != nil {
		return false, err
	}
	if len(out.Data) == 0 {
		return active, nil
	}
	return out.Data[0].IsActive, nil
}

// GetChatters lists everyone connected to channel. Moderator ids are filled
// only when the channel belongs to the user; failure to read them is ignored.
func (c *Client) GetChatters(ctx context.Context, channel string) (ChattersResult, error) {
	q, err := c.channelQuery(ctx, channel)
	if err != nil {
		return ChattersResult{}, err
	}
	res := ChattersResult{BroadcasterID: q.Get("broadcaster_id")}
	if res.BroadcasterID == q.Get("moderator_id") {
		if mods, err := c.GetModerators(ctx, res.BroadcasterID); err == nil {
			for _, m := range mods {
				res.ModeratorIDs = append(res.ModeratorIDs, m.UserID)
			}
		}
	}
	res.Chatters, err = paginate[Chatter](ctx, c, "/chat/chatters", q, 1000)
	return res, err
}

// GetFollowedChannels lists channels the user follows.
func (c *Client) GetFollowedChannels(ctx context.Context) ([]FollowedChannel, error) {
	mid, err := c.moderatorID(ctx)
	if err != nil {
		return nil, err
	}
	return paginate[FollowedChannel](ctx, c, "/channels/followed", url.Values{"user_id": {mid}}, 100)
}

// IsRejected reports whether err is a 4xx answer from Helix.
func IsRejected(err error) bool { return errors.Is(err, ErrCommandRejected) }
