package chat

import (
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Event is one inbound chat transport event. The concrete types are
// MessageEvent, MessageDeletedEvent, UserClearedEvent, RoomStateEvent and NoticeEvent.
type Event interface {
	// ChannelName is the normalized channel the event belongs to.
	ChannelName() string
	isEvent()
}

// MessageEvent is a chat line. MsgID is empty for self-authored lines the
// server did not echo back with an id.
type MessageEvent struct {
	Channel     string
	MsgID       string
	UserID      string
	UserLogin   string
	DisplayName string
	Text        string
	Color       string
	Badges      map[string]int
	Emotes      []string
	Action      bool
	Self        bool
	Time        time.Time
}

// MessageDeletedEvent reports a single message removed by a moderator.
type MessageDeletedEvent struct {
	Channel   string
	MsgID     string
	UserLogin string
	Text      string
}

// UserClearedEvent is a CLEARCHAT. An empty TargetLogin means the whole
// channel was cleared; otherwise the target was banned, or timed out when
// BanDuration is set.
type UserClearedEvent struct {
	Channel      string
	TargetUserID string
	TargetLogin  string
	BanDuration  *time.Duration
}

// Full reports whether the event clears the whole channel.
func (e UserClearedEvent) Full() bool { return e.TargetLogin == "" }

// RoomStateEvent is a partial snapshot: nil fields were not sent.
type RoomStateEvent struct {
	Channel     string
	RoomID      string
	SlowSeconds *int
	EmoteOnly   *bool
	SubsOnly    *bool
	UniqueOnly  *bool
	// FollowersMinutes is -1 when followers-only mode is off.
	FollowersMinutes *int
}

// NoticeEvent is a server NOTICE addressed to a channel.
type NoticeEvent struct {
	Channel string
	MsgID   string
	Text    string
}

func (e MessageEvent) ChannelName() string        { return e.Channel }
func (e MessageDeletedEvent) ChannelName() string { return e.Channel }
func (e UserClearedEvent) ChannelName() string    { return e.Channel }
func (e RoomStateEvent) ChannelName() string      { return e.Channel }
func (e NoticeEvent) ChannelName() string         { return e.Channel }

func (MessageEvent) isEvent()        {}
func (MessageDeletedEvent) isEvent() {}
func (UserClearedEvent) isEvent()    {}
func (RoomStateEvent) isEvent()      {}
func (NoticeEvent) isEvent()         {}

// NormalizeChannel lowercases, trims and strips a leading '#'.
func NormalizeChannel(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#"))
}

func fromPrivateMessage(m twitch.PrivateMessage, self string) MessageEvent {
	ev := MessageEvent{
		Channel:     NormalizeChannel(m.Channel),
		MsgID:       m.ID,
		UserID:      m.User.ID,
		UserLogin:   strings.ToLower(m.User.Name),
		DisplayName: m.User.DisplayName,
		Text:        m.Message,
		Color:       m.User.Color,
		Badges:      m.User.Badges,
		Action:      m.Action,
		Time:        m.Time,
	}
	if ev.DisplayName == "" {
		ev.DisplayName = m.User.Name
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, e := range m.Emotes {
		ev.Emotes = append(ev.Emotes, e.Name)
	}
	ev.Self = self != "" && ev.UserLogin == self
	return ev
}

func fromClearMessage(m twitch.ClearMessage) MessageDeletedEvent {
	return MessageDeletedEvent{
		Channel:   NormalizeChannel(m.Channel),
		MsgID:     m.TargetMsgID,
		UserLogin: strings.ToLower(m.Login),
		Text:      m.Message,
	}
}

func fromClearChat(m twitch.ClearChatMessage) UserClearedEvent {
	ev := UserClearedEvent{
		Channel:      NormalizeChannel(m.Channel),
		TargetUserID: m.TargetUserID,
		TargetLogin:  strings.ToLower(m.TargetUsername),
	}
	if ev.TargetLogin != "" && m.BanDuration > 0 {
		d := time.Duration(m.BanDuration) * time.Second
		ev.BanDuration = &d
	}
	return ev
}

func fromRoomState(m twitch.RoomStateMessage) RoomStateEvent {
	ev := RoomStateEvent{Channel: NormalizeChannel(m.Channel), RoomID: m.RoomID}
	flag := func(key string) *bool {
		v, ok := m.State[key]
		if !ok {
			return nil
		}
		b := v != 0
		return &b
	}
	num := func(key string) *int {
		v, ok := m.State[key]
		if !ok {
			return nil
		}
		return &v
	}
	ev.EmoteOnly = flag("emote-only")
	ev.SubsOnly = flag("subs-only")
	ev.UniqueOnly = flag("r9k")
	ev.SlowSeconds = num("slow")
	ev.FollowersMinutes = num("followers-only")
	return ev
}

func fromNotice(m twitch.NoticeMessage) NoticeEvent {
	return NoticeEvent{Channel: NormalizeChannel(m.Channel), MsgID: m.MsgID, Text: m.Message}
}
