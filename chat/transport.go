package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/modtender/backend/telemetry"
)

// ErrNotConnected is returned by Join and Say while the transport is down.
var ErrNotConnected = errors.New("chat transport not connected")

// State is the connection state of the transport.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Identity is the account the transport logs in as.
type Identity struct {
	Login  string
	UserID string
}

// Handler receives transport events. It runs on the transport's read goroutine.
type Handler func(Event)

// ircClient is the subset of *twitch.Client the transport drives.
type ircClient interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	OnClearMessage(func(twitch.ClearMessage))
	OnClearChatMessage(func(twitch.ClearChatMessage))
	OnRoomStateMessage(func(twitch.RoomStateMessage))
	OnNoticeMessage(func(twitch.NoticeMessage))
	Join(channels ...string)
	Depart(channel string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

func newIRCClient(login, token string) ircClient {
	return twitch.NewClient(login, "oauth:"+strings.TrimPrefix(token, "oauth:"))
}

// deprecatedCommands no longer work over IRC; Helix replaced them.
var deprecatedCommands = map[string]struct{}{
	"ban": {}, "unban": {}, "timeout": {}, "untimeout": {}, "clear": {}, "delete": {},
	"slow": {}, "slowoff": {}, "followers": {}, "followersoff": {}, "subscribers": {},
	"subscribersoff": {}, "emoteonly": {}, "emoteonlyoff": {}, "uniquechat": {},
	"uniquechatoff": {}, "mod": {}, "unmod": {}, "vip": {}, "unvip": {}, "announce": {},
}

type subscriber struct {
	id int
	h  Handler
}

// Transport is one IRC connection with a tracked joined-set and ordered
// event fan-out.
type Transport struct {
	newClient func(login, token string) ircClient

	mu       sync.Mutex
	client   ircClient
	state    State
	identity Identity
	joined   map[string]struct{}
	subs     []subscriber
	nextSub  int
	done     chan struct{}
}

// NewTransport returns a disconnected transport backed by go-twitch-irc.
func NewTransport() *Transport {
	return &Transport{newClient: newIRCClient, joined: make(map[string]struct{})}
}

// State returns the connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Identity returns the identity of the current connection.
func (t *Transport) Identity() Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Joined returns the sorted joined-set.
func (t *Transport) Joined() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.joined))
	for ch := range t.joined {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// IsJoined reports whether channel is in the joined-set.
func (t *Transport) IsJoined(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.joined[NormalizeChannel(channel)]
	return ok
}

// Connect dials IRC and returns after the first successful connect, a
// connection failure, or ctx expiry. Automatic reconnects are handled by the
// IRC library; after each one the joined-set is re-joined.
func (t *Transport) Connect(ctx context.Context, id Identity, token string) error {
	id.Login = strings.ToLower(strings.TrimSpace(id.Login))
	if id.Login == "" || token == "" {
		return fmt.Errorf("chat connect: login and token required")
	}
	t.mu.Lock()
	if t.state != Disconnected {
		t.mu.Unlock()
		return fmt.Errorf("chat connect: already %s", t.state)
	}
	client := t.newClient(id.Login, token)
	t.client = client
	t.identity = id
	t.state = Connecting
	done := make(chan struct{})
	t.done = done
	t.mu.Unlock()

	connected := make(chan struct{}, 1)
	t.register(client, id.Login, connected)

	failed := make(chan error, 1)
	go func() {
		err := client.Connect()
		t.mu.Lock()
		if t.client == client {
			t.state = Disconnected
			t.client = nil
		}
		t.mu.Unlock()
		telemetry.SetTransportConnected(false)
		close(done)
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			slog.Warn("chat transport stopped", slog.String("component", "chat"), slog.Any("err", err))
		}
		failed <- err
	}()

	select {
	case <-connected:
		return nil
	case err := <-failed:
		if err == nil {
			err = errors.New("connection closed")
		}
		return fmt.Errorf("chat connect: %w", err)
	case <-ctx.Done():
		// Subscribers and the joined-set survive so a later Connect resumes delivery.
		t.teardown(false)
		return ctx.Err()
	}
}

func (t *Transport) register(client ircClient, self string, connected chan<- struct{}) {
	client.OnConnect(func() {
		t.mu.Lock()
		if t.client != client {
			t.mu.Unlock()
			return
		}
		t.state = Connected
		channels := make([]string, 0, len(t.joined))
		for ch := range t.joined {
			channels = append(channels, ch)
		}
		t.mu.Unlock()
		sort.Strings(channels)
		if len(channels) > 0 {
			client.Join(channels...)
		}
		telemetry.SetTransportConnected(true)
		slog.Info("chat transport connected", slog.String("component", "chat"), slog.String("login", self), slog.Int("rejoined", len(channels)))
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		t.dispatch(fromPrivateMessage(m, self))
	})
	client.OnClearMessage(func(m twitch.ClearMessage) {
		t.dispatch(fromClearMessage(m))
	})
	client.OnClearChatMessage(func(m twitch.ClearChatMessage) {
		t.dispatch(fromClearChat(m))
	})
	client.OnRoomStateMessage(func(m twitch.RoomStateMessage) {
		t.dispatch(fromRoomState(m))
	})
	client.OnNoticeMessage(func(m twitch.NoticeMessage) {
		if m.Channel == "" {
			slog.Debug("chat notice", slog.String("component", "chat"), slog.String("msg_id", m.MsgID), slog.String("text", m.Message))
			return
		}
		t.dispatch(fromNotice(m))
	})
}

// Join adds channel to the joined-set and sends JOIN. Joining twice is a no-op.
func (t *Transport) Join(channel string) error {
	ch := NormalizeChannel(channel)
	if ch == "" {
		return fmt.Errorf("join: channel empty")
	}
	t.mu.Lock()
	if t.state != Connected || t.client == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := t.joined[ch]; ok {
		t.mu.Unlock()
		return nil
	}
	t.joined[ch] = struct{}{}
	client := t.client
	n := len(t.joined)
	t.mu.Unlock()
	client.Join(ch)
	telemetry.SetJoinedChannels(n)
	slog.Info("joined chat channel", slog.String("component", "chat"), slog.String("channel", ch))
	return nil
}

// Part removes channel from the joined-set. It is a no-op when the channel
// is not joined or the transport is down.
func (t *Transport) Part(channel string) error {
	ch := NormalizeChannel(channel)
	t.mu.Lock()
	if _, ok := t.joined[ch]; !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.joined, ch)
	client := t.client
	connected := t.state == Connected
	n := len(t.joined)
	t.mu.Unlock()
	telemetry.SetJoinedChannels(n)
	if connected && client != nil {
		client.Depart(ch)
	}
	slog.Info("parted chat channel", slog.String("component", "chat"), slog.String("channel", ch))
	return nil
}

// Say sends text over IRC. It is the fallback when Helix cannot send. The
// server does not echo our own PRIVMSG, so a self message without an id is
// dispatched locally.
func (t *Transport) Say(channel, text string) error {
	ch := NormalizeChannel(channel)
	t.mu.Lock()
	client := t.client
	connected := t.state == Connected
	id := t.identity
	t.mu.Unlock()
	if !connected || client == nil {
		return ErrNotConnected
	}
	if cmd, ok := slashCommand(text); ok {
		slog.Warn("moderation command sent over IRC is no longer supported by Twitch", slog.String("component", "chat"), slog.String("command", cmd), slog.String("channel", ch))
	}
	client.Say(ch, text)
	t.dispatch(MessageEvent{
		Channel:     ch,
		UserID:      id.UserID,
		UserLogin:   id.Login,
		DisplayName: id.Login,
		Text:        text,
		Self:        true,
		Time:        time.Now(),
	})
	return nil
}

func slashCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") && !strings.HasPrefix(text, ".") {
		return "", false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", false
	}
	cmd := strings.ToLower(fields[0])
	_, ok := deprecatedCommands[cmd]
	return cmd, ok
}

// Subscribe registers h. Handlers are called in registration order. The
// returned func removes h.
func (t *Transport) Subscribe(h Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	id := t.nextSub
	t.subs = append(t.subs, subscriber{id: id, h: h})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

func (t *Transport) dispatch(ev Event) {
	t.mu.Lock()
	if _, ok := t.joined[ev.ChannelName()]; !ok {
		t.mu.Unlock()
		return
	}
	subs := make([]Handler, len(t.subs))
	for i, s := range t.subs {
		subs[i] = s.h
	}
	t.mu.Unlock()
	telemetry.RecordChatEvent(eventKind(ev))
	for _, h := range subs {
		h(ev)
	}
}

func eventKind(ev Event) string {
	switch ev.(type) {
	case MessageEvent:
		return "message"
	case MessageDeletedEvent:
		return "message_deleted"
	case UserClearedEvent:
		return "user_cleared"
	case RoomStateEvent:
		return "room_state"
	case NoticeEvent:
		return "notice"
	}
	return "unknown"
}

// Disconnect closes the connection and forgets the joined-set and subscribers.
func (t *Transport) Disconnect() {
	t.teardown(true)
}

// teardown closes the current client. With forget it also drops the
// joined-set and subscribers.
func (t *Transport) teardown(forget bool) {
	t.mu.Lock()
	client := t.client
	done := t.done
	t.client = nil
	t.state = Disconnected
	if forget {
		t.joined = make(map[string]struct{})
		t.subs = nil
	}
	t.mu.Unlock()
	if forget {
		telemetry.SetJoinedChannels(0)
	}
	telemetry.SetTransportConnected(false)
	if client == nil {
		return
	}
	if err := client.Disconnect(); err != nil {
		slog.Debug("chat disconnect", slog.String("component", "chat"), slog.Any("err", err))
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
}

// Wait blocks until the current connection's read loop has exited.
func (t *Transport) Wait(ctx context.Context) {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}
