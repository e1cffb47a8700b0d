// Package reconcile keeps the canonical in-memory view of every watched
// channel: message panes, per-user histories, room modes and chatter
// presence. Chat transport events and confirmed Helix results are applied
// through Engine; each apply runs as one transaction under the engine lock so
// all derived views change together.
package reconcile

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/telemetry"
)

// ErrNoMessageID is returned when a message-level operation lacks a platform id.
var ErrNoMessageID = errors.New("message has no platform id")

// Defaults for Config.
const (
	DefaultRetention    = 300
	DefaultHistoryCap   = 500
	DefaultModeDebounce = 3 * time.Second
	DefaultChatterTTL   = 5 * time.Minute
)

// Config tunes an Engine. Zero fields take the defaults.
type Config struct {
	// Retention caps each pane buffer.
	Retention int
	// HistoryCap caps each user's history.
	HistoryCap   int
	ModeDebounce time.Duration
	ChatterTTL   time.Duration
	// SelfLogin is the logged-in user, used for mention detection.
	SelfLogin string
	Now       func() time.Time
}

// ChatMessage is one line in a pane. Pane buffers and user histories share
// the same instance, so marks set through either are visible in both.
type ChatMessage struct {
	// ID is local and never reused.
	ID string `json:"id"`
	// MsgID is the platform id; empty until known.
	MsgID        string    `json:"msg_id,omitempty"`
	Channel      string    `json:"channel"`
	UserID       string    `json:"user_id,omitempty"`
	UserLogin    string    `json:"user_login"`
	DisplayName  string    `json:"display_name"`
	Text         string    `json:"text"`
	Color        string    `json:"color,omitempty"`
	Badges       []string  `json:"badges,omitempty"`
	Emotes       []string  `json:"emotes,omitempty"`
	Action       bool      `json:"action,omitempty"`
	Self         bool      `json:"self"`
	Timestamp    time.Time `json:"timestamp"`
	Deleted      bool      `json:"deleted"`
	Cleared      bool      `json:"cleared"`
	MentionsSelf bool      `json:"mentions_self"`
	System       bool      `json:"system"`
}

// PendingSelfMessage is a message sent through Helix whose transport echo has
// not been seen yet.
type PendingSelfMessage struct {
	Text      string
	MsgID     string
	CreatedAt time.Time
}

// PaneView is a copy of a channel pane.
type PaneView struct {
	Channel  string        `json:"channel"`
	Paused   bool          `json:"paused"`
	Messages []ChatMessage `json:"messages"`
	Buffer   []ChatMessage `json:"buffer"`
}

// UserHistory is a copy of one user's cross-channel history.
type UserHistory struct {
	Login       string        `json:"login"`
	DisplayName string        `json:"display_name"`
	Color       string        `json:"color,omitempty"`
	Badges      []string      `json:"badges,omitempty"`
	LastSeen    time.Time     `json:"last_seen"`
	Messages    []ChatMessage `json:"messages"`
}

type pane struct {
	paused   bool
	messages []*ChatMessage
	buffer   []*ChatMessage
}

type history struct {
	login       string
	displayName string
	color       string
	badges      []string
	lastSeen    time.Time
	messages    []*ChatMessage
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	panes        map[string]*pane
	pending      map[string][]PendingSelfMessage
	users        map[string]*history
	modes        map[string]*RoomModes
	modeStamp    map[string]time.Time
	modeInFlight map[string]int
	chatters     map[string]map[string]*ActiveChatter
}

// New returns an empty engine.
func New(cfg Config) *Engine {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.ModeDebounce <= 0 {
		cfg.ModeDebounce = DefaultModeDebounce
	}
	if cfg.ChatterTTL <= 0 {
		cfg.ChatterTTL = DefaultChatterTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.SelfLogin = strings.ToLower(cfg.SelfLogin)
	return &Engine{
		cfg:          cfg,
		log:          slog.Default().With(slog.String("component", "reconcile")),
		panes:        make(map[string]*pane),
		pending:      make(map[string][]PendingSelfMessage),
		users:        make(map[string]*history),
		modes:        make(map[string]*RoomModes),
		modeStamp:    make(map[string]time.Time),
		modeInFlight: make(map[string]int),
		chatters:     make(map[string]map[string]*ActiveChatter),
	}
}

// SetSelfLogin changes the login used for mention and self detection.
func (e *Engine) SetSelfLogin(login string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.SelfLogin = strings.ToLower(strings.TrimSpace(login))
}

// OpenChannel creates the pane for channel. It returns false if it already existed.
func (e *Engine) OpenChannel(channel string) bool {
	ch := chat.NormalizeChannel(channel)
	if ch == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.panes[ch]; ok {
		return false
	}
	e.panes[ch] = &pane{}
	e.modes[ch] = &RoomModes{FollowersMinutes: -1}
	return true
}

// CloseChannel forgets the pane, pending queue, modes and presence of
// channel. Events and results that arrive later for it are discarded.
func (e *Engine) CloseChannel(channel string) {
	ch := chat.NormalizeChannel(channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.panes, ch)
	delete(e.pending, ch)
	delete(e.modes, ch)
	delete(e.modeStamp, ch)
	delete(e.modeInFlight, ch)
	delete(e.chatters, ch)
	telemetry.SetPendingSelfMessages(e.pendingTotal())
}

// Channels returns the open channels, sorted.
func (e *Engine) Channels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.panes))
	for ch := range e.panes {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// HasChannel reports whether channel is open.
func (e *Engine) HasChannel(channel string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.panes[chat.NormalizeChannel(channel)]
	return ok
}

// Apply routes one transport event to its transaction. It matches chat.Handler.
func (e *Engine) Apply(ev chat.Event) {
	switch ev := ev.(type) {
	case chat.MessageEvent:
		e.AddMessage(ev)
	case chat.MessageDeletedEvent:
		if _, err := e.MarkMessageDeleted(ev.Channel, ev.MsgID); err != nil {
			e.log.Debug("delete event without id", slog.String("channel", ev.Channel))
		}
	case chat.UserClearedEvent:
		if ev.Full() {
			e.ClearChannel(ev.Channel)
			return
		}
		e.MarkUserDeleted(ev.Channel, ev.TargetLogin, ev.TargetUserID)
	case chat.RoomStateEvent:
		e.ApplyRoomState(ev)
	case chat.NoticeEvent:
		e.AppendNotice(ev.Channel, ev.Text)
	}
}

// Pane returns a copy of channel's pane.
func (e *Engine) Pane(channel string) (PaneView, bool) {
	ch := chat.NormalizeChannel(channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.panes[ch]
	if !ok {
		return PaneView{}, false
	}
	return PaneView{Channel: ch, Paused: p.paused, Messages: copyMessages(p.messages), Buffer: copyMessages(p.buffer)}, true
}

// History returns a copy of login's history.
func (e *Engine) History(login string) (UserHistory, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.users[strings.ToLower(strings.TrimSpace(login))]
	if !ok {
		return UserHistory{}, false
	}
	return UserHistory{
		Login:       h.login,
		DisplayName: h.displayName,
		Color:       h.color,
		Badges:      append([]string(nil), h.badges...),
		LastSeen:    h.lastSeen,
		Messages:    copyMessages(h.messages),
	}, true
}

// Pending returns a copy of channel's pending self-message queue.
func (e *Engine) Pending(channel string) []PendingSelfMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]PendingSelfMessage(nil), e.pending[chat.NormalizeChannel(channel)]...)
}

func copyMessages(in []*ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(in))
	for i, m := range in {
		out[i] = *m
	}
	return out
}

// tail keeps the last n items.
func tail(in []*ChatMessage, n int) []*ChatMessage {
	if len(in) <= n {
		return in
	}
	out := make([]*ChatMessage, n)
	copy(out, in[len(in)-n:])
	return out
}

func (e *Engine) pendingTotal() int {
	n := 0
	for _, q := range e.pending {
		n += len(q)
	}
	return n
}
