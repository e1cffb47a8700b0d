package reconcile

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/telemetry"
)

const clearedNotice = "Chat was cleared by a moderator"

// pendingTTL bounds how long a sent message waits for its echo.
const pendingTTL = 2 * time.Minute

// EnqueuePending records a message confirmed by Helix so its transport echo
// can adopt msgID.
func (e *Engine) EnqueuePending(channel, text, msgID string) {
	ch := chat.NormalizeChannel(channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.panes[ch]; !ok {
		return
	}
	e.expirePending(ch)
	e.pending[ch] = append(e.pending[ch], PendingSelfMessage{Text: strings.TrimSpace(text), MsgID: msgID, CreatedAt: e.cfg.Now()})
	telemetry.SetPendingSelfMessages(e.pendingTotal())
}

// expirePending drops entries older than pendingTTL. Caller holds e.mu.
func (e *Engine) expirePending(ch string) {
	q := e.pending[ch]
	cutoff := e.cfg.Now().Add(-pendingTTL)
	n := 0
	for n < len(q) && q[n].CreatedAt.Before(cutoff) {
		n++
	}
	if n == 0 {
		return
	}
	e.log.Debug("expired pending self messages", slog.String("channel", ch), slog.Int("count", n))
	e.setPending(ch, q[n:])
}

func (e *Engine) setPending(ch string, q []PendingSelfMessage) {
	if len(q) == 0 {
		delete(e.pending, ch)
	} else {
		e.pending[ch] = q
	}
	telemetry.SetPendingSelfMessages(e.pendingTotal())
}

// settlePending consumes the entry an id-carrying self echo answers: the one
// with the same MsgID, else a head with the same text. Caller holds e.mu.
func (e *Engine) settlePending(ch, msgID, text string) {
	e.expirePending(ch)
	q := e.pending[ch]
	for i, p := range q {
		if p.MsgID == msgID {
			e.setPending(ch, append(q[:i:i], q[i+1:]...))
			return
		}
	}
	if len(q) > 0 && q[0].Text == strings.TrimSpace(text) {
		e.setPending(ch, q[1:])
	}
}

// resolvePending pops the head of the channel queue and returns its id when
// the text matches. A mismatched head goes back to the front. Caller holds e.mu.
func (e *Engine) resolvePending(ch, text string) string {
	e.expirePending(ch)
	q := e.pending[ch]
	if len(q) == 0 {
		e.log.Debug("self message without id and nothing pending", slog.String("channel", ch))
		return ""
	}
	head := q[0]
	if head.Text != strings.TrimSpace(text) {
		telemetry.IncSelfEchoMismatch()
		e.log.Warn("self message does not match pending head", slog.String("channel", ch), slog.String("pending", head.Text), slog.String("incoming", text))
		return ""
	}
	e.setPending(ch, q[1:])
	return head.MsgID
}

// AddMessage applies a chat line to the pane, the author's history and the
// channel presence. Lines for channels that are not open are dropped.
func (e *Engine) AddMessage(ev chat.MessageEvent) (ChatMessage, bool) {
	ch := chat.NormalizeChannel(ev.Channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.panes[ch]
	if !ok {
		return ChatMessage{}, false
	}
	msgID := ev.MsgID
	switch {
	case ev.Self && msgID == "":
		msgID = e.resolvePending(ch, ev.Text)
	case ev.Self:
		e.settlePending(ch, msgID, ev.Text)
	}
	login := strings.ToLower(ev.UserLogin)
	display := ev.DisplayName
	if display == "" {
		display = ev.UserLogin
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = e.cfg.Now()
	}
	m := &ChatMessage{
		ID:          uuid.NewString(),
		MsgID:       msgID,
		Channel:     ch,
		UserID:      ev.UserID,
		UserLogin:   login,
		DisplayName: display,
		Text:        ev.Text,
		Color:       ev.Color,
		Badges:      badgeNames(ev.Badges),
		Emotes:      ev.Emotes,
		Action:      ev.Action,
		Self:        ev.Self,
		Timestamp:   ts,
	}
	if self := e.cfg.SelfLogin; self != "" {
		m.MentionsSelf = strings.Contains(strings.ToLower(ev.Text), "@"+self)
	}
	e.appendToPane(p, m)

	if login != "" {
		now := e.cfg.Now()
		h, ok := e.users[login]
		if !ok {
			h = &history{login: login}
			e.users[login] = h
		}
		h.displayName = display
		if m.Color != "" {
			h.color = m.Color
		}
		h.badges = m.Badges
		h.lastSeen = now
		h.messages = tail(append(h.messages, m), e.cfg.HistoryCap)
		e.touchChatter(ch, m, now)
	}
	return *m, true
}

// appendToPane adds m to whichever buffer is active. Caller holds e.mu.
func (e *Engine) appendToPane(p *pane, m *ChatMessage) {
	if p.paused {
		p.buffer = tail(append(p.buffer, m), e.cfg.Retention)
		return
	}
	p.messages = tail(append(p.messages, m), e.cfg.Retention)
}

func badgeNames(b map[string]int) []string {
	if len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MarkMessageDeleted marks the message with platform id msgID as deleted in
// the pane, the paused buffer and the author's history. It returns the number
// of messages newly marked; repeating it changes nothing.
func (e *Engine) MarkMessageDeleted(channel, msgID string) (int, error) {
	if msgID == "" {
		return 0, ErrNoMessageID
	}
	ch := chat.NormalizeChannel(channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.panes[ch]
	if !ok {
		return 0, nil
	}
	match := func(m *ChatMessage) bool { return m.MsgID == msgID }
	n := markDeleted(p.messages, match) + markDeleted(p.buffer, match)
	for _, h := range e.users {
		n += markDeleted(h.messages, func(m *ChatMessage) bool { return m.Channel == ch && m.MsgID == msgID })
	}
	return n, nil
}

// MarkUserDeleted marks every message by the user in channel as deleted. The
// user is matched by id when given, otherwise by login.
func (e *Engine) MarkUserDeleted(channel, login, userID string) int {
	ch := chat.NormalizeChannel(channel)
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" && userID == "" {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.panes[ch]
	if !ok {
		return 0
	}
	match := func(m *ChatMessage) bool {
		if m.System {
			return false
		}
		if userID != "" && m.UserID == userID {
			return true
		}
		return login != "" && m.UserLogin == login
	}
	n := markDeleted(p.messages, match) + markDeleted(p.buffer, match)
	if login == "" {
		for l, h := range e.users {
			for _, m := range h.messages {
				if m.UserID == userID {
					login = l
					break
				}
			}
			if login != "" {
				break
			}
		}
	}
	if h, ok := e.users[login]; ok {
		n += markDeleted(h.messages, func(m *ChatMessage) bool { return m.Channel == ch })
	}
	return n
}

func markDeleted(msgs []*ChatMessage, match func(*ChatMessage) bool) int {
	n := 0
	for _, m := range msgs {
		if !m.Deleted && match(m) {
			m.Deleted = true
			n++
		}
	}
	return n
}

// ClearChannel marks every message of the pane as cleared and appends a
// system line. Messages stay in place.
func (e *Engine) ClearChannel(channel string) {
	ch := chat.NormalizeChannel(channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.panes[ch]
	if !ok {
		return
	}
	for _, list := range [][]*ChatMessage{p.messages, p.buffer} {
		for _, m := range list {
			if !m.System {
				m.Cleared = true
			}
		}
	}
	p.messages = tail(append(p.messages, e.systemMessage(ch, clearedNotice)), e.cfg.Retention)
}

// AppendNotice adds a server notice to the pane as a system line.
func (e *Engine) AppendNotice(channel, text string) {
	ch := chat.NormalizeChannel(channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.panes[ch]; ok {
		e.appendToPane(p, e.systemMessage(ch, text))
	}
}

func (e *Engine) systemMessage(ch, text string) *ChatMessage {
	return &ChatMessage{ID: uuid.NewString(), Channel: ch, Text: text, System: true, Timestamp: e.cfg.Now()}
}

// SetPaused pauses or resumes a pane. Resuming appends the buffer to the
// displayed messages, keeps the newest Retention entries and empties the buffer.
func (e *Engine) SetPaused(channel string, paused bool) {
	ch := chat.NormalizeChannel(channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.panes[ch]
	if !ok || p.paused == paused {
		return
	}
	p.paused = paused
	if paused {
		return
	}
	p.messages = tail(append(p.messages, p.buffer...), e.cfg.Retention)
	p.buffer = nil
}

// ClearPane empties both buffers of a pane locally. Histories are untouched.
func (e *Engine) ClearPane(channel string) {
	ch := chat.NormalizeChannel(channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.panes[ch]; ok {
		p.messages = nil
		p.buffer = nil
	}
}
