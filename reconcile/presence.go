package reconcile

import (
	"sort"
	"time"

	"github.com/onnwee/modtender/backend/chat"
)

// ActiveChatter is someone who spoke in a channel recently.
type ActiveChatter struct {
	Key         string    `json:"key"`
	UserID      string    `json:"user_id,omitempty"`
	Login       string    `json:"login"`
	DisplayName string    `json:"display_name"`
	Color       string    `json:"color,omitempty"`
	Badges      []string  `json:"badges,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// touchChatter records m's author as active. Caller holds e.mu.
func (e *Engine) touchChatter(ch string, m *ChatMessage, now time.Time) {
	key := m.UserID
	if key == "" {
		key = m.UserLogin
	}
	set, ok := e.chatters[ch]
	if !ok {
		set = make(map[string]*ActiveChatter)
		e.chatters[ch] = set
	}
	set[key] = &ActiveChatter{
		Key:         key,
		UserID:      m.UserID,
		Login:       m.UserLogin,
		DisplayName: m.DisplayName,
		Color:       m.Color,
		Badges:      m.Badges,
		LastSeen:    now,
	}
}

// ActiveChatters lists channel's chatters, most recent first.
func (e *Engine) ActiveChatters(channel string) []ActiveChatter {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.chatters[chat.NormalizeChannel(channel)]
	out := make([]ActiveChatter, 0, len(set))
	for _, c := range set {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Login < out[j].Login
	})
	return out
}

// SweepChatters drops chatters idle for longer than the TTL and returns how many went.
func (e *Engine) SweepChatters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.cfg.Now()
	removed := 0
	for ch, set := range e.chatters {
		for key, c := range set {
			if now.Sub(c.LastSeen) >= e.cfg.ChatterTTL {
				delete(set, key)
				removed++
			}
		}
		if len(set) == 0 {
			delete(e.chatters, ch)
		}
	}
	return removed
}
