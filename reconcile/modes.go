package reconcile

import (
	"log/slog"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/telemetry"
)

// RoomModes is the chat mode state of a channel.
type RoomModes struct {
	Slow        bool `json:"slow"`
	SlowSeconds int  `json:"slow_seconds"`
	EmoteOnly   bool `json:"emote_only"`

	FollowersOnly bool `json:"followers_only"`
	// FollowersMinutes is -1 when followers-only mode is off.
	FollowersMinutes int  `json:"followers_minutes"`
	SubsOnly         bool `json:"subs_only"`
	UniqueOnly       bool `json:"unique_only"`
	// Shield is only ever set from Helix results.
	Shield bool `json:"shield"`
}

// ModesPatch lists mode fields to overwrite; nil fields are kept.
type ModesPatch struct {
	SlowSeconds      *int
	EmoteOnly        *bool
	FollowersMinutes *int
	SubsOnly         *bool
	UniqueOnly       *bool
	Shield           *bool
}

func (m *RoomModes) apply(p ModesPatch) {
	if p.SlowSeconds != nil {
		m.SlowSeconds = max(*p.SlowSeconds, 0)
		m.Slow = m.SlowSeconds > 0
	}
	if p.EmoteOnly != nil {
		m.EmoteOnly = *p.EmoteOnly
	}
	if p.FollowersMinutes != nil {
		m.FollowersMinutes = *p.FollowersMinutes
		m.FollowersOnly = m.FollowersMinutes >= 0
		if !m.FollowersOnly {
			m.FollowersMinutes = -1
		}
	}
	if p.SubsOnly != nil {
		m.SubsOnly = *p.SubsOnly
	}
	if p.UniqueOnly != nil {
		m.UniqueOnly = *p.UniqueOnly
	}
	if p.Shield != nil {
		m.Shield = *p.Shield
	}
}

// ModeChangeState tracks a local mode toggle.
type ModeChangeState int

const (
	ModeChangePending ModeChangeState = iota
	ModeChangeConfirmed
	ModeChangeRejected
)

func (s ModeChangeState) String() string {
	switch s {
	case ModeChangeConfirmed:
		return "confirmed"
	case ModeChangeRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// ModeChange is a handle for a toggle issued to Helix. Canonical modes are
// only changed by Confirm.
type ModeChange struct {
	e       *Engine
	channel string
	state   ModeChangeState
}

// Channel returns the normalized channel of the change.
func (mc *ModeChange) Channel() string { return mc.channel }

// State returns the phase of the change.
func (mc *ModeChange) State() ModeChangeState {
	mc.e.mu.Lock()
	defer mc.e.mu.Unlock()
	return mc.state
}

// BeginModeChange stamps the channel's debounce window and returns a pending change.
func (e *Engine) BeginModeChange(channel string) *ModeChange {
	ch := chat.NormalizeChannel(channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modeStamp[ch] = e.cfg.Now()
	e.modeInFlight[ch]++
	return &ModeChange{e: e, channel: ch}
}

// Confirm applies the values Helix reported. It is a no-op once the change
// is settled or the channel was closed.
func (mc *ModeChange) Confirm(p ModesPatch) bool {
	e := mc.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if mc.state != ModeChangePending {
		return false
	}
	mc.state = ModeChangeConfirmed
	e.settle(mc.channel)
	m, ok := e.modes[mc.channel]
	if !ok {
		return false
	}
	m.apply(p)
	return true
}

// Reject settles the change without touching the canonical modes.
func (mc *ModeChange) Reject(err error) {
	e := mc.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if mc.state != ModeChangePending {
		return
	}
	mc.state = ModeChangeRejected
	e.settle(mc.channel)
	e.log.Info("mode change rejected", slog.String("channel", mc.channel), slog.Any("err", err))
}

// settle drops one in-flight count. Caller holds e.mu.
func (e *Engine) settle(ch string) {
	if n := e.modeInFlight[ch]; n > 1 {
		e.modeInFlight[ch] = n - 1
	} else {
		delete(e.modeInFlight, ch)
	}
}

// ModeChangeActive reports whether channel is inside its debounce window.
func (e *Engine) ModeChangeActive(channel string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.windowActive(chat.NormalizeChannel(channel))
}

// ModeChangesInFlight is the number of unsettled toggles for channel.
func (e *Engine) ModeChangesInFlight(channel string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modeInFlight[chat.NormalizeChannel(channel)]
}

func (e *Engine) windowActive(ch string) bool {
	t, ok := e.modeStamp[ch]
	if !ok {
		return false
	}
	return e.cfg.Now().Sub(t) < e.cfg.ModeDebounce
}

// ApplyRoomState merges a transport snapshot. Inside the debounce window the
// snapshot is suppressed; outside it only the fields present are applied.
// Shield is never taken from the transport.
func (e *Engine) ApplyRoomState(ev chat.RoomStateEvent) bool {
	ch := chat.NormalizeChannel(ev.Channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.modes[ch]
	if !ok {
		return false
	}
	if e.windowActive(ch) {
		telemetry.IncRoomStateSuppressed()
		e.log.Debug("room state suppressed inside debounce window", slog.String("channel", ch))
		return false
	}
	m.apply(ModesPatch{
		SlowSeconds:      ev.SlowSeconds,
		EmoteOnly:        ev.EmoteOnly,
		FollowersMinutes: ev.FollowersMinutes,
		SubsOnly:         ev.SubsOnly,
		UniqueOnly:       ev.UniqueOnly,
	})
	return true
}

// ApplySettings merges an authoritative Helix snapshot. It is skipped while
// the debounce window is active.
func (e *Engine) ApplySettings(channel string, p ModesPatch) bool {
	ch := chat.NormalizeChannel(channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.modes[ch]
	if !ok || e.windowActive(ch) {
		return false
	}
	m.apply(p)
	return true
}

// Modes returns a copy of channel's modes.
func (e *Engine) Modes(channel string) (RoomModes, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.modes[chat.NormalizeChannel(channel)]
	if !ok {
		return RoomModes{}, false
	}
	return *m, true
}
