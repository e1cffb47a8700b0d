package server

import (
	"errors"
	"net/http"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/reconcile"
)

// HandleHealthz is the liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once a token is stored and the chat transport is connected.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"credentials", func() error {
			if h.deps.Auth == nil || h.deps.Auth.State().AccessToken == "" {
				return errors.New("no access token stored")
			}
			return nil
		}},
		{"chat_transport", func() error {
			if h.deps.Chat == nil {
				return chat.ErrNotConnected
			}
			if st := h.deps.Chat.State(); st != chat.Connected {
				return errors.New("chat transport " + st.String())
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type channelSummary struct {
	Channel          string              `json:"channel"`
	Joined           bool                `json:"joined"`
	Paused           bool                `json:"paused"`
	Messages         int                 `json:"messages"`
	Buffered         int                 `json:"buffered"`
	PendingSelf      int                 `json:"pending_self_messages"`
	ActiveChatters   int                 `json:"active_chatters"`
	Modes            reconcile.RoomModes `json:"modes"`
	ModeChangeActive bool                `json:"mode_change_active"`
}

// HandleStatus summarizes auth, transport and per-channel state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"version": h.deps.Version}
	if h.deps.Auth != nil {
		st := h.deps.Auth.State()
		resp["authenticated"] = st.AccessToken != ""
		resp["auth_mode"] = string(st.AuthMode)
	}
	joined := map[string]bool{}
	if h.deps.Chat != nil {
		resp["transport"] = h.deps.Chat.State().String()
		if id := h.deps.Chat.Identity(); id.Login != "" {
			resp["login"] = id.Login
		}
		for _, ch := range h.deps.Chat.Joined() {
			joined[ch] = true
		}
	}
	channels := []channelSummary{}
	if eng := h.deps.Engine; eng != nil {
		for _, ch := range eng.Channels() {
			sum := channelSummary{
				Channel:          ch,
				Joined:           joined[ch],
				PendingSelf:      len(eng.Pending(ch)),
				ActiveChatters:   len(eng.ActiveChatters(ch)),
				ModeChangeActive: eng.ModeChangeActive(ch),
			}
			if p, ok := eng.Pane(ch); ok {
				sum.Paused = p.Paused
				sum.Messages = len(p.Messages)
				sum.Buffered = len(p.Buffer)
			}
			sum.Modes, _ = eng.Modes(ch)
			channels = append(channels, sum)
		}
	}
	resp["channels"] = channels
	writeJSON(w, http.StatusOK, resp)
}
