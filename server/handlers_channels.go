package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/store"
)

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func channelParam(r *http.Request) (string, error) {
	ch := chat.NormalizeChannel(r.PathValue("channel"))
	if ch == "" {
		return "", fmt.Errorf("%w: channel required", errBadRequest)
	}
	return ch, nil
}

// HandleChannelsList returns the open and joined channel sets.
func (h *Handlers) HandleChannelsList(w http.ResponseWriter, r *http.Request) {
	resp := map[string][]string{"open": h.deps.Engine.Channels(), "joined": {}}
	if h.deps.Chat != nil {
		resp["joined"] = h.deps.Chat.Joined()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleChannelsReplace persists a new channel list and syncs the open and joined sets to it.
func (h *Handlers) HandleChannelsReplace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channels []string `json:"channels"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	var channels []string
	seen := map[string]bool{}
	for _, c := range body.Channels {
		if ch := chat.NormalizeChannel(c); ch != "" && !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}
	if h.deps.Store != nil {
		if err := store.SetList(r.Context(), h.deps.Store, store.KeyChannels, channels); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := h.deps.Moderation.SyncChannels(r.Context(), channels); err != nil {
		writeError(w, r, err)
		return
	}
	h.HandleChannelsList(w, r)
}

// HandleChannelOpen opens one channel without touching the persisted list.
func (h *Handlers) HandleChannelOpen(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err == nil {
		err = h.deps.Moderation.OpenChannel(r.Context(), ch)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleChannelClose parts a channel and drops its pane.
func (h *Handlers) HandleChannelClose(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err == nil {
		err = h.deps.Moderation.CloseChannel(ch)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages returns a channel's pane. ?limit=N keeps the newest N displayed messages.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := h.deps.Engine.Pane(r.PathValue("channel"))
	if !ok {
		http.Error(w, "channel not open", http.StatusNotFound)
		return
	}
	if n := parseIntQuery(r, "limit", 0); n > 0 && len(p.Messages) > n {
		p.Messages = p.Messages[len(p.Messages)-n:]
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleModes returns a channel's canonical chat modes.
func (h *Handlers) HandleModes(w http.ResponseWriter, r *http.Request) {
	m, ok := h.deps.Engine.Modes(r.PathValue("channel"))
	if !ok {
		http.Error(w, "channel not open", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleChatters returns recent chatters, most recent first.
func (h *Handlers) HandleChatters(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Engine.HasChannel(r.PathValue("channel")) {
		http.Error(w, "channel not open", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.ActiveChatters(r.PathValue("channel")))
}

// HandleUserHistory returns the cross-channel history of one user.
func (h *Handlers) HandleUserHistory(w http.ResponseWriter, r *http.Request) {
	hist, ok := h.deps.Engine.History(r.PathValue("login"))
	if !ok {
		http.Error(w, "no history for user", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}
