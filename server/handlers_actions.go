package server

import (
	"fmt"
	"net/http"
)

// HandleSendMessage posts a chat line as the logged-in user.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	ch, err := channelParam(r)
	if err == nil {
		err = decodeBody(w, r, &body)
	}
	if err == nil {
		err = h.deps.Moderation.SendMessage(r.Context(), ch, body.Text)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleDeleteMessage deletes one message by its platform id.
func (h *Handlers) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err == nil {
		err = h.deps.Moderation.DeleteMessage(r.Context(), ch, r.PathValue("id"))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearChat clears the whole channel.
func (h *Handlers) HandleClearChat(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err == nil {
		err = h.deps.Moderation.ClearChat(r.Context(), ch)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAnnounce posts an announcement. Color defaults to primary.
func (h *Handlers) HandleAnnounce(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
		Color   string `json:"color"`
	}
	ch, err := channelParam(r)
	if err == nil {
		err = decodeBody(w, r, &body)
	}
	if err == nil && body.Message == "" {
		err = fmt.Errorf("%w: message required", errBadRequest)
	}
	if err == nil {
		err = h.deps.Moderation.Announce(r.Context(), ch, body.Message, body.Color)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePause pauses or resumes a pane's live view.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paused bool `json:"paused"`
	}
	ch, err := channelParam(r)
	if err == nil {
		err = decodeBody(w, r, &body)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !h.deps.Engine.HasChannel(ch) {
		http.Error(w, "channel not open", http.StatusNotFound)
		return
	}
	h.deps.Engine.SetPaused(ch, body.Paused)
	w.WriteHeader(http.StatusNoContent)
}

// HandleBan bans a user, or times them out when duration_seconds is positive.
func (h *Handlers) HandleBan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Login           string `json:"login"`
		Reason          string `json:"reason"`
		DurationSeconds int    `json:"duration_seconds"`
	}
	ch, err := channelParam(r)
	if err == nil {
		err = decodeBody(w, r, &body)
	}
	if err == nil && body.Login == "" {
		err = fmt.Errorf("%w: login required", errBadRequest)
	}
	if err == nil {
		if body.DurationSeconds > 0 {
			err = h.deps.Moderation.Timeout(r.Context(), ch, body.Login, body.DurationSeconds, body.Reason)
		} else {
			err = h.deps.Moderation.Ban(r.Context(), ch, body.Login, body.Reason)
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUnban lifts a ban or timeout.
func (h *Handlers) HandleUnban(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err == nil {
		err = h.deps.Moderation.Unban(r.Context(), ch, r.PathValue("login"))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUpdateModes toggles one chat mode. Value is the slow delay in seconds
// or the followers-only minimum age in minutes; other modes ignore it.
func (h *Handlers) HandleUpdateModes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode    string `json:"mode"`
		Enabled bool   `json:"enabled"`
		Value   int    `json:"value"`
	}
	ch, err := channelParam(r)
	if err == nil {
		err = decodeBody(w, r, &body)
	}
	if err == nil {
		svc, ctx := h.deps.Moderation, r.Context()
		switch body.Mode {
		case "slow":
			err = svc.SetSlowMode(ctx, ch, body.Enabled, body.Value)
		case "followers":
			err = svc.SetFollowersOnly(ctx, ch, body.Enabled, body.Value)
		case "emote":
			err = svc.SetEmoteOnly(ctx, ch, body.Enabled)
		case "subs":
			err = svc.SetSubsOnly(ctx, ch, body.Enabled)
		case "unique":
			err = svc.SetUniqueChat(ctx, ch, body.Enabled)
		case "shield":
			err = svc.SetShieldMode(ctx, ch, body.Enabled)
		default:
			err = fmt.Errorf("%w: unknown mode %q", errBadRequest, body.Mode)
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.HandleModes(w, r)
}
