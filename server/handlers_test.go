package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/oauth"
	"github.com/onnwee/modtender/backend/reconcile"
	"github.com/onnwee/modtender/backend/store"
	"github.com/onnwee/modtender/backend/twitchapi"
)

func openChannel(t *testing.T, env *testEnv, ch string) {
	t.Helper()
	if rr := env.do(t, http.MethodPost, "/channels/"+ch, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("open %s: %d %s", ch, rr.Code, rr.Body.String())
	}
}

func TestChannelsReplace(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPut, "/channels", `{"channels":["#Foo","foo","me"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got map[string][]string
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := map[string][]string{"open": {"foo", "me"}, "joined": {"foo", "me"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	saved, _ := store.GetList(t.Context(), env.store, store.KeyChannels)
	if diff := cmp.Diff([]string{"foo", "me"}, saved); diff != "" {
		t.Errorf("persisted list mismatch (-want +got):\n%s", diff)
	}
}

func TestChannelsReplace_BadBody(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, http.MethodPut, "/channels", `{"chans":[]}`); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestMessagesView(t *testing.T) {
	env := newTestEnv(t)
	openChannel(t, env, "foo")
	for i := range 3 {
		env.engine.Apply(chat.MessageEvent{Channel: "foo", UserLogin: "viewer", Text: fmt.Sprintf("m%d", i), MsgID: fmt.Sprintf("id%d", i)})
	}

	rr := env.do(t, http.MethodGet, "/channels/foo/messages?limit=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var pane reconcile.PaneView
	if err := json.NewDecoder(rr.Body).Decode(&pane); err != nil {
		t.Fatal(err)
	}
	if len(pane.Messages) != 2 || pane.Messages[1].Text != "m2" {
		t.Errorf("messages = %+v", pane.Messages)
	}

	if rr := env.do(t, http.MethodGet, "/channels/nope/messages", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown channel: expected 404, got %d", rr.Code)
	}
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)
	openChannel(t, env, "foo")
	env.helix.MockJSON("POST /helix/chat/messages", http.StatusOK, map[string]any{"data": []map[string]any{{"message_id": "abc", "is_sent": true}}})

	if rr := env.do(t, http.MethodPost, "/channels/foo/messages", `{"text":"hello"}`); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	pending := env.engine.Pending("foo")
	if len(pending) != 1 || pending[0].MsgID != "abc" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestBanAndTimeout(t *testing.T) {
	env := newTestEnv(t)
	openChannel(t, env, "foo")
	env.engine.Apply(chat.MessageEvent{Channel: "foo", UserID: "333", UserLogin: "troll", Text: "spam", MsgID: "m1"})

	env.helix.MockJSON("POST /helix/moderation/bans", http.StatusBadRequest, map[string]any{"message": "The user specified in the user_id field may not be banned."})
	rr := env.do(t, http.MethodPost, "/channels/foo/bans", `{"login":"troll","reason":"spam"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "may not be banned") {
		t.Errorf("helix message not surfaced: %s", rr.Body.String())
	}
	if p, _ := env.engine.Pane("foo"); p.Messages[0].Deleted {
		t.Fatal("rejected ban marked messages")
	}

	env.helix.MockJSON("POST /helix/moderation/bans", http.StatusOK, map[string]any{"data": []any{}})
	if rr := env.do(t, http.MethodPost, "/channels/foo/bans", `{"login":"troll","duration_seconds":60}`); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	body := env.helix.RequestsTo(http.MethodPost, "/helix/moderation/bans")[1].Body
	if !strings.Contains(body, `"duration":60`) {
		t.Errorf("timeout body = %s", body)
	}
	if p, _ := env.engine.Pane("foo"); !p.Messages[0].Deleted {
		t.Error("confirmed timeout did not mark messages")
	}

	if rr := env.do(t, http.MethodPost, "/channels/foo/bans", `{"reason":"x"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing login: expected 400, got %d", rr.Code)
	}
}

func TestUpdateModes(t *testing.T) {
	env := newTestEnv(t)
	openChannel(t, env, "foo")
	env.helix.MockJSON("PATCH /helix/chat/settings", http.StatusOK, map[string]any{"data": []map[string]any{{"emote_mode": true}}})

	rr := env.do(t, http.MethodPatch, "/channels/foo/modes", `{"mode":"emote","enabled":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var modes reconcile.RoomModes
	if err := json.NewDecoder(rr.Body).Decode(&modes); err != nil {
		t.Fatal(err)
	}
	if !modes.EmoteOnly {
		t.Errorf("modes = %+v", modes)
	}

	if rr := env.do(t, http.MethodPatch, "/channels/foo/modes", `{"mode":"turbo","enabled":true}`); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown mode: expected 400, got %d", rr.Code)
	}
}

func TestPauseAndHistory(t *testing.T) {
	env := newTestEnv(t)
	openChannel(t, env, "foo")
	if rr := env.do(t, http.MethodPost, "/channels/foo/pause", `{"paused":true}`); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	env.engine.Apply(chat.MessageEvent{Channel: "foo", UserLogin: "viewer", DisplayName: "Viewer", Text: "hi", MsgID: "m1"})

	if p, _ := env.engine.Pane("foo"); len(p.Buffer) != 1 || len(p.Messages) != 0 {
		t.Errorf("paused pane = %+v", p)
	}

	rr := env.do(t, http.MethodGet, "/users/Viewer/history", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var hist reconcile.UserHistory
	if err := json.NewDecoder(rr.Body).Decode(&hist); err != nil {
		t.Fatal(err)
	}
	if hist.Login != "viewer" || len(hist.Messages) != 1 {
		t.Errorf("history = %+v", hist)
	}
	if rr := env.do(t, http.MethodGet, "/users/ghost/history", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown user: expected 404, got %d", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	openChannel(t, env, "foo")
	rr := env.do(t, http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Authenticated bool             `json:"authenticated"`
		AuthMode      string           `json:"auth_mode"`
		Transport     string           `json:"transport"`
		Login         string           `json:"login"`
		Channels      []channelSummary `json:"channels"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Authenticated || resp.AuthMode != "direct" || resp.Transport != "connected" || resp.Login != "me" {
		t.Errorf("status = %+v", resp)
	}
	if len(resp.Channels) != 1 || resp.Channels[0].Channel != "foo" || !resp.Channels[0].Joined {
		t.Errorf("channels = %+v", resp.Channels)
	}
}

func TestActionRoutesRequireControlAuth(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("CONTROL_TOKEN", "secret")
	mux := NewMux(t.Context(), env.deps)

	req := httptest.NewRequest(http.MethodPost, "/channels/foo/clear", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	// Read routes stay open.
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/channels", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for read route, got %d", rr.Code)
	}

	env.helix.MockJSON("DELETE /helix/moderation/chat", http.StatusNoContent, nil)
	req = httptest.NewRequest(http.MethodPost, "/channels/foo/clear", nil)
	req.Header.Set("X-Control-Token", "secret")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with token, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", errBadRequest), http.StatusBadRequest},
		{reconcile.ErrNoMessageID, http.StatusBadRequest},
		{oauth.ErrNotAuthenticated, http.StatusUnauthorized},
		{oauth.ErrInsufficientScope, http.StatusForbidden},
		{oauth.ErrAuthExpired, http.StatusUnauthorized},
		{fmt.Errorf("%w: %w", oauth.ErrAuthExpired, oauth.ErrInsufficientScope), http.StatusForbidden},
		{twitchapi.ErrUserNotFound, http.StatusNotFound},
		{&twitchapi.APIError{Status: 400, Message: "nope"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("send: %w: duplicate message", twitchapi.ErrMessageDropped), http.StatusUnprocessableEntity},
		{&twitchapi.APIError{Status: 503}, http.StatusBadGateway},
		{chat.ErrNotConnected, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
