package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/oauth"
)

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		transport  chat.State
		wantStatus int
		wantFailed string
	}{
		{"ready", "tok", chat.Connected, http.StatusOK, ""},
		{"missing credentials", "", chat.Connected, http.StatusServiceUnavailable, "credentials"},
		{"transport connecting", "tok", chat.Connecting, http.StatusServiceUnavailable, "chat_transport"},
		{"transport down", "tok", chat.Disconnected, http.StatusServiceUnavailable, "chat_transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.chat.state = tt.transport
			deps := env.deps
			deps.Auth = fakeAuth{state: oauth.TokenState{AccessToken: tt.token}}
			mux := NewMux(t.Context(), deps)

			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d, body=%s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected Content-Type=application/json, got %q", ct)
			}
			var resp map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if tt.wantFailed == "" {
				if resp["status"] != "ready" {
					t.Fatalf("expected status=ready, got %q", resp["status"])
				}
				return
			}
			if resp["status"] != "not_ready" || resp["failed_check"] != tt.wantFailed {
				t.Fatalf("got %v, want failed_check=%s", resp, tt.wantFailed)
			}
		})
	}
}
