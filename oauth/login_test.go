package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/modtender/backend/store"
)

func newLoginServer(t *testing.T, statuses []map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/twitch/init", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Query().Get("scope"), "moderator:manage:banned_users") {
			http.Error(w, "missing scope", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"auth_url": "https://auth.example/authorize?x=1", "session_id": "sess-1"})
	})
	mux.HandleFunc("/api/auth/twitch/status/sess-1", func(w http.ResponseWriter, r *http.Request) {
		i := int(polls.Add(1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		if statuses[i] == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(statuses[i])
	})
	mux.HandleFunc("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") || r.Header.Get("Client-Id") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"id": "42", "login": "mod_user"}}})
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "authorization_code" || r.Form.Get("code") != "the-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"bad code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "code-access",
			"refresh_token": "code-refresh",
			"token_type":    "bearer",
			"expires_in":    14400,
			"scope":         []string{"chat:read", "chat:edit"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func loginCoordinator(t *testing.T, srv *httptest.Server, seed map[string]string) (*Coordinator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(seed)
	c, err := NewCoordinator(context.Background(), Options{
		Store:             mem,
		HTTPClient:        srv.Client(),
		Endpoint:          oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/oauth2/token", AuthStyle: oauth2.AuthStyleInParams},
		DelegatedBaseURL:  srv.URL,
		DelegatedClientID: "delegated-client",
		HelixBaseURL:      srv.URL + "/helix",
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, mem
}

func TestLoginDelegated_Completes(t *testing.T) {
	srv, polls := newLoginServer(t, []map[string]any{
		nil,
		{"status": "pending"},
		{"status": "completed", "access_token": "d-access", "refresh_token": "d-refresh", "scope": []string{"chat:read", "chat:edit"}},
	})
	c, mem := loginCoordinator(t, srv, map[string]string{store.KeyClientSecret: "old-secret", store.KeyClientID: "old-client"})

	var opened string
	sess, err := c.LoginDelegated(context.Background(), LoginOptions{
		PollInterval: 5 * time.Millisecond,
		OpenURL:      func(u string) error { opened = u; return nil },
	})
	if err != nil {
		t.Fatalf("LoginDelegated() error = %v", err)
	}
	if opened != "https://auth.example/authorize?x=1" {
		t.Errorf("opened %q", opened)
	}
	if polls.Load() != 3 {
		t.Errorf("polls = %d, want 3", polls.Load())
	}
	if sess.Login != "mod_user" || sess.UserID != "42" || sess.Mode != ModeDelegated {
		t.Errorf("session = %+v", sess)
	}
	snap := mem.Snapshot()
	want := map[string]string{
		store.KeyAccessToken:  "d-access",
		store.KeyRefreshToken: "d-refresh",
		store.KeyScopes:       "chat:read chat:edit",
		store.KeyUserID:       "42",
		store.KeyLogin:        "mod_user",
		store.KeyAuthMode:     "delegated",
		store.KeyClientID:     "delegated-client",
	}
	for k, v := range want {
		if snap[k] != v {
			t.Errorf("%s = %q, want %q", k, snap[k], v)
		}
	}
	if _, ok := snap[store.KeyClientSecret]; ok {
		t.Error("client secret should be deleted in delegated mode")
	}
	if c.ClientID() != "delegated-client" || !c.Authenticated() {
		t.Errorf("coordinator state not updated: %+v", c.State())
	}
}

func TestLoginDelegated_Failure(t *testing.T) {
	for _, status := range []string{"error", "expired"} {
		srv, _ := newLoginServer(t, []map[string]any{{"status": status, "error": "user denied"}})
		c, mem := loginCoordinator(t, srv, nil)
		_, err := c.LoginDelegated(context.Background(), LoginOptions{PollInterval: time.Millisecond, OpenURL: func(string) error { return nil }})
		if err == nil || !strings.Contains(err.Error(), "user denied") {
			t.Errorf("%s: error = %v", status, err)
		}
		if len(mem.Snapshot()) != 0 {
			t.Errorf("%s: store modified: %v", status, mem.Snapshot())
		}
	}
}

func TestLoginDelegated_AttemptBudget(t *testing.T) {
	srv, polls := newLoginServer(t, []map[string]any{{"status": "pending"}})
	c, _ := loginCoordinator(t, srv, nil)
	_, err := c.LoginDelegated(context.Background(), LoginOptions{PollInterval: time.Millisecond, MaxPolls: 4, OpenURL: func(string) error { return nil }})
	if !errors.Is(err, ErrLoginTimeout) {
		t.Fatalf("error = %v, want ErrLoginTimeout", err)
	}
	if polls.Load() != 4 {
		t.Errorf("polls = %d, want 4", polls.Load())
	}
}

// callbackOpener simulates the browser: it follows the redirect with the given code and state.
func callbackOpener(t *testing.T, code string, tamperState bool) func(string) error {
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		state := q.Get("state")
		if tamperState {
			state = "forged"
		}
		cb := q.Get("redirect_uri") + "?" + url.Values{"code": {code}, "state": {state}}.Encode()
		go func() {
			resp, err := http.Get(cb) //nolint:gosec,noctx // loopback test callback
			if err != nil {
				t.Errorf("callback request: %v", err)
				return
			}
			resp.Body.Close()
		}()
		return nil
	}
}

func TestLoginDirect_CodeFlow(t *testing.T) {
	srv, _ := newLoginServer(t, []map[string]any{{"status": "pending"}})
	c, mem := loginCoordinator(t, srv, map[string]string{store.KeyClientID: "my-client", store.KeyClientSecret: "my-secret"})

	sess, err := c.LoginDirect(context.Background(), LoginOptions{Timeout: 5 * time.Second, OpenURL: callbackOpener(t, "the-code", false)})
	if err != nil {
		t.Fatalf("LoginDirect() error = %v", err)
	}
	if sess.AccessToken != "code-access" || sess.Scopes != "chat:read chat:edit" || sess.Mode != ModeDirect {
		t.Errorf("session = %+v", sess)
	}
	snap := mem.Snapshot()
	if snap[store.KeyAuthMode] != "direct" || snap[store.KeyRefreshToken] != "code-refresh" || snap[store.KeyClientSecret] != "my-secret" {
		t.Errorf("store = %v", snap)
	}
}

func TestLoginDirect_StateMismatch(t *testing.T) {
	srv, _ := newLoginServer(t, []map[string]any{{"status": "pending"}})
	c, mem := loginCoordinator(t, srv, map[string]string{store.KeyClientID: "my-client", store.KeyClientSecret: "my-secret"})

	_, err := c.LoginDirect(context.Background(), LoginOptions{Timeout: 5 * time.Second, OpenURL: callbackOpener(t, "the-code", true)})
	if err == nil || !strings.Contains(err.Error(), "state mismatch") {
		t.Fatalf("error = %v, want state mismatch", err)
	}
	if mem.Snapshot()[store.KeyAccessToken] != "" {
		t.Error("tokens stored after a forged callback")
	}
}

func TestLoginDirect_Timeout(t *testing.T) {
	srv, _ := newLoginServer(t, []map[string]any{{"status": "pending"}})
	c, _ := loginCoordinator(t, srv, map[string]string{store.KeyClientID: "my-client", store.KeyClientSecret: "my-secret"})

	_, err := c.LoginDirect(context.Background(), LoginOptions{Timeout: 50 * time.Millisecond, OpenURL: func(string) error { return nil }})
	if !errors.Is(err, ErrLoginTimeout) {
		t.Fatalf("error = %v, want ErrLoginTimeout", err)
	}
}

func TestLoginDirect_RequiresCredentials(t *testing.T) {
	srv, _ := newLoginServer(t, []map[string]any{{"status": "pending"}})
	c, _ := loginCoordinator(t, srv, map[string]string{store.KeyClientID: "my-client"})
	if _, err := c.LoginDirect(context.Background(), LoginOptions{}); err == nil {
		t.Fatal("expected error without client secret")
	}
}
