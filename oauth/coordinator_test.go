package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/modtender/backend/store"
)

// fakeTwitch serves a protected API route plus the direct and delegated refresh endpoints.
type fakeTwitch struct {
	*httptest.Server

	mu          sync.Mutex
	validToken  string
	refreshWith string // access token handed out by refreshes
	rotateTo    string // refresh token handed out by refreshes

	refreshStatus   int // 0 means 200
	refreshDelay    time.Duration
	directCalls     atomic.Int32
	delegatedCalls  atomic.Int32
	apiCalls        atomic.Int32
	lastClientID    atomic.Value
	lastRefreshBody atomic.Value
	alwaysReject    bool
}

func newFakeTwitch(t *testing.T) *fakeTwitch {
	t.Helper()
	f := &fakeTwitch{validToken: "fresh-access", refreshWith: "fresh-access", rotateTo: "fresh-refresh"}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/thing", func(w http.ResponseWriter, r *http.Request) {
		f.apiCalls.Add(1)
		f.lastClientID.Store(r.Header.Get("Client-Id"))
		f.mu.Lock()
		ok := !f.alwaysReject && r.Header.Get("Authorization") == "Bearer "+f.validToken
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": string(body)})
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.directCalls.Add(1)
		_ = r.ParseForm()
		f.lastRefreshBody.Store(r.Form.Encode())
		f.respondRefresh(w)
	})
	mux.HandleFunc("/api/auth/twitch/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.delegatedCalls.Add(1)
		b, _ := io.ReadAll(r.Body)
		f.lastRefreshBody.Store(string(b))
		f.respondRefresh(w)
	})
	mux.HandleFunc("/validate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"client_id": "cid", "login": "mod_user", "user_id": "42", "scopes": []string{"chat:read"}, "expires_in": 3600})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeTwitch) respondRefresh(w http.ResponseWriter) {
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	w.Header().Set("Content-Type", "application/json")
	if f.refreshStatus != 0 && f.refreshStatus != http.StatusOK {
		w.WriteHeader(f.refreshStatus)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": f.refreshStatus, "message": "Invalid refresh token"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  f.refreshWith,
		"refresh_token": f.rotateTo,
		"token_type":    "bearer",
		"expires_in":    14400,
		"scope":         []string{"chat:read"},
	})
}

func newTestCoordinator(t *testing.T, f *fakeTwitch, seed map[string]string) (*Coordinator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(seed)
	c, err := NewCoordinator(context.Background(), Options{
		Store:             mem,
		HTTPClient:        f.Client(),
		Endpoint:          oauth2.Endpoint{AuthURL: f.URL + "/authorize", TokenURL: f.URL + "/oauth2/token", AuthStyle: oauth2.AuthStyleInParams},
		DelegatedBaseURL:  f.URL,
		DelegatedClientID: "delegated-client",
		HelixBaseURL:      f.URL + "/helix",
		ValidateURL:       f.URL + "/validate",
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	return c, mem
}

func directSeed() map[string]string {
	return map[string]string{
		store.KeyAccessToken:  "stale-access",
		store.KeyRefreshToken: "old-refresh",
		store.KeyClientID:     "my-client",
		store.KeyClientSecret: "my-secret",
		store.KeyAuthMode:     "direct",
	}
}

func getThing(f *fakeTwitch) RequestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, f.URL+"/api/thing", nil)
	}
}

func TestDo_PassesThroughNon401(t *testing.T) {
	f := newFakeTwitch(t)
	c, _ := newTestCoordinator(t, f, map[string]string{store.KeyAccessToken: "fresh-access", store.KeyClientID: "my-client"})

	resp, err := c.Do(context.Background(), getThing(f))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := f.directCalls.Load() + f.delegatedCalls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}
	if id, _ := f.lastClientID.Load().(string); id != "my-client" {
		t.Errorf("Client-Id = %q, want my-client", id)
	}
}

func TestDo_NotAuthenticated(t *testing.T) {
	f := newFakeTwitch(t)
	c, _ := newTestCoordinator(t, f, nil)
	if _, err := c.Do(context.Background(), getThing(f)); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Do() error = %v, want ErrNotAuthenticated", err)
	}
	if f.apiCalls.Load() != 0 {
		t.Error("request was sent without a token")
	}
}

func TestDo_RefreshesOn401AndRetries(t *testing.T) {
	f := newFakeTwitch(t)
	c, mem := newTestCoordinator(t, f, directSeed())

	resp, err := c.Do(context.Background(), getThing(f))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if n := f.directCalls.Load(); n != 1 {
		t.Errorf("direct refresh calls = %d, want 1", n)
	}
	if n := f.apiCalls.Load(); n != 2 {
		t.Errorf("api calls = %d, want 2", n)
	}
	snap := mem.Snapshot()
	if snap[store.KeyAccessToken] != "fresh-access" || snap[store.KeyRefreshToken] != "fresh-refresh" {
		t.Errorf("store not updated: %v", snap)
	}
	body, _ := f.lastRefreshBody.Load().(string)
	for _, want := range []string{"grant_type=refresh_token", "refresh_token=old-refresh", "client_secret=my-secret"} {
		if !strings.Contains(body, want) {
			t.Errorf("refresh form %q missing %q", body, want)
		}
	}
}

func TestDo_SingleFlightUnderConcurrency(t *testing.T) {
	f := newFakeTwitch(t)
	f.refreshDelay = 100 * time.Millisecond
	c, _ := newTestCoordinator(t, f, directSeed())

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Do(context.Background(), getThing(f))
			if err != nil {
				errs <- err
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- errors.New(resp.Status)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("caller failed: %v", err)
	}
	if n := f.directCalls.Load(); n != 1 {
		t.Errorf("refresh requests = %d, want exactly 1", n)
	}
}

func TestDo_RetryRejectedClearsSession(t *testing.T) {
	f := newFakeTwitch(t)
	f.alwaysReject = true
	c, mem := newTestCoordinator(t, f, directSeed())

	_, err := c.Do(context.Background(), getThing(f))
	if !errors.Is(err, ErrAuthExpired) || !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("Do() error = %v, want ErrAuthExpired and ErrInsufficientScope", err)
	}
	if n := f.directCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1 (no second refresh)", n)
	}
	if n := f.apiCalls.Load(); n != 2 {
		t.Errorf("api calls = %d, want 2", n)
	}
	snap := mem.Snapshot()
	if snap[store.KeyAccessToken] != "" || snap[store.KeyRefreshToken] != "" {
		t.Errorf("tokens not cleared: %v", snap)
	}
	if c.Authenticated() {
		t.Error("coordinator still authenticated")
	}
}

func TestClearIfCurrent_ClearsOnce(t *testing.T) {
	f := newFakeTwitch(t)
	c, _ := newTestCoordinator(t, f, directSeed())
	ctx := context.Background()
	if !c.clearIfCurrent(ctx, "stale-access") {
		t.Fatal("first clear should succeed")
	}
	if c.clearIfCurrent(ctx, "stale-access") {
		t.Error("second clear with the same token should be a no-op")
	}
}

func TestDo_DirectRefreshRejected(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized} {
		f := newFakeTwitch(t)
		f.refreshStatus = status
		c, mem := newTestCoordinator(t, f, directSeed())

		_, err := c.Do(context.Background(), getThing(f))
		if !errors.Is(err, ErrAuthExpired) {
			t.Fatalf("status %d: Do() error = %v, want ErrAuthExpired", status, err)
		}
		if errors.Is(err, ErrTransient) {
			t.Errorf("status %d: rejection classified as transient", status)
		}
		snap := mem.Snapshot()
		if snap[store.KeyAccessToken] != "" || snap[store.KeyRefreshToken] != "" {
			t.Errorf("status %d: tokens not wiped: %v", status, snap)
		}
	}
}

func TestDo_DirectRefreshServerError(t *testing.T) {
	f := newFakeTwitch(t)
	f.refreshStatus = http.StatusInternalServerError
	c, mem := newTestCoordinator(t, f, directSeed())

	_, err := c.Do(context.Background(), getThing(f))
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("Do() error = %v, want ErrTransient", err)
	}
	if mem.Snapshot()[store.KeyRefreshToken] != "old-refresh" {
		t.Error("refresh token must survive a transient failure")
	}
}

func TestDo_NoRefreshToken(t *testing.T) {
	f := newFakeTwitch(t)
	seed := directSeed()
	delete(seed, store.KeyRefreshToken)
	c, _ := newTestCoordinator(t, f, seed)

	if _, err := c.Do(context.Background(), getThing(f)); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("Do() error = %v, want ErrAuthExpired", err)
	}
	if f.directCalls.Load()+f.delegatedCalls.Load() != 0 {
		t.Error("refresh endpoint called without a refresh token")
	}
}

func TestDo_DelegatedRefresh(t *testing.T) {
	f := newFakeTwitch(t)
	c, mem := newTestCoordinator(t, f, map[string]string{
		store.KeyAccessToken:  "stale-access",
		store.KeyRefreshToken: "old-refresh",
		store.KeyClientID:     "delegated-client",
		store.KeyAuthMode:     "delegated",
	})

	resp, err := c.Do(context.Background(), getThing(f))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if f.delegatedCalls.Load() != 1 || f.directCalls.Load() != 0 {
		t.Errorf("delegated=%d direct=%d, want 1/0", f.delegatedCalls.Load(), f.directCalls.Load())
	}
	if body, _ := f.lastRefreshBody.Load().(string); body != `{"refresh_token":"old-refresh"}` {
		t.Errorf("delegated body = %s", body)
	}
	if mem.Snapshot()[store.KeyRefreshToken] != "fresh-refresh" {
		t.Error("rotated refresh token not stored")
	}
	if id, _ := f.lastClientID.Load().(string); id != "delegated-client" {
		t.Errorf("Client-Id = %q, want delegated-client", id)
	}
}

func TestDo_DelegatedRefreshClientErrorWipes(t *testing.T) {
	f := newFakeTwitch(t)
	f.refreshStatus = http.StatusForbidden
	c, mem := newTestCoordinator(t, f, map[string]string{
		store.KeyAccessToken:  "stale-access",
		store.KeyRefreshToken: "old-refresh",
		store.KeyAuthMode:     "dimandus",
	})

	if _, err := c.Do(context.Background(), getThing(f)); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("Do() error = %v, want ErrAuthExpired", err)
	}
	snap := mem.Snapshot()
	if snap[store.KeyAccessToken] != "" || snap[store.KeyRefreshToken] != "" {
		t.Errorf("tokens not wiped: %v", snap)
	}
}

func TestDo_LegacyConfigSwitchesToDelegated(t *testing.T) {
	f := newFakeTwitch(t)
	c, mem := newTestCoordinator(t, f, map[string]string{
		store.KeyAccessToken:  "stale-access",
		store.KeyRefreshToken: "old-refresh",
		store.KeyClientID:     "delegated-client",
		store.KeyAuthMode:     "direct",
	})

	resp, err := c.Do(context.Background(), getThing(f))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if f.delegatedCalls.Load() != 1 {
		t.Errorf("delegated refresh calls = %d, want 1", f.delegatedCalls.Load())
	}
	if got := mem.Snapshot()[store.KeyAuthMode]; got != "delegated" {
		t.Errorf("persisted auth mode = %q, want delegated", got)
	}
	if c.State().AuthMode != ModeDelegated {
		t.Error("in-memory auth mode not switched")
	}
}

func TestDo_ResendsBodyOnRetry(t *testing.T) {
	f := newFakeTwitch(t)
	c, _ := newTestCoordinator(t, f, directSeed())

	resp, err := c.Do(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, f.URL+"/api/thing", strings.NewReader(`{"message":"hi"}`))
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["echo"] != `{"message":"hi"}` {
		t.Errorf("retried body = %q", out["echo"])
	}
}

func TestValidate(t *testing.T) {
	f := newFakeTwitch(t)
	c, _ := newTestCoordinator(t, f, map[string]string{store.KeyAccessToken: "fresh-access"})
	res, err := c.Validate(context.Background())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.Login != "mod_user" || res.UserID != "42" || res.ExpiresIn != 3600 {
		t.Errorf("Validate() = %+v", res)
	}
}

func TestLogout(t *testing.T) {
	f := newFakeTwitch(t)
	seed := directSeed()
	seed[store.KeyLogin] = "mod_user"
	seed[store.KeyUserID] = "42"
	seed[store.KeyScopes] = "chat:read"
	c, mem := newTestCoordinator(t, f, seed)

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	want := map[string]string{store.KeyClientID: "my-client"}
	if got := mem.Snapshot(); len(got) != 1 || got[store.KeyClientID] != want[store.KeyClientID] {
		t.Errorf("store after logout = %v, want %v", got, want)
	}
	if c.Authenticated() {
		t.Error("still authenticated after logout")
	}
}

func TestParseAuthMode(t *testing.T) {
	tests := map[string]AuthMode{
		"":          ModeDirect,
		"direct":    ModeDirect,
		"delegated": ModeDelegated,
		"Dimandus":  ModeDelegated,
		"weird":     ModeDirect,
	}
	for in, want := range tests {
		if got := ParseAuthMode(in); got != want {
			t.Errorf("ParseAuthMode(%q) = %q, want %q", in, got, want)
		}
	}
}
