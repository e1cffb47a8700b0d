package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/modtender/backend/store"
)

func TestStartValidatorPolls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"login": "mod_user", "expires_in": 100})
	}))
	defer srv.Close()

	c, err := NewCoordinator(context.Background(), Options{
		Store:       store.NewMemory(map[string]string{store.KeyAccessToken: "tok"}),
		HTTPClient:  srv.Client(),
		ValidateURL: srv.URL,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	c.StartValidator(ctx, 20*time.Millisecond)
	<-ctx.Done()

	if calls.Load() < 2 {
		t.Errorf("validate calls = %d, want at least 2", calls.Load())
	}
}

func TestStartValidatorSkipsWhenLoggedOut(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c, err := NewCoordinator(context.Background(), Options{
		Store:       store.NewMemory(nil),
		HTTPClient:  srv.Client(),
		ValidateURL: srv.URL,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.StartValidator(ctx, 10*time.Millisecond)
	<-ctx.Done()

	if calls.Load() != 0 {
		t.Errorf("validate called %d times without a session", calls.Load())
	}
}
