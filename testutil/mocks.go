package testutil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// RecordedRequest is what the mock saw for one call.
type RecordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Body   string
	Header http.Header
}

// MockTwitchServer creates a test server that mocks Twitch Helix API responses.
// Handlers are keyed by "METHOD /path" first, then by "/path".
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []RecordedRequest
}

// NewMockTwitchServer creates a new mock Twitch API server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Body: string(body), Header: r.Header.Clone()})
		handler, ok := m.Handlers[r.Method+" "+r.URL.Path]
		if !ok {
			handler, ok = m.Handlers[r.URL.Path]
		}
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler under "METHOD /path" or "/path".
func (m *MockTwitchServer) Handle(key string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[key] = h
}

// Requests returns a copy of every request received so far.
func (m *MockTwitchServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestsTo returns the requests matching method and path.
func (m *MockTwitchServer) RequestsTo(method, path string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// MockJSON answers key with a fixed status and JSON body.
func (m *MockTwitchServer) MockJSON(key string, status int, body any) {
	m.Handle(key, func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, body)
	})
}

// MockUserResponse adds a /helix/users handler that knows the given login → id pairs.
func (m *MockTwitchServer) MockUserResponse(users map[string]string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		for _, login := range r.URL.Query()["login"] {
			if id, ok := users[login]; ok {
				data = append(data, map[string]string{"id": id, "login": login, "display_name": login})
			}
		}
		for _, id := range r.URL.Query()["id"] {
			for login, uid := range users {
				if uid == id {
					data = append(data, map[string]string{"id": id, "login": login, "display_name": login})
				}
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": data})
	})
}

// MockStreamsResponse adds a handler for /helix/streams endpoint.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.MockJSON("/helix/streams", http.StatusOK, map[string]any{"data": streams})
}

// WriteJSON writes body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
	}
}

// StaticDoer attaches a fixed bearer token. It stands in for the token
// coordinator in API client tests.
type StaticDoer struct {
	Token    string
	ClientID string
	Client   *http.Client
}

func (d *StaticDoer) Do(ctx context.Context, build func(context.Context) (*http.Request, error)) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.Token)
	req.Header.Set("Client-Id", d.ClientID)
	hc := d.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	return hc.Do(req)
}
