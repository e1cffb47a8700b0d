package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestProbeURL(t *testing.T) {
	tests := []struct {
		explicit, addr string
		ready          bool
		want           string
	}{
		{"", "", false, "http://localhost:8080/healthz"},
		{"", ":9000", true, "http://localhost:9000/readyz"},
		{"", "10.0.0.5:8080", false, "http://10.0.0.5:8080/healthz"},
		{"http://svc/healthz", ":9000", true, "http://svc/healthz"},
	}
	for _, tt := range tests {
		if got := probeURL(tt.explicit, tt.addr, tt.ready); got != tt.want {
			t.Errorf("probeURL(%q, %q, %v) = %q, want %q", tt.explicit, tt.addr, tt.ready, got, tt.want)
		}
	}
}

func TestProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	if err := probe(t.Context(), srv.Client(), srv.URL); err != nil {
		t.Fatalf("healthy probe: %v", err)
	}
	status.Store(http.StatusServiceUnavailable)
	var se statusError
	if err := probe(t.Context(), srv.Client(), srv.URL); !errors.As(err, &se) || int(se) != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy probe: err = %v", err)
	}
}
