// Package server exposes the HTTP surface of modtender: probes, status and
// metrics, read views over the reconciled chat state, and the moderation
// actions. Action routes sit behind control auth and a per-IP rate limiter.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter's cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	h := NewHandlers(deps)
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())

	protect := func(fn http.HandlerFunc) http.Handler {
		return controlAuth(rateLimitMiddleware(fn, limiter), authCfg)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)

	mux.HandleFunc("GET /channels", h.HandleChannelsList)
	mux.Handle("PUT /channels", protect(h.HandleChannelsReplace))
	mux.Handle("POST /channels/{channel}", protect(h.HandleChannelOpen))
	mux.Handle("DELETE /channels/{channel}", protect(h.HandleChannelClose))

	mux.HandleFunc("GET /channels/{channel}/messages", h.HandleMessages)
	mux.Handle("POST /channels/{channel}/messages", protect(h.HandleSendMessage))
	mux.Handle("DELETE /channels/{channel}/messages/{id}", protect(h.HandleDeleteMessage))
	mux.Handle("POST /channels/{channel}/clear", protect(h.HandleClearChat))
	mux.Handle("POST /channels/{channel}/announcements", protect(h.HandleAnnounce))
	mux.Handle("POST /channels/{channel}/pause", protect(h.HandlePause))

	mux.Handle("POST /channels/{channel}/bans", protect(h.HandleBan))
	mux.Handle("DELETE /channels/{channel}/bans/{login}", protect(h.HandleUnban))

	mux.HandleFunc("GET /channels/{channel}/modes", h.HandleModes)
	mux.Handle("PATCH /channels/{channel}/modes", protect(h.HandleUpdateModes))

	mux.HandleFunc("GET /channels/{channel}/chatters", h.HandleChatters)
	mux.HandleFunc("GET /users/{login}/history", h.HandleUserHistory)

	return withCORSConfig(withCorrelation(mux), loadCORSConfig())
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
