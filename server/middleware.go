package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/onnwee/modtender/backend/telemetry"
)

// authConfig guards the action endpoints.
type authConfig struct {
	username string
	password string
	token    string
	enabled  bool
}

// loadAuthConfig reads CONTROL_USERNAME, CONTROL_PASSWORD and CONTROL_TOKEN.
func loadAuthConfig() *authConfig {
	username := os.Getenv("CONTROL_USERNAME")
	password := os.Getenv("CONTROL_PASSWORD")
	token := os.Getenv("CONTROL_TOKEN")
	enabled := (username != "" && password != "") || token != ""
	if !enabled {
		slog.Warn("control authentication not configured, moderation endpoints are open to anyone who can reach HTTP_ADDR", slog.String("component", "http"))
	}
	return &authConfig{username: username, password: password, token: token, enabled: enabled}
}

// controlAuth accepts an X-Control-Token header or basic auth.
func controlAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled {
			next.ServeHTTP(w, r)
			return
		}
		if cfg.token != "" {
			if tok := r.Header.Get("X-Control-Token"); tok != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(cfg.token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		if cfg.username != "" && cfg.password != "" {
			if u, p, ok := r.BasicAuth(); ok {
				userOK := subtle.ConstantTimeCompare([]byte(u), []byte(cfg.username)) == 1
				passOK := subtle.ConstantTimeCompare([]byte(p), []byte(cfg.password)) == 1
				if userOK && passOK {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="modtender"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("control auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

type rateLimiterConfig struct {
	enabled bool
	perMin  int
	burst   int
}

// loadRateLimiterConfig reads RATE_LIMIT_ENABLED, RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST.
func loadRateLimiterConfig() *rateLimiterConfig {
	cfg := &rateLimiterConfig{
		enabled: os.Getenv("RATE_LIMIT_ENABLED") != "0",
		perMin:  60,
		burst:   10,
	}
	if n := parseInt(os.Getenv("RATE_LIMIT_PER_MINUTE"), cfg.perMin); n > 0 {
		cfg.perMin = n
	}
	if n := parseInt(os.Getenv("RATE_LIMIT_BURST"), cfg.burst); n > 0 {
		cfg.burst = n
	}
	return cfg
}

// ipRateLimiter keeps one token bucket per client address.
type ipRateLimiter struct {
	cfg *rateLimiterConfig

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	rl := &ipRateLimiter{cfg: cfg, visitors: make(map[string]*visitor)}
	go rl.cleanupLoop(ctx)
	return rl
}

func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(3 * time.Minute)
		case <-ctx.Done():
			return
		}
	}
}

// cleanup forgets visitors idle for longer than idle.
func (rl *ipRateLimiter) cleanup(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > idle {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(float64(rl.cfg.perMin)/60), rl.cfg.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

// clientIP prefers the first X-Forwarded-For entry and strips any port.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		addr, _, _ = strings.Cut(fwd, ",")
		addr = strings.TrimSpace(addr)
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseInt returns defaultVal when s is not an integer.
func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultVal
	}
	return n
}

type corsConfig struct {
	allowedOrigins []string
	permissive     bool
}

// loadCORSConfig is permissive unless ENV names a non-dev environment;
// CORS_PERMISSIVE overrides either way.
func loadCORSConfig() *corsConfig {
	mode := strings.ToLower(os.Getenv("ENV"))
	permissive := mode == "" || mode == "dev" || mode == "development"
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		permissive = v == "1" || v == "true"
	}
	var origins []string
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if !permissive && len(origins) == 0 {
		slog.Warn("CORS restricted mode enabled but no CORS_ALLOWED_ORIGINS configured - all CORS requests will be blocked")
	}
	return &corsConfig{allowedOrigins: origins, permissive: permissive}
}

const (
	corsMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Control-Token, X-Correlation-ID"
)

func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case cfg.permissive:
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
		case origin != "" && isOriginAllowed(origin, cfg.allowedOrigins):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed matches exact origins and "*.domain" wildcards, which also
// admit the bare domain.
func isOriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if origin == a {
			return true
		}
		if domain, ok := strings.CutPrefix(a, "*."); ok {
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withCorrelation reuses or assigns X-Correlation-ID, opens a server span and
// records the response status on it.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		var err error
		if rec.statusCode >= 500 {
			err = fmt.Errorf("HTTP %d", rec.statusCode)
		}
		telemetry.EndSpan(span, err)
	})
}
