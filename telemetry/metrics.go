// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TokenRefreshes      *prometheus.CounterVec // labels: mode, result
	HelixRequests       *prometheus.CounterVec // labels: method, status
	ChatEvents          *prometheus.CounterVec // labels: kind
	ModActions          *prometheus.CounterVec // labels: action, result
	SelfEchoMismatches  prometheus.Counter
	RoomStateSuppressed prometheus.Counter

	// Histograms (seconds)
	HelixDuration   prometheus.Observer
	RefreshDuration prometheus.Observer

	// Gauges
	TransportConnected  prometheus.Gauge // 1=connected,0=not
	PendingSelfMessages prometheus.Gauge
	JoinedChannels      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "modtender_token_refreshes_total", Help: "Token refresh attempts by auth mode and result"}, []string{"mode", "result"})
		HelixRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "modtender_helix_requests_total", Help: "Helix requests by method and HTTP status"}, []string{"method", "status"})
		ChatEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "modtender_chat_events_total", Help: "Chat transport events by kind"}, []string{"kind"})
		ModActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "modtender_moderation_actions_total", Help: "Moderation actions by action and result"}, []string{"action", "result"})
		SelfEchoMismatches = promauto.NewCounter(prometheus.CounterOpts{Name: "modtender_self_echo_mismatches_total", Help: "Self-authored echoes whose text did not match the pending queue head"})
		RoomStateSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "modtender_room_state_suppressed_total", Help: "Room state snapshots dropped inside the mode debounce window"})
		HelixDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "modtender_helix_request_duration_seconds", Help: "Helix request duration seconds", Buckets: prometheus.DefBuckets})
		RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "modtender_token_refresh_duration_seconds", Help: "Token refresh duration seconds, settle delay included", Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10}})
		TransportConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "modtender_transport_connected", Help: "Chat transport connected=1 disconnected=0"})
		PendingSelfMessages = promauto.NewGauge(prometheus.GaugeOpts{Name: "modtender_pending_self_messages", Help: "Sent messages awaiting their chat echo, all channels"})
		JoinedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "modtender_joined_channels", Help: "Channels currently joined on the chat transport"})
	})
}

// RecordRefresh counts a refresh outcome ("ok", "rejected", "transient", "no_refresh_token").
func RecordRefresh(mode, result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(mode, result).Inc()
	}
}

// RecordHelix counts a Helix response and observes its latency. status 0 means a transport error.
func RecordHelix(method string, status int, d time.Duration) {
	if HelixRequests != nil {
		HelixRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
	if HelixDuration != nil {
		HelixDuration.Observe(d.Seconds())
	}
}

// RecordChatEvent counts one transport event.
func RecordChatEvent(kind string) {
	if ChatEvents != nil {
		ChatEvents.WithLabelValues(kind).Inc()
	}
}

// RecordModAction counts a moderation action outcome.
func RecordModAction(action string, err error) {
	if ModActions == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	ModActions.WithLabelValues(action, result).Inc()
}

func IncSelfEchoMismatch() {
	if SelfEchoMismatches != nil {
		SelfEchoMismatches.Inc()
	}
}

func IncRoomStateSuppressed() {
	if RoomStateSuppressed != nil {
		RoomStateSuppressed.Inc()
	}
}

// SetTransportConnected sets gauge to 1 if connected else 0.
func SetTransportConnected(connected bool) {
	if TransportConnected != nil {
		if connected {
			TransportConnected.Set(1)
		} else {
			TransportConnected.Set(0)
		}
	}
}

func SetPendingSelfMessages(n int) {
	if PendingSelfMessages != nil {
		PendingSelfMessages.Set(float64(n))
	}
}

func SetJoinedChannels(n int) {
	if JoinedChannels != nil {
		JoinedChannels.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// MaskToken keeps the last 6 characters of a secret for log output.
func MaskToken(tok string) string {
	if tok == "" {
		return ""
	}
	if len(tok) <= 6 {
		return "***"
	}
	return "***" + tok[len(tok)-6:]
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
