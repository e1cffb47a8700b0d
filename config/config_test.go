package config

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var allKeys = []string{
	"TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET", "TWITCH_AUTH_MODE", "TWITCH_CHANNELS",
	"DELEGATED_AUTH_URL", "DELEGATED_CLIENT_ID", "OAUTH_REDIRECT_PORT", "LOGIN_TIMEOUT",
	"STORE_BACKEND", "STORE_PATH", "DB_DSN", "ENCRYPTION_KEY", "HTTP_ADDR",
	"CHAT_RETENTION", "USER_HISTORY_CAP", "MODE_DEBOUNCE", "SETTINGS_POLL_INTERVAL",
	"CHATTER_TTL", "REFRESH_SETTLE_DELAY", "HELIX_RATE_PER_MINUTE", "TOKEN_VALIDATE_INTERVAL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TwitchAuthMode != "direct" || cfg.StoreBackend != StoreFile || cfg.HTTPAddr != ":8080" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.ChatRetention != 300 || cfg.UserHistoryCap != 500 {
		t.Errorf("retention/history = %d/%d", cfg.ChatRetention, cfg.UserHistoryCap)
	}
	if cfg.ModeDebounce != 3*time.Second || cfg.SettingsPollInterval != 30*time.Second || cfg.ChatterTTL != 5*time.Minute {
		t.Errorf("durations = %v %v %v", cfg.ModeDebounce, cfg.SettingsPollInterval, cfg.ChatterTTL)
	}
	if cfg.RefreshSettleDelay != 500*time.Millisecond || cfg.LoginTimeout != 5*time.Minute {
		t.Errorf("settle/login = %v %v", cfg.RefreshSettleDelay, cfg.LoginTimeout)
	}
	if cfg.HelixRatePerMinute != 800 {
		t.Errorf("helix rate = %d", cfg.HelixRatePerMinute)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWITCH_CHANNELS", "#Foo, bar baz,,")
	t.Setenv("TWITCH_AUTH_MODE", "Dimandus")
	t.Setenv("DELEGATED_AUTH_URL", "https://auth.example.com/")
	t.Setenv("CHAT_RETENTION", "50")
	t.Setenv("MODE_DEBOUNCE", "1500ms")
	t.Setenv("STORE_BACKEND", "postgres")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if diff := cmp.Diff([]string{"foo", "bar", "baz"}, cfg.TwitchChannels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if cfg.TwitchAuthMode != "delegated" {
		t.Errorf("legacy mode name not mapped: %q", cfg.TwitchAuthMode)
	}
	if cfg.DelegatedAuthURL != "https://auth.example.com" {
		t.Errorf("auth url = %q", cfg.DelegatedAuthURL)
	}
	if cfg.ChatRetention != 50 || cfg.ModeDebounce != 1500*time.Millisecond || cfg.StoreBackend != StorePostgres {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CHAT_RETENTION", "0"},
		{"USER_HISTORY_CAP", "lots"},
		{"MODE_DEBOUNCE", "3"},
		{"STORE_BACKEND", "redis"},
		{"TWITCH_AUTH_MODE", "implicit"},
		{"OAUTH_REDIRECT_PORT", "70000"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.key)
			}
		})
	}
}

func TestValidateAuthReady(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"direct ready", Config{TwitchAuthMode: "direct", TwitchClientID: "id", TwitchClientSecret: "secret"}, false},
		{"direct missing secret", Config{TwitchAuthMode: "direct", TwitchClientID: "id"}, true},
		{"delegated ready", Config{TwitchAuthMode: "delegated", DelegatedAuthURL: "https://auth", DelegatedClientID: "pub"}, false},
		{"delegated missing url", Config{TwitchAuthMode: "delegated", DelegatedClientID: "pub"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.ValidateAuthReady(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateAuthReady() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
