package moderation

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/reconcile"
	"github.com/onnwee/modtender/backend/telemetry"
	"github.com/onnwee/modtender/backend/twitchapi"
)

// updateMode runs one two-phase toggle: the engine change is confirmed with
// confirmed only after Helix accepts patch.
func (s *Service) updateMode(ctx context.Context, action, channel string, patch twitchapi.ChatSettingsPatch, confirmed reconcile.ModesPatch) (err error) {
	defer func() { telemetry.RecordModAction(action, err) }()
	ch := chat.NormalizeChannel(channel)
	mc := s.Engine.BeginModeChange(ch)
	if _, err := s.API.UpdateChatSettings(ctx, ch, patch); err != nil {
		mc.Reject(err)
		return err
	}
	mc.Confirm(confirmed)
	return nil
}

// SetSlowMode turns slow mode on with the given delay, or off.
func (s *Service) SetSlowMode(ctx context.Context, channel string, enabled bool, seconds int) error {
	patch := twitchapi.ChatSettingsPatch{SlowMode: &enabled}
	applied := 0
	if enabled {
		if seconds <= 0 {
			seconds = 30
		}
		patch.SlowModeWaitTime = &seconds
		applied = seconds
	}
	return s.updateMode(ctx, "slow_mode", channel, patch, reconcile.ModesPatch{SlowSeconds: &applied})
}

// SetFollowersOnly turns followers-only mode on with the given minimum follow
// age in minutes, or off.
func (s *Service) SetFollowersOnly(ctx context.Context, channel string, enabled bool, minutes int) error {
	patch := twitchapi.ChatSettingsPatch{FollowerMode: &enabled}
	applied := -1
	if enabled {
		if minutes < 0 {
			minutes = 0
		}
		patch.FollowerModeDuration = &minutes
		applied = minutes
	}
	return s.updateMode(ctx, "followers_mode", channel, patch, reconcile.ModesPatch{FollowersMinutes: &applied})
}

// SetEmoteOnly toggles emote-only mode.
func (s *Service) SetEmoteOnly(ctx context.Context, channel string, enabled bool) error {
	return s.updateMode(ctx, "emote_mode", channel, twitchapi.ChatSettingsPatch{EmoteMode: &enabled}, reconcile.ModesPatch{EmoteOnly: &enabled})
}

// SetSubsOnly toggles subscriber-only mode.
func (s *Service) SetSubsOnly(ctx context.Context, channel string, enabled bool) error {
	return s.updateMode(ctx, "subs_mode", channel, twitchapi.ChatSettingsPatch{SubscriberMode: &enabled}, reconcile.ModesPatch{SubsOnly: &enabled})
}

// SetUniqueChat toggles unique-chat (r9k) mode.
func (s *Service) SetUniqueChat(ctx context.Context, channel string, enabled bool) error {
	return s.updateMode(ctx, "unique_mode", channel, twitchapi.ChatSettingsPatch{UniqueChatMode: &enabled}, reconcile.ModesPatch{UniqueOnly: &enabled})
}

// SetShieldMode toggles shield mode and records the state Helix reports.
func (s *Service) SetShieldMode(ctx context.Context, channel string, active bool) (err error) {
	defer func() { telemetry.RecordModAction("shield_mode", err) }()
	ch := chat.NormalizeChannel(channel)
	mc := s.Engine.BeginModeChange(ch)
	got, err := s.API.SetShieldMode(ctx, ch, active)
	if err != nil {
		mc.Reject(err)
		return err
	}
	mc.Confirm(reconcile.ModesPatch{Shield: &got})
	return nil
}

// settingsPatch converts a Helix snapshot into an engine patch.
func settingsPatch(st twitchapi.ChatSettings, shield bool) reconcile.ModesPatch {
	slow := 0
	if st.SlowMode {
		slow = 1
		if st.SlowModeWaitTime != nil && *st.SlowModeWaitTime > 0 {
			slow = *st.SlowModeWaitTime
		}
	}
	followers := -1
	if st.FollowerMode {
		followers = 0
		if st.FollowerModeDuration != nil {
			followers = *st.FollowerModeDuration
		}
	}
	return reconcile.ModesPatch{
		SlowSeconds:      &slow,
		EmoteOnly:        &st.EmoteMode,
		FollowersMinutes: &followers,
		SubsOnly:         &st.SubscriberMode,
		UniqueOnly:       &st.UniqueChatMode,
		Shield:           &shield,
	}
}

// LoadSettings fetches chat settings and shield state for channel and applies
// them unless a local toggle is inside its debounce window. A failed shield
// read counts as inactive.
func (s *Service) LoadSettings(ctx context.Context, channel string) error {
	ch := chat.NormalizeChannel(channel)
	if s.Engine.ModeChangeActive(ch) {
		return nil
	}
	st, err := s.API.GetChatSettings(ctx, ch)
	if err != nil {
		return err
	}
	shield, err := s.API.GetShieldMode(ctx, ch)
	if err != nil {
		s.log.Debug("shield mode read failed", slog.String("channel", ch), slog.Any("err", err))
		shield = false
	}
	s.Engine.ApplySettings(ch, settingsPatch(st, shield))
	return nil
}

// RefreshSettings runs LoadSettings for every open channel.
func (s *Service) RefreshSettings(ctx context.Context) {
	for _, ch := range s.Engine.Channels() {
		if ctx.Err() != nil {
			return
		}
		if err := s.LoadSettings(ctx, ch); err != nil {
			s.log.Warn("settings refresh failed", slog.String("channel", ch), slog.Any("err", err))
		}
	}
}

// StartSettingsPoller refreshes settings after PollDelay and then every PollInterval.
func (s *Service) StartSettingsPoller(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.PollDelay):
		}
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		s.log.Info("settings poller started", slog.Duration("interval", s.opts.PollInterval))
		for {
			s.RefreshSettings(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// StartPresenceSweeper drops idle chatters every SweepInterval.
func (s *Service) StartPresenceSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Engine.SweepChatters(); n > 0 {
					s.log.Debug("swept idle chatters", slog.Int("removed", n))
				}
			}
		}
	}()
}
