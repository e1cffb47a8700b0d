// Package moderation is the action surface of modtender. It issues Helix
// commands, falls back to the chat transport for sending, and feeds confirmed
// results and transport events into the reconciliation engine.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/reconcile"
	"github.com/onnwee/modtender/backend/telemetry"
	"github.com/onnwee/modtender/backend/twitchapi"
)

// API is the part of twitchapi.Client the service uses.
type API interface {
	SendChatMessage(ctx context.Context, channel, text string) (twitchapi.SendResult, error)
	SendAnnouncement(ctx context.Context, channel, message, color string) error
	Ban(ctx context.Context, channel, login, reason string) error
	Timeout(ctx context.Context, channel, login string, seconds int, reason string) error
	Unban(ctx context.Context, channel, login string) error
	DeleteMessage(ctx context.Context, channel, msgID string) error
	ClearChat(ctx context.Context, channel string) error
	GetChatSettings(ctx context.Context, channel string) (twitchapi.ChatSettings, error)
	UpdateChatSettings(ctx context.Context, channel string, patch twitchapi.ChatSettingsPatch) (twitchapi.ChatSettings, error)
	GetShieldMode(ctx context.Context, channel string) (bool, error)
	SetShieldMode(ctx context.Context, channel string, active bool) (bool, error)
}

// Transport is the part of chat.Transport the service uses.
type Transport interface {
	Join(channel string) error
	Part(channel string) error
	Say(channel, text string) error
	Subscribe(h chat.Handler) func()
	Joined() []string
}

// Options tune the background loops. Zero values take the defaults.
type Options struct {
	PollDelay     time.Duration
	PollInterval  time.Duration
	SweepInterval time.Duration
}

// Service binds the Helix client, the chat transport and the engine.
type Service struct {
	API       API
	Transport Transport
	Engine    *reconcile.Engine

	opts Options
	log  *slog.Logger
}

// New returns a service. Call Run to start routing transport events.
func New(api API, tr Transport, eng *reconcile.Engine, opts Options) *Service {
	if opts.PollDelay <= 0 {
		opts.PollDelay = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Service{
		API:       api,
		Transport: tr,
		Engine:    eng,
		opts:      opts,
		log:       slog.Default().With(slog.String("component", "moderation")),
	}
}

// Run routes transport events into the engine and runs the settings poller
// and presence sweeper until ctx ends.
func (s *Service) Run(ctx context.Context) {
	unsubscribe := s.Transport.Subscribe(s.Engine.Apply)
	defer unsubscribe()
	s.StartSettingsPoller(ctx)
	s.StartPresenceSweeper(ctx)
	<-ctx.Done()
}

// OpenChannel opens the pane, joins the channel and loads its settings. A
// join failure is returned but the pane stays open; SyncChannels retries it.
func (s *Service) OpenChannel(ctx context.Context, channel string) error {
	ch := chat.NormalizeChannel(channel)
	if ch == "" {
		return fmt.Errorf("open channel: name empty")
	}
	s.Engine.OpenChannel(ch)
	if err := s.Transport.Join(ch); err != nil {
		return fmt.Errorf("join %s: %w", ch, err)
	}
	if err := s.LoadSettings(ctx, ch); err != nil {
		s.log.Warn("initial settings load failed", slog.String("channel", ch), slog.Any("err", err))
	}
	return nil
}

// CloseChannel parts the channel and drops its state.
func (s *Service) CloseChannel(channel string) error {
	ch := chat.NormalizeChannel(channel)
	err := s.Transport.Part(ch)
	s.Engine.CloseChannel(ch)
	return err
}

// SyncChannels makes the open and joined sets equal to desired.
func (s *Service) SyncChannels(ctx context.Context, desired []string) error {
	want := make(map[string]struct{}, len(desired))
	for _, d := range desired {
		if ch := chat.NormalizeChannel(d); ch != "" {
			want[ch] = struct{}{}
		}
	}
	joined := make(map[string]struct{})
	for _, ch := range s.Transport.Joined() {
		joined[ch] = struct{}{}
	}
	var errs []error
	for _, ch := range s.Engine.Channels() {
		if _, ok := want[ch]; !ok {
			if err := s.CloseChannel(ch); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, ch := range s.Transport.Joined() {
		if _, ok := want[ch]; !ok {
			if err := s.Transport.Part(ch); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for ch := range want {
		_, isJoined := joined[ch]
		if s.Engine.HasChannel(ch) && isJoined {
			continue
		}
		if err := s.OpenChannel(ctx, ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendMessage sends through Helix and queues the returned id for the echo.
// Without an id, or when Helix fails, the line goes out over IRC instead. A
// message the platform dropped is reported, not resent.
func (s *Service) SendMessage(ctx context.Context, channel, text string) (err error) {
	ch := chat.NormalizeChannel(channel)
	text = strings.TrimSpace(text)
	if ch == "" || text == "" {
		return fmt.Errorf("send: channel and text required")
	}
	defer func() { telemetry.RecordModAction("send", err) }()

	res, helixErr := s.API.SendChatMessage(ctx, ch, text)
	if helixErr == nil && res.MessageID != "" && res.IsSent {
		s.Engine.EnqueuePending(ch, text, res.MessageID)
		return nil
	}
	if helixErr == nil && res.DropReason != "" {
		return fmt.Errorf("send: %w: %s", twitchapi.ErrMessageDropped, res.DropReason)
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "moderation"), slog.String("channel", ch))
	if helixErr != nil {
		log.Warn("helix send failed, falling back to irc", slog.Any("err", helixErr))
	} else {
		log.Warn("helix send returned no message id, falling back to irc", slog.String("drop_reason", res.DropReason))
	}
	if ircErr := s.Transport.Say(ch, text); ircErr != nil {
		if helixErr != nil {
			return errors.Join(helixErr, ircErr)
		}
		return ircErr
	}
	return nil
}

// Announce posts an announcement.
func (s *Service) Announce(ctx context.Context, channel, message, color string) (err error) {
	defer func() { telemetry.RecordModAction("announce", err) }()
	return s.API.SendAnnouncement(ctx, chat.NormalizeChannel(channel), message, color)
}

// Ban bans login and marks their messages deleted once Helix confirms.
func (s *Service) Ban(ctx context.Context, channel, login, reason string) (err error) {
	defer func() { telemetry.RecordModAction("ban", err) }()
	ch := chat.NormalizeChannel(channel)
	if err := s.API.Ban(ctx, ch, login, reason); err != nil {
		return err
	}
	s.Engine.MarkUserDeleted(ch, login, "")
	return nil
}

// Timeout suspends login and marks their messages deleted once Helix confirms.
func (s *Service) Timeout(ctx context.Context, channel, login string, seconds int, reason string) (err error) {
	defer func() { telemetry.RecordModAction("timeout", err) }()
	ch := chat.NormalizeChannel(channel)
	if err := s.API.Timeout(ctx, ch, login, seconds, reason); err != nil {
		return err
	}
	s.Engine.MarkUserDeleted(ch, login, "")
	return nil
}

// Unban lifts a ban or timeout. Deleted marks stay.
func (s *Service) Unban(ctx context.Context, channel, login string) (err error) {
	defer func() { telemetry.RecordModAction("unban", err) }()
	return s.API.Unban(ctx, chat.NormalizeChannel(channel), login)
}

// DeleteMessage removes one message by platform id and marks it deleted once confirmed.
func (s *Service) DeleteMessage(ctx context.Context, channel, msgID string) (err error) {
	defer func() { telemetry.RecordModAction("delete", err) }()
	if msgID == "" {
		return reconcile.ErrNoMessageID
	}
	ch := chat.NormalizeChannel(channel)
	if err := s.API.DeleteMessage(ctx, ch, msgID); err != nil {
		return err
	}
	if _, err := s.Engine.MarkMessageDeleted(ch, msgID); err != nil {
		return err
	}
	return nil
}

// ClearChat wipes the channel. The pane is marked when the CLEARCHAT arrives
// on the transport.
func (s *Service) ClearChat(ctx context.Context, channel string) (err error) {
	defer func() { telemetry.RecordModAction("clear", err) }()
	return s.API.ClearChat(ctx, chat.NormalizeChannel(channel))
}
