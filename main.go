// Command backend is the main entrypoint of the modtender service. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the credential store (file, Postgres or memory, optionally sealed).
//   - Starts the token coordinator and its periodic validator.
//   - Connects the chat transport as the logged-in moderator and joins the
//     configured channels, feeding events into the reconciliation engine.
//   - Exposes the HTTP surface with probes, status, metrics and moderation actions.
//
// Shutdown is graceful on SIGINT/SIGTERM. Logins are performed with cmd/modctl.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/config"
	"github.com/onnwee/modtender/backend/db"
	"github.com/onnwee/modtender/backend/moderation"
	"github.com/onnwee/modtender/backend/oauth"
	"github.com/onnwee/modtender/backend/reconcile"
	"github.com/onnwee/modtender/backend/server"
	"github.com/onnwee/modtender/backend/store"
	"github.com/onnwee/modtender/backend/telemetry"
	"github.com/onnwee/modtender/backend/twitchapi"
)

const version = "0.4.0"

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "modtender", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := db.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open credential store", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Error("failed to close credential store", slog.Any("err", err))
		}
	}()

	coord, err := oauth.NewCoordinator(ctx, oauth.Options{
		Store:             st,
		DelegatedBaseURL:  cfg.DelegatedAuthURL,
		DelegatedClientID: cfg.DelegatedClientID,
		SettleDelay:       cfg.RefreshSettleDelay,
	})
	if err != nil {
		slog.Error("failed to load token state", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.TwitchClientID != "" && coord.State().ClientID == "" {
		if err := coord.SetClientCredentials(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret); err != nil {
			slog.Warn("failed to store client credentials", slog.Any("err", err))
		}
	}
	coord.StartValidator(ctx, cfg.TokenValidateInterval)

	api := twitchapi.NewClient(coord, st, twitchapi.DefaultBaseURL, cfg.HelixRatePerMinute)
	transport := chat.NewTransport()
	engine := reconcile.New(reconcile.Config{
		Retention:    cfg.ChatRetention,
		HistoryCap:   cfg.UserHistoryCap,
		ModeDebounce: cfg.ModeDebounce,
		ChatterTTL:   cfg.ChatterTTL,
	})
	svc := moderation.New(api, transport, engine, moderation.Options{PollInterval: cfg.SettingsPollInterval})
	go svc.Run(ctx)

	go runChat(ctx, cfg, st, coord, api, transport, svc)

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	go func() {
		deps := server.Deps{Auth: coord, Chat: transport, Engine: engine, Moderation: svc, Store: st, Version: version}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	transport.Disconnect()
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// runChat keeps the chat transport connected as the stored user. It waits
// for a login, reconnects with backoff after a drop and re-syncs channels.
func runChat(ctx context.Context, cfg *config.Config, st store.Store, coord *oauth.Coordinator, api *twitchapi.Client, tr *chat.Transport, svc *moderation.Service) {
	log := slog.Default().With(slog.String("component", "chat"))
	backoff := 2 * time.Second
	for ctx.Err() == nil {
		if !coord.Authenticated() {
			log.Info("no twitch session stored; run `modctl login` to authorize")
			if !sleepCtx(ctx, 30*time.Second) {
				return
			}
			continue
		}
		if err := connectChat(ctx, cfg, st, coord, api, tr, svc); err != nil {
			log.Warn("chat connect failed", slog.Any("err", err), slog.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, 2*time.Minute)
			continue
		}
		backoff = 2 * time.Second
		tr.Wait(ctx)
		if ctx.Err() == nil {
			log.Warn("chat transport dropped, reconnecting")
		}
	}
}

func connectChat(ctx context.Context, cfg *config.Config, st store.Store, coord *oauth.Coordinator, api *twitchapi.Client, tr *chat.Transport, svc *moderation.Service) error {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	// Refreshes an expired token before it is handed to IRC.
	if err := api.EnsureAccessToken(cctx); err != nil {
		return err
	}
	login, err := coord.Login(cctx)
	if err != nil {
		return err
	}
	userID, err := coord.UserID(cctx)
	if err != nil {
		return err
	}
	if err := tr.Connect(cctx, chat.Identity{Login: login, UserID: userID}, coord.State().AccessToken); err != nil {
		return err
	}
	svc.Engine.SetSelfLogin(login)

	channels, err := store.GetList(ctx, st, store.KeyChannels)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		channels = cfg.TwitchChannels
	}
	slog.Info("chat connected", slog.String("component", "chat"), slog.String("login", login), slog.Any("channels", channels))
	if err := svc.SyncChannels(ctx, channels); err != nil {
		slog.Warn("channel sync incomplete", slog.String("component", "chat"), slog.Any("err", err))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
