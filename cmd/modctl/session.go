package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/onnwee/modtender/backend/config"
	"github.com/onnwee/modtender/backend/db"
	"github.com/onnwee/modtender/backend/oauth"
	"github.com/onnwee/modtender/backend/store"
	"github.com/onnwee/modtender/backend/telemetry"
	"github.com/onnwee/modtender/backend/twitchapi"
)

// session is what every command works against.
type session struct {
	cfg   *config.Config
	store store.Store
	coord *oauth.Coordinator
	api   *twitchapi.Client
	out   io.Writer
	close func() error
}

// openSession is replaced in tests.
var openSession = func(c *cli.Context) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	st, closeFn, err := db.OpenStore(c.Context, cfg)
	if err != nil {
		return nil, err
	}
	coord, err := oauth.NewCoordinator(c.Context, oauth.Options{
		Store:             st,
		DelegatedBaseURL:  cfg.DelegatedAuthURL,
		DelegatedClientID: cfg.DelegatedClientID,
		SettleDelay:       cfg.RefreshSettleDelay,
	})
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	return &session{
		cfg:   cfg,
		store: st,
		coord: coord,
		api:   twitchapi.NewClient(coord, st, twitchapi.DefaultBaseURL, cfg.HelixRatePerMinute),
		out:   c.App.Writer,
		close: closeFn,
	}, nil
}

func withSession(fn func(*cli.Context, *session) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer func() { _ = s.close() }()
		return fn(c, s)
	}
}

// LoginCommand returns the login command
func LoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Authorize modtender as a Twitch moderator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Login flow: direct (own client secret) or delegated (external auth service)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Loopback port for the direct flow callback (0 picks a free port)",
			},
		},
		Action: withSession(runLogin),
	}
}

func runLogin(c *cli.Context, s *session) error {
	mode := s.cfg.TwitchAuthMode
	if m := c.String("mode"); m != "" {
		mode = string(oauth.ParseAuthMode(m))
	}
	s.cfg.TwitchAuthMode = mode
	if err := s.cfg.ValidateAuthReady(); err != nil {
		return err
	}
	port := s.cfg.OAuthRedirectPort
	if c.IsSet("port") {
		port = c.Int("port")
	}
	opts := oauth.LoginOptions{
		RedirectPort: port,
		Timeout:      s.cfg.LoginTimeout,
		OpenURL: func(u string) error {
			_, err := fmt.Fprintf(s.out, "Open this URL in a browser to authorize:\n\n  %s\n\n", u)
			return err
		},
	}

	var (
		sess *oauth.Session
		err  error
	)
	if oauth.ParseAuthMode(mode) == oauth.ModeDelegated {
		sess, err = s.coord.LoginDelegated(c.Context, opts)
	} else {
		if err := s.coord.SetClientCredentials(c.Context, s.cfg.TwitchClientID, s.cfg.TwitchClientSecret); err != nil {
			return fmt.Errorf("store client credentials: %w", err)
		}
		sess, err = s.coord.LoginDirect(c.Context, opts)
	}
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Fprintf(s.out, "Logged in as %s (%s, %s mode)\n", sess.Login, sess.UserID, sess.Mode)
	return nil
}

// LogoutCommand returns the logout command
func LogoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Forget the stored Twitch session",
		Action: withSession(func(c *cli.Context, s *session) error {
			if err := s.coord.Logout(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Logged out")
			return nil
		}),
	}
}

// WhoamiCommand returns the whoami command
func WhoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "Validate the stored token and show who it belongs to",
		Action: withSession(func(c *cli.Context, s *session) error {
			if !s.coord.Authenticated() {
				return oauth.ErrNotAuthenticated
			}
			ctx, cancel := context.WithTimeout(c.Context, 15*time.Second)
			defer cancel()
			res, err := s.coord.Validate(ctx)
			if err != nil {
				return err
			}
			st := s.coord.State()
			fmt.Fprintf(s.out, "login:      %s (%s)\n", res.Login, res.UserID)
			fmt.Fprintf(s.out, "auth mode:  %s\n", st.AuthMode)
			fmt.Fprintf(s.out, "token:      %s\n", telemetry.MaskToken(st.AccessToken))
			fmt.Fprintf(s.out, "expires in: %s\n", time.Duration(res.ExpiresIn)*time.Second)
			fmt.Fprintf(s.out, "scopes:     %s\n", strings.Join(res.Scopes, " "))
			return nil
		}),
	}
}
