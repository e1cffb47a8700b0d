// Command seal-credentials rewrites plaintext secrets in the configured
// credential store in sealed (AES-256-GCM) form. Run it once after setting
// ENCRYPTION_KEY on a store that was written without one.
//
// Usage:
//
//	seal-credentials [--dry-run]
//
// It reads the same environment as the service: STORE_BACKEND, STORE_PATH,
// DB_DSN and ENCRYPTION_KEY (required).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/onnwee/modtender/backend/config"
	"github.com/onnwee/modtender/backend/crypto"
	"github.com/onnwee/modtender/backend/db"
	"github.com/onnwee/modtender/backend/store"
)

func main() {
	_ = godotenv.Load(".env")
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	app := &cli.App{
		Name:  "seal-credentials",
		Usage: "Seal plaintext secrets in the credential store",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Show what would be sealed without making changes",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			inner, closeFn, err := db.OpenBackend(c.Context, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			return sealCredentials(c.Context, inner, cfg.EncryptionKey, c.Bool("dry-run"))
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var errNoKey = errors.New("ENCRYPTION_KEY environment variable is required")

func sealCredentials(ctx context.Context, inner store.Store, key string, dryRun bool) error {
	if key == "" {
		return errNoKey
	}
	sealer, err := crypto.NewAESSealer(key)
	if err != nil {
		return fmt.Errorf("failed to initialize sealer: %w", err)
	}

	keys, err := store.Reseal(ctx, inner, sealer, dryRun)
	for _, k := range keys {
		if dryRun {
			slog.Info("would seal secret (dry-run)", slog.String("key", k))
		} else {
			slog.Info("sealed secret", slog.String("key", k))
		}
	}
	if err != nil {
		return fmt.Errorf("sealing stopped after %d secret(s): %w", len(keys), err)
	}
	if len(keys) == 0 {
		slog.Info("no plaintext secrets found")
		return nil
	}
	slog.Info("seal summary", slog.Int("count", len(keys)), slog.Bool("dry_run", dryRun))
	return nil
}
