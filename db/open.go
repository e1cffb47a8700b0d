package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/modtender/backend/config"
	"github.com/onnwee/modtender/backend/crypto"
	"github.com/onnwee/modtender/backend/store"
)

// OpenStore builds the credential store selected by cfg.StoreBackend, wrapped
// in store.Sealed when an encryption key is configured. The returned close
// func releases the database handle, if any.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	st, closeFn, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.EncryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, tokens are stored in plaintext", slog.String("component", "store"), slog.String("backend", cfg.StoreBackend))
		return st, closeFn, nil
	}
	sealer, err := crypto.NewAESSealer(cfg.EncryptionKey)
	if err != nil {
		_ = closeFn()
		return nil, nil, fmt.Errorf("encryption key: %w", err)
	}
	return &store.Sealed{Inner: st, Sealer: sealer}, closeFn, nil
}

// OpenBackend opens the raw backend without sealing.
func OpenBackend(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	var (
		st      store.Store
		closeFn = func() error { return nil }
	)
	switch cfg.StoreBackend {
	case config.StoreMemory:
		st = store.NewMemory(nil)
	case config.StorePostgres:
		database, err := Connect(cfg.DBDsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		if err := database.PingContext(ctx); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("ping db: %w", err)
		}
		if err := Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, nil, err
		}
		st = &CredentialStore{DB: database}
		closeFn = database.Close
	default:
		st = &store.File{Path: cfg.StorePath}
	}
	return st, closeFn, nil
}
