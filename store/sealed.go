package store

import (
	"context"
	"fmt"

	"github.com/onnwee/modtender/backend/crypto"
)

// Sealed wraps another store and encrypts secret keys (see IsSecret) on the way in.
// Values written before sealing was enabled are read back as plaintext.
type Sealed struct {
	Inner  Store
	Sealer crypto.Sealer
}

func (s *Sealed) Get(ctx context.Context, key string) (string, error) {
	v, err := s.Inner.Get(ctx, key)
	if err != nil || !IsSecret(key) {
		return v, err
	}
	plain, err := s.Sealer.Open(v)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", key, err)
	}
	return plain, nil
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	if IsSecret(key) {
		sealed, err := s.Sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
		value = sealed
	}
	return s.Inner.Set(ctx, key, value)
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.Inner.Delete(ctx, key)
}

// Reseal rewrites every plaintext secret in inner in sealed form. It returns the
// keys that were (or, with dryRun, would be) rewritten.
func Reseal(ctx context.Context, inner Store, sealer crypto.Sealer, dryRun bool) ([]string, error) {
	var changed []string
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyClientSecret} {
		v, err := inner.Get(ctx, key)
		if err != nil {
			return changed, fmt.Errorf("read %s: %w", key, err)
		}
		if v == "" || crypto.IsSealed(v) {
			continue
		}
		changed = append(changed, key)
		if dryRun {
			continue
		}
		sealed, err := sealer.Seal(v)
		if err != nil {
			return changed, fmt.Errorf("seal %s: %w", key, err)
		}
		if err := inner.Set(ctx, key, sealed); err != nil {
			return changed, fmt.Errorf("write %s: %w", key, err)
		}
	}
	return changed, nil
}
