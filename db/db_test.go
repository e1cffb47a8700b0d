package db_test

import (
	"context"
	"errors"
	"testing"

	"github.com/onnwee/modtender/backend/db"
	"github.com/onnwee/modtender/backend/store"
	"github.com/onnwee/modtender/backend/testutil"
)

func TestMigrateIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestCredentialStore(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	s := &db.CredentialStore{DB: database}

	if v, err := s.Get(ctx, store.KeyAccessToken); err != nil || v != "" {
		t.Fatalf("Get(missing) = %q, %v", v, err)
	}
	if err := s.Set(ctx, store.KeyAccessToken, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, store.KeyAccessToken, "a2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get(ctx, store.KeyAccessToken); v != "a2" {
		t.Errorf("Get() = %q, want a2", v)
	}
	if err := s.Delete(ctx, store.KeyAccessToken); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get(ctx, store.KeyAccessToken); v != "" {
		t.Errorf("Get() after delete = %q", v)
	}
	if err := s.Set(ctx, "nope", "x"); !errors.Is(err, store.ErrInvalidKey) {
		t.Errorf("Set(nope) = %v, want ErrInvalidKey", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}

func TestCredentialStore_InvalidKeyWithoutDB(t *testing.T) {
	s := &db.CredentialStore{}
	if _, err := s.Get(context.Background(), "bad"); !errors.Is(err, store.ErrInvalidKey) {
		t.Errorf("Get(bad) = %v, want ErrInvalidKey", err)
	}
}
