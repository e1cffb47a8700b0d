// Package crypto seals credential values at rest. It implements AES-256-GCM
// authenticated encryption and tags every sealed value with a version prefix
// so that plaintext values written before sealing was enabled stay readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a value produced by Seal. Values without it are plaintext.
const SealedPrefix = "enc:v1:"

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("credential authentication failed")

// Sealer encrypts and decrypts single credential values.
type Sealer interface {
	// Seal returns SealedPrefix followed by base64(nonce || ciphertext || tag).
	Seal(plaintext string) (string, error)
	// Open reverses Seal. Values lacking SealedPrefix are returned unchanged.
	Open(value string) (string, error)
}

// AESSealer implements Sealer using AES-256-GCM.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer builds a sealer from a base64-encoded 32-byte key:
//
//	openssl rand -base64 32
func NewAESSealer(base64Key string) (*AESSealer, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESSealer{aead: gcm}, nil
}

// Seal encrypts plaintext. Empty input stays empty so that "unset" survives a round trip.
func (s *AESSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if IsSealed(plaintext) {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value, or passes a legacy plaintext value through.
func (s *AESSealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n, len(raw))
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrOpen
	}
	return string(plain), nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool { return strings.HasPrefix(v, SealedPrefix) }
