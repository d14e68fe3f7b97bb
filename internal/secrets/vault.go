package secrets

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Vault seals agent credentials at rest. Each credential gets its own data
// key, which is wrapped by the configured Provider (local master key or KMS).
type Vault struct {
	provider Provider
}

// NewVault returns a vault backed by provider.
func NewVault(provider Provider) *Vault {
	return &Vault{provider: provider}
}

// ProviderName reports the backing provider.
func (v *Vault) ProviderName() string { return v.provider.Name() }

// Seal encrypts plaintext under a fresh data key and returns the wrapped data
// key alongside the ciphertext.
func (v *Vault) Seal(ctx context.Context, plaintext []byte) (wrappedKey, ciphertext []byte, err error) {
	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, nil, fmt.Errorf("generate data key: %w", err)
	}
	wrappedKey, err = v.provider.WrapKey(ctx, dataKey)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err = seal(dataKey, plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("seal credential: %w", err)
	}
	return wrappedKey, ciphertext, nil
}

// Open decrypts a credential produced by Seal.
func (v *Vault) Open(ctx context.Context, wrappedKey, ciphertext []byte) ([]byte, error) {
	dataKey, err := v.provider.UnwrapKey(ctx, wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	plaintext, err := open(dataKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("open credential: %w", err)
	}
	return plaintext, nil
}

// ConfigStore persists small key/value settings.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

const (
	canaryKey       = "secrets_canary"
	canaryPlaintext = "agentic-gateway-secrets-canary"
)

// VerifyCanary checks that the provider can decrypt the canary stored on a
// previous run. On first run it stores one. A mismatch means the master key or
// KMS key changed and every sealed credential is unreadable.
func VerifyCanary(ctx context.Context, store ConfigStore, provider Provider) error {
	stored, err := store.GetConfig(ctx, canaryKey)
	if err != nil {
		return fmt.Errorf("read canary from database: %w", err)
	}

	if stored == "" {
		ciphertext, err := provider.WrapKey(ctx, []byte(canaryPlaintext))
		if err != nil {
			return fmt.Errorf("encrypt canary: %w", err)
		}
		if err := store.SetConfig(ctx, canaryKey, hex.EncodeToString(ciphertext)); err != nil {
			return fmt.Errorf("store canary in database: %w", err)
		}
		slog.Info("secrets provider canary stored", "provider", provider.Name())
		return nil
	}

	ciphertext, err := hex.DecodeString(stored)
	if err != nil {
		return fmt.Errorf("decode stored canary: %w", err)
	}
	plaintext, err := provider.UnwrapKey(ctx, ciphertext)
	if err != nil {
		return fmt.Errorf("wrong secrets key: cannot decrypt verification canary (%s provider, did the key change?)", provider.Name())
	}
	if subtle.ConstantTimeCompare(plaintext, []byte(canaryPlaintext)) != 1 {
		return errors.New("secrets canary mismatch: decrypted value does not match expected canary")
	}
	return nil
}
