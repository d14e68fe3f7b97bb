package secrets

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
)

// Provider wraps and unwraps per-credential data keys with a key-encryption key.
// Implementations must be safe for concurrent use.
type Provider interface {
	WrapKey(ctx context.Context, rawKey []byte) ([]byte, error)
	UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error)
	// Name returns "local" or "gcpkms".
	Name() string
}

// LocalProvider wraps keys with a local AES-256-GCM master key.
type LocalProvider struct {
	masterKey []byte
}

// NewLocalProvider returns a provider backed by a 32-byte master key.
func NewLocalProvider(masterKey []byte) (*LocalProvider, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be exactly 32 bytes, got %d", len(masterKey))
	}
	return &LocalProvider{masterKey: masterKey}, nil
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) WrapKey(_ context.Context, rawKey []byte) ([]byte, error) {
	return seal(p.masterKey, rawKey)
}

func (p *LocalProvider) UnwrapKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return open(p.masterKey, wrapped)
}

// KMSProvider wraps keys with a Google Cloud KMS symmetric key.
type KMSProvider struct {
	client      *kms.KeyManagementClient
	keyName     string // projects/P/locations/L/keyRings/R/cryptoKeys/K
	closeClient bool
}

// NewKMSProvider dials KMS with ambient credentials.
func NewKMSProvider(ctx context.Context, keyName string) (*KMSProvider, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create KMS client: %w", err)
	}
	return &KMSProvider{client: client, keyName: keyName, closeClient: true}, nil
}

// NewKMSProviderWithClient uses an existing client, which the caller keeps ownership of.
func NewKMSProviderWithClient(client *kms.KeyManagementClient, keyName string) *KMSProvider {
	return &KMSProvider{client: client, keyName: keyName}
}

func (p *KMSProvider) Name() string { return "gcpkms" }

func (p *KMSProvider) WrapKey(ctx context.Context, rawKey []byte) ([]byte, error) {
	resp, err := p.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      p.keyName,
		Plaintext: rawKey,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS encrypt: %w", err)
	}
	return resp.Ciphertext, nil
}

func (p *KMSProvider) UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	resp, err := p.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       p.keyName,
		Ciphertext: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt: %w", err)
	}
	return resp.Plaintext, nil
}

// Close releases the KMS client if this provider created it.
func (p *KMSProvider) Close() error {
	if p.closeClient && p.client != nil {
		return p.client.Close()
	}
	return nil
}
