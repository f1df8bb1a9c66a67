package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/vault/api"
)

// Wrapper protects data keys at rest. The version is bound into the
// wrapping so a record cannot be swapped onto another version.
type Wrapper interface {
	Name() string
	Wrap(ctx context.Context, version uint32, key []byte) ([]byte, error)
	Unwrap(ctx context.Context, version uint32, wrapped []byte) ([]byte, error)
}

// LocalWrapper wraps data keys with AES-256-GCM under a master key held in
// process memory.
type LocalWrapper struct {
	aead cipher.AEAD
}

// NewLocalWrapper creates a LocalWrapper from a 32-byte master key.
func NewLocalWrapper(masterKey []byte) (*LocalWrapper, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("keystore: master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: create master cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: create master GCM: %w", err)
	}
	return &LocalWrapper{aead: aead}, nil
}

// Name implements Wrapper.
func (w *LocalWrapper) Name() string { return "local" }

// Wrap implements Wrapper. Output is nonce ‖ ciphertext ‖ tag.
func (w *LocalWrapper) Wrap(_ context.Context, version uint32, key []byte) ([]byte, error) {
	nonce := make([]byte, w.aead.NonceSize(), w.aead.NonceSize()+len(key)+w.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return w.aead.Seal(nonce, nonce, key, versionAAD(version)), nil
}

// Unwrap implements Wrapper.
func (w *LocalWrapper) Unwrap(_ context.Context, version uint32, wrapped []byte) ([]byte, error) {
	ns := w.aead.NonceSize()
	if len(wrapped) < ns+w.aead.Overhead() {
		return nil, errors.New("wrapped key too short")
	}
	return w.aead.Open(nil, wrapped[:ns], wrapped[ns:], versionAAD(version))
}

func versionAAD(version uint32) []byte {
	aad := []byte("carevault/data-key/")
	return binary.BigEndian.AppendUint32(aad, version)
}

// VaultTransitWrapper wraps data keys with a HashiCorp Vault transit key.
// The version is passed as transit context, so the transit key must be
// created with derived=true.
type VaultTransitWrapper struct {
	client  *api.Client
	keyName string
}

// NewVaultTransitWrapper wraps keys with the transit key keyName.
func NewVaultTransitWrapper(client *api.Client, keyName string) (*VaultTransitWrapper, error) {
	if client == nil {
		return nil, errors.New("keystore: vault client is required")
	}
	if keyName == "" {
		return nil, errors.New("keystore: transit key name is required")
	}
	return &VaultTransitWrapper{client: client, keyName: keyName}, nil
}

// NewVaultClient builds a Vault client from VAULT_ADDR, VAULT_TOKEN and
// VAULT_NAMESPACE, with addr and token overriding the environment when set.
func NewVaultClient(addr, token string) (*api.Client, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if ns := os.Getenv("VAULT_NAMESPACE"); ns != "" {
		client.SetNamespace(ns)
	}
	if token != "" {
		client.SetToken(token)
	}
	return client, nil
}

// Name implements Wrapper.
func (w *VaultTransitWrapper) Name() string { return "vault-transit" }

// Wrap implements Wrapper. The stored form is Vault's "vault:vN:..." string.
func (w *VaultTransitWrapper) Wrap(ctx context.Context, version uint32, key []byte) ([]byte, error) {
	resp, err := w.client.Logical().WriteWithContext(ctx, "transit/encrypt/"+w.keyName, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(key),
		"context":   transitContext(version),
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit encrypt: %w", err)
	}
	if resp == nil || resp.Data == nil {
		return nil, errors.New("vault transit encrypt: empty response")
	}
	ciphertext, ok := resp.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault transit encrypt: ciphertext missing from response")
	}
	return []byte(ciphertext), nil
}

// Unwrap implements Wrapper.
func (w *VaultTransitWrapper) Unwrap(ctx context.Context, version uint32, wrapped []byte) ([]byte, error) {
	resp, err := w.client.Logical().WriteWithContext(ctx, "transit/decrypt/"+w.keyName, map[string]interface{}{
		"ciphertext": string(wrapped),
		"context":    transitContext(version),
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt: %w", err)
	}
	if resp == nil || resp.Data == nil {
		return nil, errors.New("vault transit decrypt: empty response")
	}
	encoded, ok := resp.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault transit decrypt: plaintext missing from response")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt: decode plaintext: %w", err)
	}
	return key, nil
}

func transitContext(version uint32) string {
	return base64.StdEncoding.EncodeToString(versionAAD(version))
}
