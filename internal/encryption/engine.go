// Package encryption seals scalar values into versioned envelopes and
// drives key rotation.
//
// Envelope layout:
//
//	0x01 | version (uint32, big endian) | nonce | ciphertext | tag
//
// The 5-byte header is authenticated as additional data, so the embedded
// version cannot be altered without failing decryption.
package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/onnwee/carevault/internal/keystore"
	"github.com/onnwee/carevault/internal/ledger"
)

const (
	formatV1   byte = 0x01
	headerSize      = 5
)

// KeyProvider resolves key versions. Satisfied by *keystore.Store.
type KeyProvider interface {
	Active() (keystore.Key, error)
	Lookup(version uint32) (keystore.Key, error)
	Rotate(ctx context.Context) (keystore.KeyVersion, error)
	Info() keystore.Info
}

// Auditor records ledger events. Satisfied by *ledger.Ledger.
type Auditor interface {
	Record(ctx context.Context, ev ledger.Event) (ledger.Entry, error)
}

// Engine encrypts and decrypts values with versioned keys.
type Engine struct {
	keys    KeyProvider
	auditor Auditor
	rand    io.Reader
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditor records key rotations in the audit ledger.
func WithAuditor(a Auditor) Option {
	return func(e *Engine) { e.auditor = a }
}

// WithRandom overrides the nonce source.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) { e.rand = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine over keys.
func NewEngine(keys KeyProvider, opts ...Option) *Engine {
	e := &Engine{
		keys:   keys,
		rand:   rand.Reader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics.setActiveVersion(keys.Info().ActiveVersion)
	return e
}

// Encrypt seals plaintext under the active key with a fresh nonce.
func (e *Engine) Encrypt(plaintext []byte) (envelope []byte, err error) {
	defer func() { e.metrics.recordOperation("encrypt", err) }()

	key, err := e.keys.Active()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	ns := key.NonceSize()
	out := make([]byte, headerSize+ns, headerSize+ns+len(plaintext)+key.Overhead())
	out[0] = formatV1
	binary.BigEndian.PutUint32(out[1:headerSize], key.Version)
	if _, err := io.ReadFull(e.rand, out[headerSize:]); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %w", ErrEncryptionFailed, err)
	}
	return key.Seal(out, out[headerSize:], plaintext, out[:headerSize]), nil
}

// Decrypt opens an envelope with the key version embedded in it. On failure
// no plaintext is returned and the error wraps ErrDecryptionFailed together
// with the specific kind.
func (e *Engine) Decrypt(envelope []byte) (plaintext []byte, err error) {
	defer func() { e.metrics.recordOperation("decrypt", err) }()

	version, err := envelopeVersion(envelope)
	if err != nil {
		return nil, err
	}
	key, err := e.keys.Lookup(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %d", ErrDecryptionFailed, ErrUnknownKeyVersion, version)
	}

	ns := key.NonceSize()
	if len(envelope) < headerSize+ns+key.Overhead() {
		return nil, fmt.Errorf("%w: %w: too short for %s", ErrDecryptionFailed, ErrMalformedEnvelope, key.Algorithm)
	}
	nonce := envelope[headerSize : headerSize+ns]
	plaintext, err = key.Open(nil, nonce, envelope[headerSize+ns:], envelope[:headerSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrAuthentication)
	}
	return plaintext, nil
}

// EncryptString encrypts s and returns the standard base64 text form.
func (e *Engine) EncryptString(s string) (string, error) {
	envelope, err := e.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(envelope), nil
}

// DecryptString decodes and decrypts the text form.
func (e *Engine) DecryptString(encoded string) (string, error) {
	envelope, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		e.metrics.recordOperation("decrypt", err)
		return "", fmt.Errorf("%w: %w: invalid base64", ErrDecryptionFailed, ErrMalformedEnvelope)
	}
	plaintext, err := e.Decrypt(envelope)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// NeedsReencryption reports whether envelope was sealed under a key other
// than the active one.
func (e *Engine) NeedsReencryption(envelope []byte) bool {
	version, err := envelopeVersion(envelope)
	if err != nil {
		return false
	}
	return version != e.keys.Info().ActiveVersion
}

// Reencrypt decrypts envelope and seals it again under the active key. An
// envelope already under the active key is returned unchanged.
func (e *Engine) Reencrypt(envelope []byte) ([]byte, error) {
	if !e.NeedsReencryption(envelope) {
		if _, err := envelopeVersion(envelope); err != nil {
			return nil, err
		}
		return envelope, nil
	}
	plaintext, err := e.Decrypt(envelope)
	if err != nil {
		return nil, err
	}
	defer clear(plaintext)
	return e.Encrypt(plaintext)
}

// KeyInfo describes the key store without exposing material.
func (e *Engine) KeyInfo() keystore.Info {
	return e.keys.Info()
}

// RotateKeys makes a new key version active. Existing envelopes are not
// re-encrypted. With an auditor configured the rotation is recorded as a
// KEY_ROTATION event; if that append fails the new version is still active
// and the returned error wraps ledger.ErrAppendFailed.
func (e *Engine) RotateKeys(ctx context.Context) (uint32, error) {
	previous := e.keys.Info().ActiveVersion
	kv, err := e.keys.Rotate(ctx)
	if err != nil {
		return 0, fmt.Errorf("rotate keys: %w", err)
	}
	e.metrics.recordRotation(kv.Version)
	e.logger.InfoContext(ctx, "encryption key rotated",
		slog.Uint64("previous_version", uint64(previous)),
		slog.Uint64("active_version", uint64(kv.Version)),
	)

	if e.auditor == nil {
		return kv.Version, nil
	}
	_, err = e.auditor.Record(ctx, ledger.Event{
		Type:        ledger.EventKeyRotation,
		Severity:    ledger.SeverityWarning,
		Sensitivity: ledger.SensitivityConfidential,
		Details: map[string]string{
			"previous_version": strconv.FormatUint(uint64(previous), 10),
			"active_version":   strconv.FormatUint(uint64(kv.Version), 10),
			"algorithm":        string(kv.Algorithm),
		},
	})
	if err != nil {
		return kv.Version, fmt.Errorf("record key rotation: %w", err)
	}
	return kv.Version, nil
}

func envelopeVersion(envelope []byte) (uint32, error) {
	if len(envelope) < headerSize {
		return 0, fmt.Errorf("%w: %w: %d bytes", ErrDecryptionFailed, ErrMalformedEnvelope, len(envelope))
	}
	if envelope[0] != formatV1 {
		return 0, fmt.Errorf("%w: %w: format byte 0x%02x", ErrDecryptionFailed, ErrMalformedEnvelope, envelope[0])
	}
	return binary.BigEndian.Uint32(envelope[1:headerSize]), nil
}
