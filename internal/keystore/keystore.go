// Package keystore holds the versioned data keys used for field encryption.
// Raw key material is generated, wrapped and unwrapped inside this package;
// callers only ever see Key handles that seal and open.
package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of every data key.
const KeySize = 32

// Algorithm names an AEAD construction.
type Algorithm string

const (
	AlgorithmAES256GCM         Algorithm = "aes-256-gcm"
	AlgorithmXChaCha20Poly1305 Algorithm = "xchacha20-poly1305"
)

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	return a == AlgorithmAES256GCM || a == AlgorithmXChaCha20Poly1305
}

// Status is the lifecycle state of a key version.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRetired Status = "RETIRED"
)

var (
	ErrUnknownVersion = errors.New("unknown key version")
	ErrNoActiveKey    = errors.New("no active key version")
	ErrUnwrapFailed   = errors.New("failed to unwrap key material")
	ErrInvalidRecord  = errors.New("invalid key version record")
)

// KeyVersion is the metadata of one data key. It never carries material.
type KeyVersion struct {
	Version   uint32    `json:"version"`
	Algorithm Algorithm `json:"algorithm"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	RetiredAt time.Time `json:"retired_at,omitempty"`
}

// Key is a usable data key handle.
type Key struct {
	Version   uint32
	Algorithm Algorithm
	aead      cipher.AEAD
}

// NonceSize returns the nonce length required by Seal and Open.
func (k Key) NonceSize() int { return k.aead.NonceSize() }

// Overhead returns the authentication tag length.
func (k Key) Overhead() int { return k.aead.Overhead() }

// Seal encrypts and authenticates plaintext, appending the result to dst.
func (k Key) Seal(dst, nonce, plaintext, aad []byte) []byte {
	return k.aead.Seal(dst, nonce, plaintext, aad)
}

// Open authenticates and decrypts ciphertext, appending the result to dst.
func (k Key) Open(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	return k.aead.Open(dst, nonce, ciphertext, aad)
}

// Info summarizes the store without exposing material.
type Info struct {
	ActiveVersion uint32    `json:"active_version"`
	TotalVersions int       `json:"total_versions"`
	Algorithm     Algorithm `json:"algorithm"`
}

type snapshot struct {
	active uint32
	keys   map[uint32]Key
	meta   map[uint32]KeyVersion
}

// Store resolves key versions to AEADs. Reads are lock-free; Rotate builds a
// new snapshot and swaps it in.
type Store struct {
	current  atomic.Pointer[snapshot]
	rotateMu sync.Mutex

	persister Persister
	wrapper   Wrapper
	algorithm Algorithm
	rand      io.Reader
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithAlgorithm sets the algorithm for newly generated keys.
func WithAlgorithm(a Algorithm) Option {
	return func(s *Store) { s.algorithm = a }
}

// WithRandom overrides the randomness source for key generation.
func WithRandom(r io.Reader) Option {
	return func(s *Store) { s.rand = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open loads every persisted version, unwrapping each key once. An empty
// persister is initialized with version 1.
func Open(ctx context.Context, persister Persister, wrapper Wrapper, opts ...Option) (*Store, error) {
	if persister == nil || wrapper == nil {
		return nil, errors.New("keystore: persister and wrapper are required")
	}
	s := &Store{
		persister: persister,
		wrapper:   wrapper,
		algorithm: AlgorithmAES256GCM,
		rand:      rand.Reader,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.algorithm.Valid() {
		return nil, fmt.Errorf("keystore: unsupported algorithm %q", s.algorithm)
	}

	records, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("keystore: load versions: %w", err)
	}

	if len(records) == 0 {
		rec, key, err := s.generate(ctx, 1)
		if err != nil {
			return nil, err
		}
		if err := persister.Insert(ctx, rec); err != nil {
			return nil, fmt.Errorf("keystore: persist initial version: %w", err)
		}
		s.current.Store(&snapshot{
			active: 1,
			keys:   map[uint32]Key{1: key},
			meta:   map[uint32]KeyVersion{1: rec.KeyVersion},
		})
		s.logger.Info("initialized key store", slog.Uint64("version", 1), slog.String("algorithm", string(s.algorithm)))
		return s, nil
	}

	snap := &snapshot{
		keys: make(map[uint32]Key, len(records)),
		meta: make(map[uint32]KeyVersion, len(records)),
	}
	for _, rec := range records {
		key, err := s.unwrap(ctx, rec)
		if err != nil {
			return nil, err
		}
		if rec.Status == StatusActive {
			if snap.active != 0 {
				return nil, fmt.Errorf("%w: versions %d and %d are both active", ErrInvalidRecord, snap.active, rec.Version)
			}
			snap.active = rec.Version
		}
		snap.keys[rec.Version] = key
		snap.meta[rec.Version] = rec.KeyVersion
	}
	if snap.active == 0 {
		return nil, ErrNoActiveKey
	}
	s.current.Store(snap)
	s.logger.Info("loaded key store",
		slog.Int("versions", len(records)),
		slog.Uint64("active_version", uint64(snap.active)),
	)
	return s, nil
}

// Active returns the key new data is encrypted under.
func (s *Store) Active() (Key, error) {
	snap := s.current.Load()
	key, ok := snap.keys[snap.active]
	if !ok {
		return Key{}, ErrNoActiveKey
	}
	return key, nil
}

// Lookup returns the key for version, whatever its status.
func (s *Store) Lookup(version uint32) (Key, error) {
	key, ok := s.current.Load().keys[version]
	if !ok {
		return Key{}, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return key, nil
}

// Info returns the active version, version count and active algorithm.
func (s *Store) Info() Info {
	snap := s.current.Load()
	return Info{
		ActiveVersion: snap.active,
		TotalVersions: len(snap.keys),
		Algorithm:     snap.meta[snap.active].Algorithm,
	}
}

// Versions returns the metadata of every version, oldest first.
func (s *Store) Versions() []KeyVersion {
	snap := s.current.Load()
	out := make([]KeyVersion, 0, len(snap.meta))
	for _, m := range snap.meta {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Rotate generates the next version, persists it wrapped, retires the
// previous active version and swaps the snapshot. Existing ciphertexts stay
// readable under their own version.
func (s *Store) Rotate(ctx context.Context) (KeyVersion, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	old := s.current.Load()
	next := old.active + 1
	for {
		if _, taken := old.keys[next]; !taken {
			break
		}
		next++
	}

	rec, key, err := s.generate(ctx, next)
	if err != nil {
		return KeyVersion{}, err
	}
	retiredAt := rec.CreatedAt
	if err := s.persister.Rotate(ctx, old.active, retiredAt, rec); err != nil {
		return KeyVersion{}, fmt.Errorf("keystore: persist rotation: %w", err)
	}

	snap := &snapshot{
		active: next,
		keys:   make(map[uint32]Key, len(old.keys)+1),
		meta:   make(map[uint32]KeyVersion, len(old.meta)+1),
	}
	for v, k := range old.keys {
		snap.keys[v] = k
	}
	for v, m := range old.meta {
		snap.meta[v] = m
	}
	prev := snap.meta[old.active]
	prev.Status = StatusRetired
	prev.RetiredAt = retiredAt
	snap.meta[old.active] = prev
	snap.keys[next] = key
	snap.meta[next] = rec.KeyVersion
	s.current.Store(snap)

	s.logger.Info("rotated data key",
		slog.Uint64("retired_version", uint64(old.active)),
		slog.Uint64("active_version", uint64(next)),
		slog.String("wrapper", s.wrapper.Name()),
	)
	return rec.KeyVersion, nil
}

func (s *Store) generate(ctx context.Context, version uint32) (Record, Key, error) {
	material := make([]byte, KeySize)
	defer clear(material)
	if _, err := io.ReadFull(s.rand, material); err != nil {
		return Record{}, Key{}, fmt.Errorf("keystore: generate key: %w", err)
	}
	aead, err := newAEAD(s.algorithm, material)
	if err != nil {
		return Record{}, Key{}, err
	}
	wrapped, err := s.wrapper.Wrap(ctx, version, material)
	if err != nil {
		return Record{}, Key{}, fmt.Errorf("keystore: wrap version %d: %w", version, err)
	}
	rec := Record{
		KeyVersion: KeyVersion{
			Version:   version,
			Algorithm: s.algorithm,
			Status:    StatusActive,
			CreatedAt: s.now().UTC(),
		},
		WrappedKey: wrapped,
	}
	return rec, Key{Version: version, Algorithm: s.algorithm, aead: aead}, nil
}

func (s *Store) unwrap(ctx context.Context, rec Record) (Key, error) {
	if rec.Version == 0 || !rec.Algorithm.Valid() {
		return Key{}, fmt.Errorf("%w: version %d algorithm %q", ErrInvalidRecord, rec.Version, rec.Algorithm)
	}
	material, err := s.wrapper.Unwrap(ctx, rec.Version, rec.WrappedKey)
	if err != nil {
		return Key{}, fmt.Errorf("%w: version %d: %w", ErrUnwrapFailed, rec.Version, err)
	}
	defer clear(material)
	aead, err := newAEAD(rec.Algorithm, material)
	if err != nil {
		return Key{}, err
	}
	return Key{Version: rec.Version, Algorithm: rec.Algorithm, aead: aead}, nil
}

func newAEAD(alg Algorithm, material []byte) (cipher.AEAD, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("keystore: key must be %d bytes, got %d", KeySize, len(material))
	}
	switch alg {
	case AlgorithmAES256GCM:
		block, err := aes.NewCipher(material)
		if err != nil {
			return nil, fmt.Errorf("keystore: create cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgorithmXChaCha20Poly1305:
		return chacha20poly1305.NewX(material)
	default:
		return nil, fmt.Errorf("keystore: unsupported algorithm %q", alg)
	}
}
