package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hashDomain separates ledger entry hashes from any other use of the same key.
const hashDomain = "carevault/audit-entry/v1"

// Hasher computes entry hashes over canonical bytes.
type Hasher interface {
	// Name identifies the hash policy, e.g. "hmac-sha256".
	Name() string
	// Sum returns the lowercase hex digest of the domain-separated canonical bytes.
	Sum(canonical []byte) string
}

// HMACChain keys every entry hash with a secret derived from the ledger
// secret. An attacker with write access to storage but without the secret
// cannot forge a consistent chain.
type HMACChain struct {
	key []byte
}

// NewHMACChain derives the chain key from secret with HKDF-SHA256.
func NewHMACChain(secret []byte) (*HMACChain, error) {
	if len(secret) < 32 {
		return nil, errors.New("ledger secret must be at least 32 bytes")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(hashDomain+"/hmac-key"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive ledger key: %w", err)
	}
	return &HMACChain{key: key}, nil
}

// Name implements Hasher.
func (h *HMACChain) Name() string { return "hmac-sha256" }

// Sum implements Hasher.
func (h *HMACChain) Sum(canonical []byte) string {
	return sumWithDomain(hmac.New(sha256.New, h.key), canonical)
}

// SHA256Chain is an unkeyed chain. It detects accidental corruption and
// naive edits but not an attacker who recomputes every later hash.
type SHA256Chain struct{}

// Name implements Hasher.
func (SHA256Chain) Name() string { return "sha256" }

// Sum implements Hasher.
func (SHA256Chain) Sum(canonical []byte) string {
	return sumWithDomain(sha256.New(), canonical)
}

func sumWithDomain(h hash.Hash, canonical []byte) string {
	h.Write([]byte(hashDomain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// computeHash returns the hash an entry should carry under h.
func computeHash(h Hasher, e *Entry) (string, error) {
	canonical, err := Canonical(e)
	if err != nil {
		return "", err
	}
	return h.Sum(canonical), nil
}
