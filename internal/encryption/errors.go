package encryption

import "errors"

var (
	// ErrEncryptionFailed means no active key could seal the value.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrDecryptionFailed is returned for every failed decrypt, joined with
	// one of the kinds below.
	ErrDecryptionFailed = errors.New("decryption failed")

	ErrUnknownKeyVersion = errors.New("unknown key version")
	ErrAuthentication    = errors.New("authentication tag mismatch")
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// IsDecryptionFailure reports whether err came from a failed decrypt.
func IsDecryptionFailure(err error) bool {
	return errors.Is(err, ErrDecryptionFailed)
}

// FailureReason returns a short label for a decryption error, used in audit
// details and metric labels.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownKeyVersion):
		return "unknown_key_version"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption"
	default:
		return "parse"
	}
}
