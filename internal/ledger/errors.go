package ledger

import "errors"

var (
	// ErrAppendFailed wraps any failure to durably append an entry. Callers
	// must treat it as fatal to the operation being audited.
	ErrAppendFailed = errors.New("ledger append failed")

	// ErrInvalidEvent is returned when an event fails validation.
	ErrInvalidEvent = errors.New("invalid audit event")

	// ErrEntryNotFound is returned when no entry exists for a sequence number.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrInvalidCursor is returned for a malformed pagination cursor.
	ErrInvalidCursor = errors.New("invalid pagination cursor")

	errInvalidUTF8 = errors.New("is not valid UTF-8")
	errNULByte     = errors.New("contains a NUL byte")
)

// IsAppendFailure reports whether err is a ledger append failure.
func IsAppendFailure(err error) bool {
	return errors.Is(err, ErrAppendFailed)
}

// IsNotFound reports whether err indicates a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}
