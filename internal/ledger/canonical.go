package ledger

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/text/unicode/norm"
)

// canonicalVersion is bumped whenever the canonical layout changes.
const canonicalVersion = 1

// canonicalEntry is the fixed-order array hashed for every entry. Field order
// is part of the chain format and must never change within a version.
type canonicalEntry struct {
	_           struct{} `cbor:",toarray"`
	Version     uint8
	Sequence    uint64
	Timestamp   int64
	Actor       string
	EventType   string
	Severity    string
	Sensitivity string
	PatientID   string
	Details     map[string]string
	IPAddress   string
	RequestID   string
	PrevHash    string
}

var canonicalMode cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("ledger: cbor encoding mode: %v", err))
	}
	canonicalMode = mode
}

// Canonical returns the deterministic byte encoding of e with the Hash field
// excluded. Encoding is RFC 8949 core deterministic CBOR; strings are NFC
// normalized and timestamps are encoded as UTC Unix nanoseconds.
func Canonical(e *Entry) ([]byte, error) {
	details := make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		nk := norm.NFC.String(k)
		if _, dup := details[nk]; dup {
			return nil, fmt.Errorf("%w: entry %d has details keys that collide after normalization", ErrInvalidEvent, e.Sequence)
		}
		details[nk] = norm.NFC.String(v)
	}

	c := canonicalEntry{
		Version:     canonicalVersion,
		Sequence:    e.Sequence,
		Timestamp:   e.Timestamp.UTC().UnixNano(),
		Actor:       norm.NFC.String(e.Actor),
		EventType:   string(e.EventType),
		Severity:    e.Severity.String(),
		Sensitivity: e.Sensitivity.String(),
		PatientID:   norm.NFC.String(e.PatientID),
		Details:     details,
		IPAddress:   e.IPAddress,
		RequestID:   e.RequestID,
		PrevHash:    e.PrevHash,
	}

	b, err := canonicalMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding of entry %d: %w", e.Sequence, err)
	}
	return b, nil
}
