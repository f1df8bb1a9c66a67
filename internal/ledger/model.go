// Package ledger implements the tamper-evident audit ledger: an append-only,
// hash-chained log of security and data-access events.
package ledger

import (
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// GenesisHash is the prevHash of the first entry in every ledger.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Severity orders events by operational impact. The zero value means
// "unspecified" and is only meaningful inside filters.
type Severity int

const (
	SeverityInfo Severity = iota + 1
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "INFO",
	SeverityWarning:  "WARNING",
	SeverityError:    "ERROR",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Valid reports whether s is one of the defined severities.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range severityNames {
		if n == upper {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Sensitivity classifies how protected the data touched by an event is.
type Sensitivity int

const (
	SensitivityPublic Sensitivity = iota + 1
	SensitivityInternal
	SensitivityConfidential
	SensitivityPHI
)

var sensitivityNames = map[Sensitivity]string{
	SensitivityPublic:       "PUBLIC",
	SensitivityInternal:     "INTERNAL",
	SensitivityConfidential: "CONFIDENTIAL",
	SensitivityPHI:          "PHI",
}

func (s Sensitivity) String() string {
	if name, ok := sensitivityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Sensitivity(%d)", int(s))
}

// Valid reports whether s is one of the defined sensitivities.
func (s Sensitivity) Valid() bool {
	_, ok := sensitivityNames[s]
	return ok
}

// ParseSensitivity parses a sensitivity name, case-insensitively.
func ParseSensitivity(name string) (Sensitivity, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range sensitivityNames {
		if n == upper {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown sensitivity %q", name)
}

// MarshalText encodes the sensitivity by name.
func (s Sensitivity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid sensitivity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a sensitivity name.
func (s *Sensitivity) UnmarshalText(text []byte) error {
	parsed, err := ParseSensitivity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Retention periods by sensitivity. Enforcement happens outside the ledger;
// entries are never deleted by this package.
var retentionPeriods = map[Sensitivity]time.Duration{
	SensitivityPublic:       365 * 24 * time.Hour,
	SensitivityInternal:     3 * 365 * 24 * time.Hour,
	SensitivityConfidential: 6 * 365 * 24 * time.Hour,
	SensitivityPHI:          7 * 365 * 24 * time.Hour,
}

// RetentionFor returns the minimum retention period for entries of the given sensitivity.
func RetentionFor(s Sensitivity) time.Duration {
	if d, ok := retentionPeriods[s]; ok {
		return d
	}
	return retentionPeriods[SensitivityPHI]
}

// EventType identifies what happened.
type EventType string

const (
	EventLogin               EventType = "LOGIN"
	EventLoginFailure        EventType = "LOGIN_FAILURE"
	EventLogout              EventType = "LOGOUT"
	EventPHIAccess           EventType = "PHI_ACCESS"
	EventPHIExport           EventType = "PHI_EXPORT"
	EventAccessJustification EventType = "ACCESS_JUSTIFICATION"
	EventDataRead            EventType = "DATA_READ"
	EventDataWrite           EventType = "DATA_WRITE"
	EventDataDelete          EventType = "DATA_DELETE"
	EventKeyRotation         EventType = "KEY_ROTATION"
	EventDecryptionFailure   EventType = "DECRYPTION_FAILURE"
	EventAccessDenied        EventType = "ACCESS_DENIED"
	EventRateLimitExceeded   EventType = "RATE_LIMIT_EXCEEDED"
	EventSecurityAlert       EventType = "SECURITY_ALERT"
	EventConfigChange        EventType = "CONFIG_CHANGE"
	EventIntegrityCheck      EventType = "INTEGRITY_CHECK"
	EventSystem              EventType = "SYSTEM"
)

// ValidEventTypes is the closed set of event types the ledger accepts.
var ValidEventTypes = map[EventType]bool{
	EventLogin:               true,
	EventLoginFailure:        true,
	EventLogout:              true,
	EventPHIAccess:           true,
	EventPHIExport:           true,
	EventAccessJustification: true,
	EventDataRead:            true,
	EventDataWrite:           true,
	EventDataDelete:          true,
	EventKeyRotation:         true,
	EventDecryptionFailure:   true,
	EventAccessDenied:        true,
	EventRateLimitExceeded:   true,
	EventSecurityAlert:       true,
	EventConfigChange:        true,
	EventIntegrityCheck:      true,
	EventSystem:              true,
}

// securityEventTypes is the subset selected by Filter.SecurityOnly.
var securityEventTypes = map[EventType]bool{
	EventLoginFailure:      true,
	EventKeyRotation:       true,
	EventDecryptionFailure: true,
	EventAccessDenied:      true,
	EventRateLimitExceeded: true,
	EventSecurityAlert:     true,
	EventConfigChange:      true,
	EventIntegrityCheck:    true,
}

// IsSecurityEvent reports whether t belongs to the security event set.
func IsSecurityEvent(t EventType) bool {
	return securityEventTypes[t]
}

// Event is the caller-supplied input for Append. Sequence, timestamp and
// hashes are assigned by the ledger.
type Event struct {
	Actor       string
	Type        EventType
	Severity    Severity
	Sensitivity Sensitivity
	PatientID   string
	Details     map[string]string

	// Optional request metadata
	IPAddress string
	RequestID string
}

// Validate checks the event against the ledger's closed vocabularies.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Actor) == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidEvent)
	}
	if !ValidEventTypes[e.Type] {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if !e.Severity.Valid() {
		return fmt.Errorf("%w: invalid severity %d", ErrInvalidEvent, int(e.Severity))
	}
	if !e.Sensitivity.Valid() {
		return fmt.Errorf("%w: invalid sensitivity %d", ErrInvalidEvent, int(e.Sensitivity))
	}
	for _, f := range [...]struct{ name, value string }{
		{"actor", e.Actor},
		{"patient_id", e.PatientID},
		{"ip_address", e.IPAddress},
		{"request_id", e.RequestID},
	} {
		if err := CheckText(f.value); err != nil {
			return fmt.Errorf("%w: %s %w", ErrInvalidEvent, f.name, err)
		}
	}
	seen := make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		if err := CheckText(k); err != nil {
			return fmt.Errorf("%w: details key %q %w", ErrInvalidEvent, k, err)
		}
		if err := CheckText(v); err != nil {
			return fmt.Errorf("%w: details[%q] %w", ErrInvalidEvent, k, err)
		}
		nk := norm.NFC.String(k)
		if other, ok := seen[nk]; ok {
			return fmt.Errorf("%w: details keys %q and %q are the same after normalization", ErrInvalidEvent, other, k)
		}
		seen[nk] = k
	}
	return nil
}

// CheckText reports whether s can be stored and hashed unchanged: it must be
// valid UTF-8 and must not contain NUL.
func CheckText(s string) error {
	if !utf8.ValidString(s) {
		return errInvalidUTF8
	}
	if strings.IndexByte(s, 0) >= 0 {
		return errNULByte
	}
	return nil
}

// Entry is a committed ledger record. Entries are immutable once appended.
type Entry struct {
	Sequence    uint64            `json:"sequence"`
	Timestamp   time.Time         `json:"timestamp"`
	Actor       string            `json:"actor"`
	EventType   EventType         `json:"event_type"`
	Severity    Severity          `json:"severity"`
	Sensitivity Sensitivity       `json:"sensitivity"`
	PatientID   string            `json:"patient_id,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	IPAddress   string            `json:"ip_address,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	PrevHash    string            `json:"prev_hash"`
	Hash        string            `json:"hash"`
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	e.Details = maps.Clone(e.Details)
	return e
}
