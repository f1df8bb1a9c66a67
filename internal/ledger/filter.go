package ledger

import (
	"slices"
	"time"
)

// Pagination limits.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Filter selects entries. Zero-valued fields match everything. The same
// filter semantics apply to Query and to live stream subscriptions.
type Filter struct {
	Actor          string
	PatientID      string
	EventTypes     []EventType
	Severity       Severity // exact match
	MinSeverity    Severity
	MinSensitivity Sensitivity
	From           time.Time // inclusive
	To             time.Time // exclusive
	PHIOnly        bool
	SecurityOnly   bool
}

// Matches reports whether e satisfies every criterion of f.
func (f Filter) Matches(e *Entry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	if f.Severity != 0 && e.Severity != f.Severity {
		return false
	}
	if f.MinSeverity != 0 && e.Severity < f.MinSeverity {
		return false
	}
	if f.MinSensitivity != 0 && e.Sensitivity < f.MinSensitivity {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	if f.PHIOnly && e.Sensitivity != SensitivityPHI {
		return false
	}
	if f.SecurityOnly && !IsSecurityEvent(e.EventType) {
		return false
	}
	return true
}

// PageRequest controls ordering and cursor pagination. Cursor is the
// sequence number of the last entry of the previous page; zero starts from
// the newest entry (or the oldest when Ascending).
type PageRequest struct {
	Cursor    uint64
	Limit     int
	Ascending bool
}

// normalized clamps the limit into [1, MaxPageSize].
func (p PageRequest) normalized() PageRequest {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// after reports whether seq lies beyond the cursor in the page direction.
func (p PageRequest) after(seq uint64) bool {
	if p.Cursor == 0 {
		return true
	}
	if p.Ascending {
		return seq > p.Cursor
	}
	return seq < p.Cursor
}

// Page is one page of query results.
type Page struct {
	Entries    []Entry `json:"entries"`
	NextCursor uint64  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}
