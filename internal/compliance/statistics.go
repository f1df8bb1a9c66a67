package compliance

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/onnwee/carevault/internal/ledger"
)

// Statistics keeps running rollups of the ledger. Register it as a ledger
// Notifier, then call Prime once to count entries committed before startup.
type Statistics struct {
	mu sync.Mutex
	c  counts

	priming bool
	pending []ledger.Entry
}

type counts struct {
	total         uint64
	security      uint64
	bySeverity    map[string]uint64
	byType        map[string]uint64
	bySensitivity map[string]uint64
	lastSeq       uint64
	lastAt        time.Time
}

func newCounts() counts {
	return counts{
		bySeverity:    make(map[string]uint64),
		byType:        make(map[string]uint64),
		bySensitivity: make(map[string]uint64),
	}
}

func (c *counts) add(e *ledger.Entry) {
	if e.Sequence <= c.lastSeq {
		return
	}
	c.total++
	c.bySeverity[e.Severity.String()]++
	c.byType[string(e.EventType)]++
	c.bySensitivity[e.Sensitivity.String()]++
	if ledger.IsSecurityEvent(e.EventType) {
		c.security++
	}
	c.lastSeq = e.Sequence
	c.lastAt = e.Timestamp
}

// Snapshot is a point-in-time copy of the statistics.
type Snapshot struct {
	TotalEvents    uint64            `json:"total_events"`
	SecurityEvents uint64            `json:"security_events"`
	BySeverity     map[string]uint64 `json:"by_severity"`
	ByType         map[string]uint64 `json:"by_type"`
	BySensitivity  map[string]uint64 `json:"by_sensitivity"`
	LastSequence   uint64            `json:"last_sequence"`
	LastEventAt    *time.Time        `json:"last_event_at,omitempty"`
}

// NewStatistics returns empty statistics.
func NewStatistics() *Statistics {
	return &Statistics{c: newCounts()}
}

// Publish implements ledger.Notifier. It never blocks on I/O.
func (s *Statistics) Publish(e ledger.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priming {
		s.pending = append(s.pending, e)
		return
	}
	s.c.add(&e)
}

// Prime counts every committed entry by scanning from genesis. Entries
// published while the scan runs are held back and applied afterwards, so no
// entry is counted twice.
func (s *Statistics) Prime(ctx context.Context, src Source) error {
	s.mu.Lock()
	s.priming = true
	s.mu.Unlock()

	scanned := newCounts()
	err := src.Scan(ctx, 1, func(e *ledger.Entry) error {
		scanned.add(e)
		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.priming = false
	if err == nil {
		s.c = scanned
	}
	for i := range s.pending {
		s.c.add(&s.pending[i])
	}
	s.pending = nil
	return err
}

// Snapshot returns a copy of the current rollups.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		TotalEvents:    s.c.total,
		SecurityEvents: s.c.security,
		BySeverity:     maps.Clone(s.c.bySeverity),
		ByType:         maps.Clone(s.c.byType),
		BySensitivity:  maps.Clone(s.c.bySensitivity),
		LastSequence:   s.c.lastSeq,
	}
	if !s.c.lastAt.IsZero() {
		at := s.c.lastAt
		snap.LastEventAt = &at
	}
	return snap
}
