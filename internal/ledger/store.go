package ledger

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// BuildFunc produces the next entry given the current head (nil when the
// ledger is empty). It runs inside the store's append critical section.
type BuildFunc func(head *Entry) (*Entry, error)

// Store persists ledger entries. Implementations must make Append atomic with
// respect to the head read so that sequence numbers and prevHash links form
// one total order, and must never mutate or delete committed entries.
type Store interface {
	// Append reads the head, calls build and persists the result atomically.
	Append(ctx context.Context, build BuildFunc) (Entry, error)

	// Head returns the newest entry, or ok=false for an empty ledger.
	Head(ctx context.Context) (entry Entry, ok bool, err error)

	// Get returns the entry with the given sequence number or ErrEntryNotFound.
	Get(ctx context.Context, seq uint64) (Entry, error)

	// Query returns one page of entries matching f.
	Query(ctx context.Context, f Filter, p PageRequest) (Page, error)

	// Scan calls fn for every entry with sequence >= from in ascending order.
	// Iteration stops at the first error returned by fn.
	Scan(ctx context.Context, from uint64, fn func(*Entry) error) error
}

// MemoryStore keeps the ledger in memory. Readers work on an atomically
// published snapshot and never block the writer.
type MemoryStore struct {
	mu      sync.Mutex // serializes Append
	entries atomic.Pointer[[]Entry]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	empty := make([]Entry, 0, 64)
	s.entries.Store(&empty)
	return s
}

func (s *MemoryStore) snapshot() []Entry {
	return *s.entries.Load()
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, build BuildFunc) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot()
	var head *Entry
	if n := len(cur); n > 0 {
		h := cur[n-1].Clone()
		head = &h
	}

	next, err := build(head)
	if err != nil {
		return Entry{}, err
	}

	// Readers holding the old slice header never look past their length, so
	// writing into spare capacity before publishing is safe.
	updated := append(cur, next.Clone())
	s.entries.Store(&updated)

	return next.Clone(), nil
}

// Head implements Store.
func (s *MemoryStore) Head(ctx context.Context) (Entry, bool, error) {
	cur := s.snapshot()
	if len(cur) == 0 {
		return Entry{}, false, nil
	}
	return cur[len(cur)-1].Clone(), true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, seq uint64) (Entry, error) {
	cur := s.snapshot()
	i := sort.Search(len(cur), func(i int) bool { return cur[i].Sequence >= seq })
	if i == len(cur) || cur[i].Sequence != seq {
		return Entry{}, ErrEntryNotFound
	}
	return cur[i].Clone(), nil
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, f Filter, p PageRequest) (Page, error) {
	p = p.normalized()
	cur := s.snapshot()
	page := Page{Entries: make([]Entry, 0, min(p.Limit, len(cur)))}

	visit := func(e *Entry) bool {
		if !p.after(e.Sequence) || !f.Matches(e) {
			return true
		}
		if len(page.Entries) == p.Limit {
			page.HasMore = true
			return false
		}
		page.Entries = append(page.Entries, e.Clone())
		return true
	}

	if p.Ascending {
		for i := range cur {
			if !visit(&cur[i]) {
				break
			}
		}
	} else {
		for i := len(cur) - 1; i >= 0; i-- {
			if !visit(&cur[i]) {
				break
			}
		}
	}

	if page.HasMore {
		page.NextCursor = page.Entries[len(page.Entries)-1].Sequence
	}
	return page, nil
}

// Scan implements Store.
func (s *MemoryStore) Scan(ctx context.Context, from uint64, fn func(*Entry) error) error {
	cur := s.snapshot()
	start := sort.Search(len(cur), func(i int) bool { return cur[i].Sequence >= from })
	for i := start; i < len(cur); i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		e := cur[i].Clone()
		if err := fn(&e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	return len(s.snapshot())
}
