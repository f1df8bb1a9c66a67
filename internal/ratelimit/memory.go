package ratelimit

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const shardCount = 64

// Counter stores per-identity window counts.
type Counter interface {
	// Take counts one request for id if fewer than limit were counted in the
	// window starting at windowStart. It returns the count after the call.
	Take(ctx context.Context, id string, limit int, windowStart, now time.Time, window time.Duration) (count int, allowed bool, err error)

	// Peek returns the count for id in the window starting at windowStart.
	Peek(ctx context.Context, id string, windowStart time.Time) (int, error)
}

// Sweeper is implemented by counters that hold idle state in process memory.
type Sweeper interface {
	// Sweep evicts identities not seen for longer than idle and returns how many were removed.
	Sweep(now time.Time, idle time.Duration) int
	// Len returns the number of tracked identities.
	Len() int
}

// identityState is the accounting record for one identity. Its mutex is the
// per-identity lock; unrelated identities never contend on it.
type identityState struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	lastSeen    time.Time
	evicted     bool
}

type shard struct {
	mu     sync.RWMutex
	states map[string]*identityState
}

// MemoryCounter is an in-process Counter. Identities are spread across
// shards; the shard lock only guards map membership.
type MemoryCounter struct {
	seed   maphash.Seed
	shards [shardCount]shard
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	c := &MemoryCounter{seed: maphash.MakeSeed()}
	for i := range c.shards {
		c.shards[i].states = make(map[string]*identityState)
	}
	return c
}

func (c *MemoryCounter) shardFor(id string) *shard {
	return &c.shards[maphash.String(c.seed, id)%shardCount]
}

// acquire returns the live state for id with its lock held. A state evicted
// between lookup and lock is discarded and the lookup retried, so no
// increment is ever applied to an orphaned record.
func (c *MemoryCounter) acquire(id string) *identityState {
	sh := c.shardFor(id)
	for {
		sh.mu.RLock()
		st := sh.states[id]
		sh.mu.RUnlock()

		if st == nil {
			sh.mu.Lock()
			st = sh.states[id]
			if st == nil {
				st = &identityState{}
				sh.states[id] = st
			}
			sh.mu.Unlock()
		}

		st.mu.Lock()
		if !st.evicted {
			return st
		}
		st.mu.Unlock()
	}
}

// Take implements Counter.
func (c *MemoryCounter) Take(_ context.Context, id string, limit int, windowStart, now time.Time, _ time.Duration) (int, bool, error) {
	st := c.acquire(id)
	defer st.mu.Unlock()

	if !st.windowStart.Equal(windowStart) {
		st.windowStart = windowStart
		st.count = 0
	}
	st.lastSeen = now

	if st.count >= limit {
		return st.count, false, nil
	}
	st.count++
	return st.count, true, nil
}

// Peek implements Counter. Unknown identities report zero without being created.
func (c *MemoryCounter) Peek(_ context.Context, id string, windowStart time.Time) (int, error) {
	sh := c.shardFor(id)
	sh.mu.RLock()
	st := sh.states[id]
	sh.mu.RUnlock()
	if st == nil {
		return 0, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evicted || !st.windowStart.Equal(windowStart) {
		return 0, nil
	}
	return st.count, nil
}

// Sweep implements Sweeper.
func (c *MemoryCounter) Sweep(now time.Time, idle time.Duration) int {
	removed := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for id, st := range sh.states {
			st.mu.Lock()
			if now.Sub(st.lastSeen) > idle {
				st.evicted = true
				delete(sh.states, id)
				removed++
			}
			st.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len implements Sweeper.
func (c *MemoryCounter) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		n += len(sh.states)
		sh.mu.RUnlock()
	}
	return n
}
