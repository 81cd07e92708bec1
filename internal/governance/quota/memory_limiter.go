package quota

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryWindowLimiter is the single-instance WindowLimiter. The map lock is
// held only for lookup; each identity has its own lock for append and prune.
type MemoryWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowState
	seq     atomic.Uint64
	now     func() time.Time
}

type windowState struct {
	mu      sync.Mutex
	entries []windowEntry
	longest time.Duration
	// dead is set by Sweep once the state is no longer in the map.
	dead bool
}

type windowEntry struct {
	at     time.Time
	member string
}

func NewMemoryWindowLimiter() *MemoryWindowLimiter {
	return &MemoryWindowLimiter{
		windows: make(map[string]*windowState),
		now:     time.Now,
	}
}

func (m *MemoryWindowLimiter) state(key string, create bool) *windowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.windows[key]
	if !ok && create {
		st = &windowState{}
		m.windows[key] = st
	}
	return st
}

func (m *MemoryWindowLimiter) Reserve(_ context.Context, key string, windows []Window) (WindowResult, error) {
	now := m.now()
	st := m.state(key, true)
	st.mu.Lock()
	for st.dead {
		st.mu.Unlock()
		st = m.state(key, true)
		st.mu.Lock()
	}
	defer st.mu.Unlock()

	for _, w := range windows {
		if w.Size > st.longest {
			st.longest = w.Size
		}
	}
	st.prune(now.Add(-st.longest))

	for _, w := range windows {
		cutoff := now.Add(-w.Size)
		count := 0
		for _, e := range st.entries {
			if e.at.After(cutoff) {
				count++
			}
		}
		if count >= w.Limit {
			return WindowResult{Window: w, Count: count}, nil
		}
	}

	member := strconv.FormatUint(m.seq.Add(1), 10)
	st.entries = append(st.entries, windowEntry{at: now, member: member})
	return WindowResult{Allowed: true, Member: member}, nil
}

func (m *MemoryWindowLimiter) Release(_ context.Context, key, member string) error {
	st := m.state(key, false)
	if st == nil || member == "" {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, e := range st.entries {
		if e.member == member {
			st.entries = append(st.entries[:i], st.entries[i+1:]...)
			break
		}
	}
	return nil
}

// prune drops entries at or before cutoff. Entries are in insertion order.
func (st *windowState) prune(cutoff time.Time) {
	i := 0
	for i < len(st.entries) && !st.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		st.entries = append(st.entries[:0], st.entries[i:]...)
	}
}

// Sweep removes identities with no entries inside their longest window and
// returns how many were dropped.
func (m *MemoryWindowLimiter) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, st := range m.windows {
		st.mu.Lock()
		st.prune(now.Add(-st.longest))
		empty := len(st.entries) == 0
		if empty {
			st.dead = true
		}
		st.mu.Unlock()
		if empty {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (m *MemoryWindowLimiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				slog.Debug("window limiter swept idle identities", "removed", n)
			}
		}
	}
}

// size is the number of identities currently tracked.
func (m *MemoryWindowLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
