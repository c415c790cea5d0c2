package common

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrBusy is surfaced when an entity lock cannot be acquired within the
// configured wait. It is transient: callers retry with backoff rather than
// blocking indefinitely inside the core.
var ErrBusy = errors.New("entity busy")

// DefaultLockWait bounds how long an operation waits on a contended entity
// before giving up with ErrBusy.
const DefaultLockWait = 250 * time.Millisecond

// LockTable hands out one exclusive-access boundary per entity key. Operations
// that touch multiple entities acquire them in sorted key order so two
// concurrent multi-entity operations can never deadlock against each other.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	wait  time.Duration
}

// NewLockTable constructs a table with the given bounded wait. A zero or
// negative wait falls back to DefaultLockWait.
func NewLockTable(wait time.Duration) *LockTable {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &LockTable{locks: make(map[string]chan struct{}), wait: wait}
}

func (t *LockTable) slot(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.locks[key]
	if !ok {
		slot = make(chan struct{}, 1)
		t.locks[key] = slot
	}
	return slot
}

// Acquire locks every supplied key, deduplicated and in lexicographic order,
// and returns a release function. On timeout all partially acquired locks are
// released and ErrBusy is returned.
func (t *LockTable) Acquire(keys ...string) (func(), error) {
	if t == nil {
		return func() {}, nil
	}
	ordered := dedupeSorted(keys)
	held := make([]chan struct{}, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	deadline := time.NewTimer(t.wait)
	defer deadline.Stop()
	for _, key := range ordered {
		slot := t.slot(key)
		select {
		case slot <- struct{}{}:
			held = append(held, slot)
		case <-deadline.C:
			release()
			return nil, ErrBusy
		}
	}
	return release, nil
}

func dedupeSorted(keys []string) []string {
	ordered := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)
	out := ordered[:0]
	var prev string
	for i, key := range ordered {
		if i > 0 && key == prev {
			continue
		}
		out = append(out, key)
		prev = key
	}
	return out
}
