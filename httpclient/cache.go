package httpclient

import (
	"sync"
	"time"
)

// MemoTTL is the lifetime of a cached response in the slot-keyed memo cache,
// shared by getBlockRewards and getSyncCommitteeRewards.
const MemoTTL = 10 * time.Minute

type memoEntry struct {
	value   any
	err     error
	expires time.Time
}

// SlotMemo is a process-wide, time-expiring cache keyed only by slot number.
// It is correct for getSyncCommitteeRewards only because call sites always
// pass the full sync-committee validator set of the enclosing epoch -- the
// cache never sees two different validator sets for the same slot.
type SlotMemo struct {
	mu      sync.Mutex
	entries map[uint64]memoEntry
}

// NewSlotMemo creates an empty memo cache.
func NewSlotMemo() *SlotMemo {
	return &SlotMemo{entries: make(map[uint64]memoEntry)}
}

// Get returns the cached value for slot if present and unexpired.
func (m *SlotMemo) Get(slot uint64) (value any, err error, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.entries[slot]
	if !found || time.Now().After(e.expires) {
		if found {
			delete(m.entries, slot)
		}
		return nil, nil, false
	}
	return e.value, e.err, true
}

// Set stores value (or err) for slot with the standard MemoTTL.
func (m *SlotMemo) Set(slot uint64, value any, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[slot] = memoEntry{value: value, err: err, expires: time.Now().Add(MemoTTL)}
}

// Once runs fn at most once per slot within MemoTTL, returning the cached
// result on subsequent calls.
func Once[T any](m *SlotMemo, slot uint64, fn func() (T, error)) (T, error) {
	if v, err, ok := m.Get(slot); ok {
		return v.(T), err
	}
	v, err := fn()
	m.Set(slot, v, err)
	return v, err
}
