package kv

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

func (e memoryEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// MemoryStore is an in-process Store. It is the reference implementation of
// the contract and is suitable for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key.String()]
	if !ok {
		return nil, false, nil
	}
	if !e.live(s.now()) {
		delete(s.entries, key.String())
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key Key, value []byte, opts ...SetOption) error {
	o := applyOptions(opts)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key.String()] = memoryEntry{value: value, expires: s.expiry(o)}
	return nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key Key, value []byte, opts ...SetOption) (bool, error) {
	o := applyOptions(opts)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key.String()]; ok && e.live(s.now()) {
		return false, nil
	}
	s.entries[key.String()] = memoryEntry{value: value, expires: s.expiry(o)}
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key.String())
	return nil
}

func (s *MemoryStore) expiry(o SetOptions) time.Time {
	if !o.HasTTL {
		return time.Time{}
	}
	return s.now().Add(o.TTL)
}
