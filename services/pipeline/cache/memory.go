// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// MaxEntries bounds the store; the least recently used entry is evicted.
	MaxEntries int

	// Now is the clock used for expiry checks.
	Now func() time.Time
}

// MemoryOption is a functional option for configuring MemoryStore.
type MemoryOption func(*MemoryOptions)

// WithMaxEntries sets the maximum number of entries.
func WithMaxEntries(n int) MemoryOption {
	return func(o *MemoryOptions) {
		if n > 0 {
			o.MaxEntries = n
		}
	}
}

// WithClock sets the clock used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *MemoryOptions) {
		if now != nil {
			o.Now = now
		}
	}
}

type memoryItem struct {
	key     string
	entry   Entry
	element *list.Element
}

// MemoryStore is an in-process LRU store with per-entry expiry.
//
// Thread Safety:
//
//	Safe for concurrent use. A single mutex guards the map and LRU list
//	since Get reorders the list.
type MemoryStore struct {
	mu      sync.Mutex
	items   map[string]*memoryItem
	lru     *list.List
	options MemoryOptions
	closed  bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	options := MemoryOptions{MaxEntries: DefaultMaxEntries, Now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	return &MemoryStore{
		items:   make(map[string]*memoryItem),
		lru:     list.New(),
		options: options,
	}
}

// Get returns a live entry and marks it most recently used.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false, ErrClosed
	}

	item, ok := s.items[key]
	if !ok {
		s.misses.Add(1)
		return Entry{}, false, nil
	}
	if item.entry.Expired(s.options.Now()) {
		s.removeLocked(item)
		s.misses.Add(1)
		return Entry{}, false, nil
	}
	s.lru.MoveToFront(item.element)
	s.hits.Add(1)
	return item.entry, true, nil
}

// Set stores an entry, evicting the least recently used one when full.
func (s *MemoryStore) Set(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if item, ok := s.items[key]; ok {
		item.entry = entry
		s.lru.MoveToFront(item.element)
		return nil
	}

	for s.lru.Len() >= s.options.MaxEntries {
		if !s.evictOldestLocked() {
			break
		}
	}

	item := &memoryItem{key: key, entry: entry}
	item.element = s.lru.PushFront(item)
	s.items[key] = item
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[key]; ok {
		s.removeLocked(item)
	}
	return nil
}

// Clear removes every entry.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*memoryItem)
	s.lru.Init()
	return nil
}

// Close drops all entries and rejects further use.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = make(map[string]*memoryItem)
	s.lru.Init()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Stats returns a snapshot of the store counters.
func (s *MemoryStore) Stats() Stats {
	return Stats{
		Entries:   s.Len(),
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}

// evictOldestLocked prefers an expired entry, falling back to the least
// recently used one.
func (s *MemoryStore) evictOldestLocked() bool {
	now := s.options.Now()
	for e := s.lru.Back(); e != nil; e = e.Prev() {
		if item := e.Value.(*memoryItem); item.entry.Expired(now) {
			s.removeLocked(item)
			s.evictions.Add(1)
			return true
		}
	}
	back := s.lru.Back()
	if back == nil {
		return false
	}
	s.removeLocked(back.Value.(*memoryItem))
	s.evictions.Add(1)
	return true
}

func (s *MemoryStore) removeLocked(item *memoryItem) {
	s.lru.Remove(item.element)
	delete(s.items, item.key)
}

var _ Store = (*MemoryStore)(nil)
