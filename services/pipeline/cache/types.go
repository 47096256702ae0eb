// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache stores successful task outputs keyed by task identity and
// resolved inputs.
//
// Stores hold Entries with an optional expiry. A Manager owns the
// cross-run Store and hands each run a Session, which adds a per-run
// store and collapses concurrent misses on one key into a single
// execution. Failed executions are never stored.
package cache

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultMaxEntries bounds a MemoryStore when no limit is given.
	DefaultMaxEntries = 1024
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cache store is closed")

	// ErrUnencodable is returned when a value cannot be serialized for a
	// persistent store.
	ErrUnencodable = errors.New("cache value cannot be encoded")
)

// Entry is one cached task output.
type Entry struct {
	Value    any       `json:"value"`
	Records  int       `json:"records"`
	StoredAt time.Time `json:"stored_at"`

	// ExpiresAt is zero for entries without a TTL.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is a key/value store for Entries.
//
// Implementations must be safe for concurrent use and must never return
// an expired entry from Get.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Stats contains counters for a store or session.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
	Shared    int64
}

// HitRate returns hits as a percentage of lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
