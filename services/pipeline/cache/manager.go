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
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/pipeflow/services/pipeline/dag"
)

// ComputeFunc produces the entry for a cache miss. Only Value and Records
// are used; timestamps are set by the session.
type ComputeFunc func() (Entry, error)

// Manager owns the cross-run store of one pipeline.
//
// Thread Safety:
//
//	Safe for concurrent use, including sessions of concurrent runs.
type Manager struct {
	store  Store
	flight singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for store failures.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerClock sets the clock used for expiry timestamps.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager. A nil store gets a MemoryStore.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStore(WithClock(m.now))
	}
	return m
}

// Store returns the cross-run store.
func (m *Manager) Store() Store { return m.store }

// Clear empties the cross-run store.
func (m *Manager) Clear(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// Close closes the cross-run store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// Begin starts a session for one run.
func (m *Manager) Begin(runID string) *Session {
	return &Session{
		manager: m,
		runID:   runID,
		run:     NewMemoryStore(WithClock(m.now), WithMaxEntries(1<<20)),
	}
}

// Session is the cache view of a single run.
type Session struct {
	manager *Manager
	runID   string
	run     *MemoryStore

	hits   atomic.Int64
	misses atomic.Int64
	shared atomic.Int64
}

func (s *Session) storeFor(policy dag.CachePolicy) (Store, string) {
	if policy.EffectiveScope() == dag.ScopeRun {
		return s.run, "run/" + s.runID + "/"
	}
	return s.manager.store, "cross/"
}

// Lookup checks the store for key without computing.
func (s *Session) Lookup(ctx context.Context, key string, policy dag.CachePolicy) (Entry, bool) {
	store, _ := s.storeFor(policy)
	entry, ok, err := store.Get(ctx, key)
	if err != nil {
		s.manager.logger.Warn("cache lookup failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return Entry{}, false
	}
	return entry, ok
}

// Do returns the cached entry for key or computes and stores it.
//
// Description:
//
//	Concurrent misses on the same key within the same scope collapse into
//	one call of compute. Callers that receive the entry another caller
//	computed report hit=true. When compute fails every waiting caller gets
//	the error and nothing is stored.
//
// Outputs:
//
//	Entry - The cached or computed entry.
//	bool - Whether the entry was served without running compute here.
//	error - The compute error, if any.
func (s *Session) Do(ctx context.Context, key string, policy dag.CachePolicy, compute ComputeFunc) (Entry, bool, error) {
	if entry, ok := s.Lookup(ctx, key, policy); ok {
		s.hits.Add(1)
		return entry, true, nil
	}

	store, flightPrefix := s.storeFor(policy)
	executed := false
	v, err, _ := s.manager.flight.Do(flightPrefix+key, func() (any, error) {
		if entry, ok, err := store.Get(ctx, key); err == nil && ok {
			return entry, nil
		}
		executed = true

		entry, err := compute()
		if err != nil {
			return nil, err
		}
		now := s.manager.now()
		entry.StoredAt = now
		if policy.TTL > 0 {
			entry.ExpiresAt = now.Add(policy.TTL)
		}
		if err := store.Set(ctx, key, entry); err != nil {
			s.manager.logger.Warn("cache store failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return entry, nil
	})
	if err != nil {
		if executed {
			s.misses.Add(1)
		}
		return Entry{}, false, err
	}

	if executed {
		s.misses.Add(1)
		return v.(Entry), false, nil
	}
	s.hits.Add(1)
	s.shared.Add(1)
	return v.(Entry), true, nil
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Entries: s.run.Len(),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Shared:  s.shared.Load(),
	}
}

// Close drops the per-run entries.
func (s *Session) Close() error {
	return s.run.Close()
}
