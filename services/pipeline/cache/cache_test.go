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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pipeflow/services/pipeline/dag"
	badgerstore "github.com/AleutianAI/pipeflow/services/pipeline/storage/badger"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_GetSetExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", Entry{Value: 1, ExpiresAt: clock.Now().Add(time.Minute)}))
	e, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, e.Value)

	clock.Advance(time.Minute)
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok, "entry expires exactly at ExpiresAt")
	assert.Equal(t, 0, s.Len())

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.InDelta(t, 33.3, stats.HitRate(), 0.1)
}

func TestMemoryStore_NoTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	require.NoError(t, s.Set(context.Background(), "k", Entry{Value: "v"}))
	clock.Advance(24 * 365 * time.Hour)
	_, ok, _ := s.Get(context.Background(), "k")
	assert.True(t, ok)
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithMaxEntries(2))

	require.NoError(t, s.Set(ctx, "a", Entry{Value: "a"}))
	require.NoError(t, s.Set(ctx, "b", Entry{Value: "b"}))
	_, _, _ = s.Get(ctx, "a") // a is now most recent
	require.NoError(t, s.Set(ctx, "c", Entry{Value: "c"}))

	_, okA, _ := s.Get(ctx, "a")
	_, okB, _ := s.Get(ctx, "b")
	_, okC, _ := s.Get(ctx, "c")
	assert.True(t, okA)
	assert.False(t, okB, "least recently used entry is evicted")
	assert.True(t, okC)
	assert.Equal(t, int64(1), s.Stats().Evictions)
}

func TestMemoryStore_ClearAndClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "a", Entry{}))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Set(ctx, "b", Entry{}))
	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Close())
	_, _, err := s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "b", Entry{}), ErrClosed)
}

func TestBadgerStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadgerStore(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "load:abc", Entry{Value: []int{2, 4, 6}, Records: 3}))

	e, ok, err := s.Get(ctx, "load:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []any{float64(2), float64(4), float64(6)}, e.Value)
	assert.Equal(t, 3, e.Records)

	require.NoError(t, s.Delete(ctx, "load:abc"))
	_, ok, err = s.Get(ctx, "load:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerStore_ExpiryAndClear(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadgerStore(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	clock := newFakeClock()
	s.now = clock.Now

	require.NoError(t, s.Set(ctx, "a", Entry{Value: "x", ExpiresAt: clock.Now().Add(time.Hour)}))
	require.NoError(t, s.Set(ctx, "b", Entry{Value: "y"}))

	_, ok, _ := s.Get(ctx, "a")
	assert.True(t, ok)
	clock.Advance(2 * time.Hour)
	_, ok, _ = s.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, s.Clear(ctx))
	_, ok, _ = s.Get(ctx, "b")
	assert.False(t, ok)
}

func TestBadgerStore_Unencodable(t *testing.T) {
	s, err := OpenBadgerStore(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	err = s.Set(context.Background(), "ch", Entry{Value: make(chan int)})
	assert.ErrorIs(t, err, ErrUnencodable)
}

func TestDeriveKey(t *testing.T) {
	in1 := dag.NewInputs([]string{"extract"}, []any{[]int{1, 2, 3}})
	in2 := dag.NewInputs([]string{"extract"}, []any{[]int{1, 2, 3}})
	in3 := dag.NewInputs([]string{"extract"}, []any{[]int{1, 2, 4}})

	k1, err := DeriveKey("transform", dag.CachePolicy{}, in1)
	require.NoError(t, err)
	k2, _ := DeriveKey("transform", dag.CachePolicy{}, in2)
	k3, _ := DeriveKey("transform", dag.CachePolicy{}, in3)
	k4, _ := DeriveKey("other", dag.CachePolicy{}, in1)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
	assert.True(t, strings.HasPrefix(k1, "transform:"))

	mapA := dag.NewInputs([]string{"m"}, []any{map[string]int{"a": 1, "b": 2}})
	mapB := dag.NewInputs([]string{"m"}, []any{map[string]int{"b": 2, "a": 1}})
	ka, _ := DeriveKey("t", dag.CachePolicy{}, mapA)
	kb, _ := DeriveKey("t", dag.CachePolicy{}, mapB)
	assert.Equal(t, ka, kb)
}

func TestDeriveKey_KeyFunc(t *testing.T) {
	policy := dag.CachePolicy{KeyFunc: func(in dag.Inputs) (string, error) {
		return fmt.Sprint(in.Len()), nil
	}}
	k, err := DeriveKey("t", policy, dag.NewInputs([]string{"a"}, []any{1}))
	require.NoError(t, err)
	assert.Equal(t, "t:1", k)

	failing := dag.CachePolicy{KeyFunc: func(dag.Inputs) (string, error) { return "", errors.New("nope") }}
	_, err = DeriveKey("t", failing, dag.Inputs{})
	assert.Error(t, err)
}

func TestDeriveKey_Unencodable(t *testing.T) {
	_, err := DeriveKey("t", dag.CachePolicy{}, dag.NewInputs([]string{"f"}, []any{func() {}}))
	assert.ErrorIs(t, err, ErrUnencodable)
}

func TestSession_MissThenHit(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, WithLogger(quiet))
	policy := dag.CachePolicy{TTL: time.Minute}

	var calls int
	compute := func() (Entry, error) {
		calls++
		return Entry{Value: 42, Records: 1}, nil
	}

	s1 := m.Begin("run-1")
	e, hit, err := s1.Do(ctx, "k", policy, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 42, e.Value)
	assert.False(t, e.StoredAt.IsZero())
	require.NoError(t, s1.Close())

	s2 := m.Begin("run-2")
	e, hit, err = s2.Do(ctx, "k", policy, compute)
	require.NoError(t, err)
	assert.True(t, hit, "cross-run entries survive the session")
	assert.Equal(t, 1, e.Records)
	assert.Equal(t, 1, calls)
}

func TestSession_RunScopeClearedBetweenRuns(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, WithLogger(quiet))
	policy := dag.CachePolicy{Scope: dag.ScopeRun}

	var calls int
	compute := func() (Entry, error) {
		calls++
		return Entry{Value: calls}, nil
	}

	s1 := m.Begin("run-1")
	_, hit, _ := s1.Do(ctx, "k", policy, compute)
	assert.False(t, hit)
	_, hit, _ = s1.Do(ctx, "k", policy, compute)
	assert.True(t, hit, "run scope is shared within one run")
	require.NoError(t, s1.Close())

	s2 := m.Begin("run-2")
	_, hit, _ = s2.Do(ctx, "k", policy, compute)
	assert.False(t, hit)
	assert.Equal(t, 2, calls)
}

func TestSession_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewManager(nil, WithLogger(quiet), WithManagerClock(clock.Now))
	policy := dag.CachePolicy{TTL: time.Second}
	compute := func() (Entry, error) { return Entry{Value: "v"}, nil }

	s := m.Begin("r")
	_, hit, _ := s.Do(ctx, "k", policy, compute)
	assert.False(t, hit)
	clock.Advance(500 * time.Millisecond)
	_, hit, _ = s.Do(ctx, "k", policy, compute)
	assert.True(t, hit)
	clock.Advance(time.Second)
	_, hit, _ = s.Do(ctx, "k", policy, compute)
	assert.False(t, hit)
}

func TestSession_FailuresNotCached(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, WithLogger(quiet))
	s := m.Begin("r")

	boom := errors.New("boom")
	_, hit, err := s.Do(ctx, "k", dag.CachePolicy{}, func() (Entry, error) { return Entry{}, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, hit)

	_, ok := s.Lookup(ctx, "k", dag.CachePolicy{})
	assert.False(t, ok)

	_, hit, err = s.Do(ctx, "k", dag.CachePolicy{}, func() (Entry, error) { return Entry{Value: 1}, nil })
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSession_StampedeCollapses(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, WithLogger(quiet))
	s := m.Begin("r")

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func() (Entry, error) {
		calls.Add(1)
		<-release
		return Entry{Value: "shared"}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	var hits atomic.Int32
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			e, hit, err := s.Do(ctx, "k", dag.CachePolicy{}, compute)
			assert.NoError(t, err)
			assert.Equal(t, "shared", e.Value)
			if hit {
				hits.Add(1)
			}
		}()
	}
	for i := 0; i < n; i++ {
		<-started
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(n-1), hits.Load(), "every caller except the one that computed reports a hit")
}

func TestManager_ClearAndBadgerBackend(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBadgerStore(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	m := NewManager(store, WithLogger(quiet))
	defer m.Close()

	s := m.Begin("r")
	_, hit, err := s.Do(ctx, "k", dag.CachePolicy{}, func() (Entry, error) { return Entry{Value: "v"}, nil })
	require.NoError(t, err)
	assert.False(t, hit)

	_, ok := s.Lookup(ctx, "k", dag.CachePolicy{})
	assert.True(t, ok)

	require.NoError(t, m.Clear(ctx))
	_, ok = s.Lookup(ctx, "k", dag.CachePolicy{})
	assert.False(t, ok)
}

func TestSession_UnencodableValueStillReturned(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBadgerStore(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	m := NewManager(store, WithLogger(quiet))
	defer m.Close()

	ch := make(chan int)
	e, hit, err := m.Begin("r").Do(ctx, "k", dag.CachePolicy{}, func() (Entry, error) { return Entry{Value: ch}, nil })
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, ch, e.Value)
}
