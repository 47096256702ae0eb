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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/pipeflow/services/pipeline/storage/badger"
)

const badgerKeyPrefix = "pipeflow/cache/"

// BadgerStore persists entries in BadgerDB.
//
// Description:
//
//	Values are JSON encoded, so they come back as generic JSON types
//	([]any, map[string]any, float64, string, bool). Expiry is enforced by
//	Badger's own TTL and checked again on read.
//
// Thread Safety:
//
//	Safe for concurrent use.
type BadgerStore struct {
	db     *badgerstore.DB
	owned  bool
	prefix []byte
	now    func() time.Time
}

// NewBadgerStore wraps an open database. The caller keeps ownership of db.
func NewBadgerStore(db *badgerstore.DB) *BadgerStore {
	return &BadgerStore{db: db, prefix: []byte(badgerKeyPrefix), now: time.Now}
}

// OpenBadgerStore opens a database from cfg. Close closes it.
func OpenBadgerStore(cfg badgerstore.Config) (*BadgerStore, error) {
	db, err := badgerstore.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	s := NewBadgerStore(db)
	s.owned = true
	return s, nil
}

func (s *BadgerStore) key(k string) []byte {
	return append(append([]byte{}, s.prefix...), k...)
}

// Get returns a live entry.
func (s *BadgerStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var entry Entry
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return Entry{}, false, nil
	case errors.Is(err, badger.ErrDBClosed):
		return Entry{}, false, ErrClosed
	case err != nil:
		return Entry{}, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if entry.Expired(s.now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set stores an entry. Values that cannot be JSON encoded fail with
// ErrUnencodable.
func (s *BadgerStore) Set(ctx context.Context, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry(s.key(key), data)
		if !entry.ExpiresAt.IsZero() {
			ttl := entry.ExpiresAt.Sub(s.now())
			if ttl <= 0 {
				return nil
			}
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Delete removes key.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(s.key(key))
	})
}

// Clear removes every cache entry.
func (s *BadgerStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DropPrefix(s.prefix)
}

// Close closes the database when the store opened it.
func (s *BadgerStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
