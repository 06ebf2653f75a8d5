// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package nodeid persists a Multiplex server's configured node ID
// across restarts, playing the role the C++ implementation's
// PersistentConfig plays for MultiplexProtocolServer.Config -- the
// distilled spec treats that store as an injected external
// collaborator, so this package gives it a concrete, durable home
// using the same embedded-KV discipline internal/sqlitev2 uses for
// statshouse's local metric cache, adapted to bbolt since a single
// uint8 key/value has no use for SQL.
package nodeid

import (
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	bucketName = []byte("nodeid")
	idKey      = []byte("id")
)

// Store is a durable single-value key/value store for a server's 7-bit
// node ID, backed by a bbolt file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("nodeid: open %q: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("nodeid: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the persisted node ID and true, or (0, false) if none
// has ever been saved.
func (s *Store) Load() (uint8, bool, error) {
	var id uint8
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get(idKey)
		if v == nil {
			return nil
		}
		if len(v) != 1 {
			return fmt.Errorf("nodeid: corrupt stored value length %d", len(v))
		}
		id, found = v[0], true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, found, nil
}

// Save persists id as the node's configured ID.
func (s *Store) Save(id uint8) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(idKey, []byte{id})
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
