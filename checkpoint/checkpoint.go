// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint persists channel positions so a consumer can be
// reopened at its last acknowledged message id after a restart. Only
// positions are stored, never bundle data.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/streamflow/channel"
)

// ErrNotFound indicates no position is stored for the channel.
var ErrNotFound = errors.New("checkpoint not found")

// Position is the persisted resume state of one channel.
type Position struct {
	CheckpointID uint64 `json:"checkpoint_id"`
	MessageID    uint64 `json:"message_id"`
	BundleID     uint64 `json:"bundle_id"`
	SavedAt      int64  `json:"saved_at"`
}

// Store is a BadgerDB-backed position store.
//
// Key format: position/{channel id hex}
type Store struct {
	db *badger.DB
}

// Open creates or opens a store in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return &Store{db: db}, nil
}

func positionKey(id channel.ChannelID) []byte {
	return []byte("position/" + id.String())
}

// Save stores the position for a channel, replacing any previous one.
func (s *Store) Save(id channel.ChannelID, pos Position) error {
	if pos.SavedAt == 0 {
		pos.SavedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(positionKey(id), data)
	})
}

// Load retrieves the position for a channel.
func (s *Store) Load(id channel.ChannelID) (Position, error) {
	var pos Position
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(positionKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &pos)
		})
	})
	if err != nil {
		return Position{}, err
	}
	return pos, nil
}

// Clear removes the stored position for a channel. Clearing a channel
// that has no position is not an error.
func (s *Store) Clear(id channel.ChannelID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(positionKey(id))
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
