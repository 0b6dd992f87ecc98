// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/hubgate/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.PacketStore = (*PacketStore)(nil)

// PacketStore implements storage.PacketStore using BadgerDB.
type PacketStore struct {
	db   *badger.DB
	keys keyspace
	ttl  time.Duration
}

// Store saves an inflight packet.
func (p *PacketStore) Store(_ context.Context, clientID string, msg *storage.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal packet: %w", err)
	}

	return p.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(p.keys.packet(clientID, msg.PacketID), data).WithTTL(p.ttl))
	})
}

// Get retrieves an inflight packet.
func (p *PacketStore) Get(_ context.Context, clientID string, packetID uint16) (*storage.Message, error) {
	var msg *storage.Message

	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(p.keys.packet(clientID, packetID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			msg = &storage.Message{}
			return json.Unmarshal(val, msg)
		})
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// Delete removes an inflight packet.
func (p *PacketStore) Delete(_ context.Context, clientID string, packetID uint16) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(p.keys.packet(clientID, packetID))
	})
}

// List returns the inflight packets of a client ordered by packet id.
func (p *PacketStore) List(_ context.Context, clientID string) ([]*storage.Message, error) {
	var msgs []*storage.Message

	err := p.db.View(func(txn *badger.Txn) error {
		_, vals, err := collect(txn, p.keys.clientPacketPrefix(clientID), true)
		if err != nil {
			return err
		}
		for _, val := range vals {
			var msg storage.Message
			if err := json.Unmarshal(val, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal packet: %w", err)
			}
			msgs = append(msgs, &msg)
		}
		return nil
	})

	return msgs, err
}

// DeleteAll removes every inflight packet of a client.
func (p *PacketStore) DeleteAll(_ context.Context, clientID string) error {
	return p.db.Update(func(txn *badger.Txn) error {
		keys, _, err := collect(txn, p.keys.clientPacketPrefix(clientID), false)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
