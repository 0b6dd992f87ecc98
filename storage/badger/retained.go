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
	"github.com/absmach/hubgate/topics"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

// RetainedStore implements storage.RetainedStore using BadgerDB.
type RetainedStore struct {
	db   *badger.DB
	keys keyspace
	ttl  time.Duration
}

// Set stores or replaces a retained packet. Empty payload deletes it.
func (r *RetainedStore) Set(ctx context.Context, msg *storage.Message) error {
	if msg == nil {
		return nil
	}
	if len(msg.Payload) == 0 {
		return r.Delete(ctx, msg.Topic)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal retained message: %w", err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(r.keys.retained(msg.Topic), data).WithTTL(r.ttl))
	})
}

// Get retrieves a retained packet by exact topic.
func (r *RetainedStore) Get(_ context.Context, topic string) (*storage.Message, error) {
	var msg *storage.Message

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.keys.retained(topic))
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

// Delete removes a retained packet.
func (r *RetainedStore) Delete(_ context.Context, topic string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(r.keys.retained(topic))
	})
}

// Match returns all retained packets matching a filter (supports wildcards).
func (r *RetainedStore) Match(_ context.Context, filter string) ([]*storage.Message, error) {
	var matched []*storage.Message
	prefix := r.keys.retainedPrefix()

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			topic := string(item.Key()[len(prefix):])
			if !topics.TopicMatch(filter, topic) {
				continue
			}

			err := item.Value(func(val []byte) error {
				var msg storage.Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				matched = append(matched, &msg)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal retained message: %w", err)
			}
		}

		return nil
	})

	return matched, err
}
