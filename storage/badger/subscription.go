// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/absmach/hubgate/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore implements storage.SubscriptionStore using BadgerDB.
type SubscriptionStore struct {
	db   *badger.DB
	keys keyspace
	ttl  time.Duration
}

// Add adds or updates a subscription.
func (s *SubscriptionStore) Add(_ context.Context, sub *storage.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(s.keys.sub(sub.ClientID, sub.Filter), data).WithTTL(s.ttl))
	})
}

// Remove removes a subscription.
func (s *SubscriptionStore) Remove(_ context.Context, clientID, filter string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.keys.sub(clientID, filter))
	})
}

// RemoveAll removes all subscriptions for a client.
func (s *SubscriptionStore) RemoveAll(_ context.Context, clientID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		keys, _, err := collect(txn, s.keys.clientSubPrefix(clientID), false)
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

// GetForClient returns all live subscriptions for a client.
func (s *SubscriptionStore) GetForClient(_ context.Context, clientID string) ([]*storage.Subscription, error) {
	var subs []*storage.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		_, vals, err := collect(txn, s.keys.clientSubPrefix(clientID), true)
		if err != nil {
			return err
		}
		for _, val := range vals {
			var sub storage.Subscription
			if err := json.Unmarshal(val, &sub); err != nil {
				return fmt.Errorf("failed to unmarshal subscription: %w", err)
			}
			subs = append(subs, &sub)
		}
		return nil
	})

	return subs, err
}

// List returns every live subscription ordered by client and filter.
func (s *SubscriptionStore) List(_ context.Context) ([]*storage.Subscription, error) {
	var subs []*storage.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		_, vals, err := collect(txn, s.keys.subPrefix(), true)
		if err != nil {
			return err
		}
		for _, val := range vals {
			var sub storage.Subscription
			if err := json.Unmarshal(val, &sub); err != nil {
				return fmt.Errorf("failed to unmarshal subscription: %w", err)
			}
			subs = append(subs, &sub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].ClientID != subs[j].ClientID {
			return subs[i].ClientID < subs[j].ClientID
		}
		return subs[i].Filter < subs[j].Filter
	})
	return subs, nil
}

// Touch rewrites every subscription of clientID with a fresh TTL.
func (s *SubscriptionStore) Touch(_ context.Context, clientID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		keys, vals, err := collect(txn, s.keys.clientSubPrefix(clientID), true)
		if err != nil {
			return err
		}
		for i, key := range keys {
			if err := txn.SetEntry(badger.NewEntry(key, vals[i]).WithTTL(s.ttl)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of live subscriptions.
func (s *SubscriptionStore) Count(_ context.Context) (int, error) {
	count := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.keys.subPrefix()
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	return count, err
}

// collect copies the keys, and optionally values, under prefix.
// The iterator is closed before the caller writes in the same transaction.
func collect(txn *badger.Txn, prefix []byte, values bool) ([][]byte, [][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = values
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys, vals [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		keys = append(keys, item.KeyCopy(nil))
		if !values {
			continue
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, nil, err
		}
		vals = append(vals, val)
	}
	return keys, vals, nil
}
