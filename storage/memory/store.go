// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"time"

	"github.com/absmach/hubgate/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store. Expired entries are dropped
// lazily when they are next read.
type Store struct {
	subscriptions *SubscriptionStore
	retained      *RetainedStore
	packets       *PacketStore
}

type clock func() time.Time

// New creates a new in-memory store.
func New(opts storage.Options) *Store {
	return newWithClock(opts, time.Now)
}

func newWithClock(opts storage.Options, now clock) *Store {
	o := opts.WithDefaults()
	return &Store{
		subscriptions: newSubscriptionStore(o.SubscriptionTTL, now),
		retained:      newRetainedStore(o.PacketTTL, now),
		packets:       newPacketStore(o.PacketTTL, now),
	}
}

// Subscriptions returns the subscription store.
func (s *Store) Subscriptions() storage.SubscriptionStore {
	return s.subscriptions
}

// Retained returns the retained packet store.
func (s *Store) Retained() storage.RetainedStore {
	return s.retained
}

// Packets returns the inflight packet store.
func (s *Store) Packets() storage.PacketStore {
	return s.packets
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
