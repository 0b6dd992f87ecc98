// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/hubgate/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB store implementing all storage interfaces.
// Expiry is delegated to badger entry TTLs.
type Store struct {
	db *badger.DB

	subscriptions *SubscriptionStore
	retained      *RetainedStore
	packets       *PacketStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string // Directory for BadgerDB data
	SyncWrites bool
	InMemory   bool
	Options    storage.Options
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", cfg.Dir, err)
	}

	o := cfg.Options.WithDefaults()
	ks := keyspace(o.Collection)

	s := &Store{
		db:            db,
		subscriptions: &SubscriptionStore{db: db, keys: ks, ttl: o.SubscriptionTTL},
		retained:      &RetainedStore{db: db, keys: ks, ttl: o.PacketTTL},
		packets:       &PacketStore{db: db, keys: ks, ttl: o.PacketTTL},
		gcStopCh:      make(chan struct{}),
		gcDone:        make(chan struct{}),
	}

	go s.runGC(cfg.InMemory)

	return s, nil
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

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
// Expired entries are only reclaimed from disk by this loop.
func (s *Store) runGC(inMemory bool) {
	defer close(s.gcDone)

	if inMemory {
		<-s.gcStopCh
		return
	}

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means nothing was worth collecting.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

// keyspace builds collection-scoped keys.
//
// Key formats:
//
//	{collection}:retained:{topic}
//	{collection}:sub:{clientID}:{filter}
//	{collection}:pkt:{clientID}:{packetID}
type keyspace string

func (k keyspace) retainedPrefix() []byte {
	return []byte(string(k) + ":retained:")
}

func (k keyspace) retained(topic string) []byte {
	return append(k.retainedPrefix(), topic...)
}

func (k keyspace) subPrefix() []byte {
	return []byte(string(k) + ":sub:")
}

func (k keyspace) clientSubPrefix(clientID string) []byte {
	return []byte(fmt.Sprintf("%s:sub:%s:", k, clientID))
}

func (k keyspace) sub(clientID, filter string) []byte {
	return append(k.clientSubPrefix(clientID), filter...)
}

func (k keyspace) clientPacketPrefix(clientID string) []byte {
	return []byte(fmt.Sprintf("%s:pkt:%s:", k, clientID))
}

func (k keyspace) packet(clientID string, id uint16) []byte {
	return []byte(fmt.Sprintf("%s:pkt:%s:%05d", k, clientID, id))
}
