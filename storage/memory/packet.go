// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/hubgate/storage"
)

var _ storage.PacketStore = (*PacketStore)(nil)

type packetEntry struct {
	msg     *storage.Message
	expires time.Time
}

// PacketStore is an in-memory implementation of storage.PacketStore.
type PacketStore struct {
	mu   sync.Mutex
	data map[string]map[uint16]packetEntry // clientID -> packetID -> entry
	ttl  time.Duration
	now  clock
}

func newPacketStore(ttl time.Duration, now clock) *PacketStore {
	return &PacketStore{
		data: make(map[string]map[uint16]packetEntry),
		ttl:  ttl,
		now:  now,
	}
}

// Store saves an inflight packet.
func (s *PacketStore) Store(_ context.Context, clientID string, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkts, ok := s.data[clientID]
	if !ok {
		pkts = make(map[uint16]packetEntry)
		s.data[clientID] = pkts
	}
	pkts[msg.PacketID] = packetEntry{msg: storage.CopyMessage(msg), expires: s.now().Add(s.ttl)}
	return nil
}

// Get retrieves an inflight packet.
func (s *PacketStore) Get(_ context.Context, clientID string, packetID uint16) (*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[clientID][packetID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !s.now().Before(e.expires) {
		delete(s.data[clientID], packetID)
		return nil, storage.ErrNotFound
	}
	return storage.CopyMessage(e.msg), nil
}

// Delete removes an inflight packet.
func (s *PacketStore) Delete(_ context.Context, clientID string, packetID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pkts, ok := s.data[clientID]; ok {
		delete(pkts, packetID)
	}
	return nil
}

// List returns the inflight packets of a client ordered by packet id.
func (s *PacketStore) List(_ context.Context, clientID string) ([]*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var msgs []*storage.Message
	for id, e := range s.data[clientID] {
		if !now.Before(e.expires) {
			delete(s.data[clientID], id)
			continue
		}
		msgs = append(msgs, storage.CopyMessage(e.msg))
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].PacketID < msgs[j].PacketID })
	return msgs, nil
}

// DeleteAll removes every inflight packet of a client.
func (s *PacketStore) DeleteAll(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, clientID)
	return nil
}
