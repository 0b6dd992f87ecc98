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

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

type subEntry struct {
	sub     storage.Subscription
	expires time.Time
}

// SubscriptionStore is an in-memory implementation of storage.SubscriptionStore.
type SubscriptionStore struct {
	mu   sync.Mutex
	data map[string]map[string]subEntry // clientID -> filter -> entry
	ttl  time.Duration
	now  clock
}

func newSubscriptionStore(ttl time.Duration, now clock) *SubscriptionStore {
	return &SubscriptionStore{
		data: make(map[string]map[string]subEntry),
		ttl:  ttl,
		now:  now,
	}
}

// Add adds or updates a subscription.
func (s *SubscriptionStore) Add(_ context.Context, sub *storage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filters, ok := s.data[sub.ClientID]
	if !ok {
		filters = make(map[string]subEntry)
		s.data[sub.ClientID] = filters
	}
	filters[sub.Filter] = subEntry{sub: *sub, expires: s.now().Add(s.ttl)}
	return nil
}

// Remove removes a subscription.
func (s *SubscriptionStore) Remove(_ context.Context, clientID, filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if filters, ok := s.data[clientID]; ok {
		delete(filters, filter)
		if len(filters) == 0 {
			delete(s.data, clientID)
		}
	}
	return nil
}

// RemoveAll removes all subscriptions for a client.
func (s *SubscriptionStore) RemoveAll(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, clientID)
	return nil
}

// GetForClient returns all live subscriptions for a client, sorted by filter.
func (s *SubscriptionStore) GetForClient(_ context.Context, clientID string) ([]*storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireClient(clientID, s.now())

	var subs []*storage.Subscription
	for _, e := range s.data[clientID] {
		sub := e.sub
		subs = append(subs, &sub)
	}
	sortSubscriptions(subs)
	return subs, nil
}

// List returns every live subscription ordered by client and filter.
func (s *SubscriptionStore) List(_ context.Context) ([]*storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var subs []*storage.Subscription
	for clientID := range s.data {
		s.expireClient(clientID, now)
		for _, e := range s.data[clientID] {
			sub := e.sub
			subs = append(subs, &sub)
		}
	}
	sortSubscriptions(subs)
	return subs, nil
}

// Touch restarts the TTL of every live subscription of a client.
func (s *SubscriptionStore) Touch(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireClient(clientID, now)
	for filter, e := range s.data[clientID] {
		e.expires = now.Add(s.ttl)
		s.data[clientID][filter] = e
	}
	return nil
}

// Count returns the number of live subscriptions.
func (s *SubscriptionStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for clientID := range s.data {
		s.expireClient(clientID, now)
		n += len(s.data[clientID])
	}
	return n, nil
}

// expireClient must be called with mu held.
func (s *SubscriptionStore) expireClient(clientID string, now time.Time) {
	filters, ok := s.data[clientID]
	if !ok {
		return
	}
	for filter, e := range filters {
		if !now.Before(e.expires) {
			delete(filters, filter)
		}
	}
	if len(filters) == 0 {
		delete(s.data, clientID)
	}
}

func sortSubscriptions(subs []*storage.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].ClientID != subs[j].ClientID {
			return subs[i].ClientID < subs[j].ClientID
		}
		return subs[i].Filter < subs[j].Filter
	})
}
