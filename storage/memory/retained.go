// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/hubgate/storage"
	"github.com/absmach/hubgate/topics"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

type retainedEntry struct {
	msg     *storage.Message
	expires time.Time
}

// RetainedStore is an in-memory implementation of storage.RetainedStore.
type RetainedStore struct {
	mu   sync.Mutex
	data map[string]retainedEntry // topic -> entry
	ttl  time.Duration
	now  clock
}

func newRetainedStore(ttl time.Duration, now clock) *RetainedStore {
	return &RetainedStore{
		data: make(map[string]retainedEntry),
		ttl:  ttl,
		now:  now,
	}
}

// Set stores or replaces a retained packet. Empty payload deletes it.
func (s *RetainedStore) Set(_ context.Context, msg *storage.Message) error {
	if msg == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg.Payload) == 0 {
		delete(s.data, msg.Topic)
		return nil
	}
	s.data[msg.Topic] = retainedEntry{msg: storage.CopyMessage(msg), expires: s.now().Add(s.ttl)}
	return nil
}

// Get retrieves a retained packet by exact topic.
func (s *RetainedStore) Get(_ context.Context, topic string) (*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[topic]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !s.now().Before(e.expires) {
		delete(s.data, topic)
		return nil, storage.ErrNotFound
	}
	return storage.CopyMessage(e.msg), nil
}

// Delete removes a retained packet.
func (s *RetainedStore) Delete(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, topic)
	return nil
}

// Match returns all retained packets matching a filter (supports wildcards).
func (s *RetainedStore) Match(_ context.Context, filter string) ([]*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var result []*storage.Message
	for topic, e := range s.data {
		if !now.Before(e.expires) {
			delete(s.data, topic)
			continue
		}
		if topics.TopicMatch(filter, topic) {
			result = append(result, storage.CopyMessage(e.msg))
		}
	}
	return result, nil
}
