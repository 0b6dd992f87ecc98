// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"sync"
)

// ConnectPolicy decides whether a client may connect.
type ConnectPolicy func(ctx context.Context, c Client, username string, password []byte) (bool, error)

// SubscribePolicy decides whether a client may subscribe to a topic filter.
type SubscribePolicy func(ctx context.Context, c Client, topic string) (bool, error)

// PublishPolicy decides whether a client may publish. payload is a private
// copy, changes to it do not reach the transport.
type PublishPolicy func(ctx context.Context, c Client, topic string, payload []byte) (bool, error)

// ConnectedHook observes a connection accepted by the gate.
type ConnectedHook func(c Client)

// PublishedHook observes an accepted client publish.
type PublishedHook func(pkt Packet, c Client)

// SubscribedHook observes an accepted subscribe.
type SubscribedHook func(topic string, c Client)

// UnsubscribedHook observes an explicit unsubscribe.
type UnsubscribedHook func(topic string, c Client)

// DisconnectedHook observes a disconnect, graceful or not.
type DisconnectedHook func(c Client)

// ErrorHook receives policy, timeout, hook and transport failures.
type ErrorHook func(err error)

// hookSet holds the registered hooks. Slots may be replaced at any time;
// readers take a snapshot per event.
type hookSet struct {
	mu sync.RWMutex
	h  hooks
}

type hooks struct {
	connectPolicy   ConnectPolicy
	subscribePolicy SubscribePolicy
	publishPolicy   PublishPolicy

	connected    ConnectedHook
	published    PublishedHook
	subscribed   SubscribedHook
	unsubscribed UnsubscribedHook
	disconnected DisconnectedHook

	onError ErrorHook
}

func (s *hookSet) snapshot() hooks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h
}

func (s *hookSet) update(fn func(h *hooks)) {
	s.mu.Lock()
	fn(&s.h)
	s.mu.Unlock()
}

// report forwards err to the error hook, if any. A panicking error hook is
// contained.
func (s *hookSet) report(err error) {
	fn := s.snapshot().onError
	if fn == nil || err == nil {
		return
	}
	defer func() { _ = recover() }()
	fn(err)
}
