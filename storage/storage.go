// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// Defaults applied when Options leaves a field empty.
const (
	DefaultCollection = "hub_manager_broker_persistance"
	DefaultTTL        = 2 * time.Hour
)

// Options configures a Store backend.
type Options struct {
	// Collection namespaces every key the store writes.
	Collection string

	// SubscriptionTTL is measured from the last activity of the subscriber.
	SubscriptionTTL time.Duration

	// PacketTTL applies to retained and inflight packets.
	PacketTTL time.Duration
}

// WithDefaults returns o with empty fields filled in.
func (o Options) WithDefaults() Options {
	if o.Collection == "" {
		o.Collection = DefaultCollection
	}
	if o.SubscriptionTTL <= 0 {
		o.SubscriptionTTL = DefaultTTL
	}
	if o.PacketTTL <= 0 {
		o.PacketTTL = DefaultTTL
	}
	return o
}

// Store is the composite storage interface providing access to all storage backends.
// Expired entries are invisible to every read.
type Store interface {
	// Retained returns the retained packet store.
	Retained() RetainedStore

	// Subscriptions returns the subscription store.
	Subscriptions() SubscriptionStore

	// Packets returns the store of inflight QoS>0 packets.
	Packets() PacketStore

	// Close closes all storage backends.
	Close() error
}

// Message represents a stored packet.
type Message struct {
	Created  time.Time `json:"created"`
	Topic    string    `json:"topic"`
	ClientID string    `json:"client_id,omitempty"` // empty for broker-originated packets
	Payload  []byte    `json:"payload"`
	PacketID uint16    `json:"packet_id,omitempty"`
	QoS      byte      `json:"qos"`
	Retain   bool      `json:"retain"`
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cp := *msg
	if msg.Payload != nil {
		cp.Payload = append([]byte(nil), msg.Payload...)
	}
	return &cp
}

// Subscription represents a stored subscription.
type Subscription struct {
	Created  time.Time `json:"created"`
	ClientID string    `json:"client_id"`
	Filter   string    `json:"filter"`
	QoS      byte      `json:"qos"`
}

// RetainedStore handles retained packet persistence.
type RetainedStore interface {
	// Set stores or replaces the retained packet for msg.Topic.
	// Empty payload deletes the retained packet.
	Set(ctx context.Context, msg *Message) error

	// Get retrieves a retained packet by exact topic.
	Get(ctx context.Context, topic string) (*Message, error)

	// Delete removes a retained packet.
	Delete(ctx context.Context, topic string) error

	// Match returns all retained packets matching a filter (supports wildcards).
	Match(ctx context.Context, filter string) ([]*Message, error)
}

// SubscriptionStore handles subscription persistence.
type SubscriptionStore interface {
	// Add adds or updates a subscription.
	Add(ctx context.Context, sub *Subscription) error

	// Remove removes a subscription.
	Remove(ctx context.Context, clientID, filter string) error

	// RemoveAll removes all subscriptions for a client.
	RemoveAll(ctx context.Context, clientID string) error

	// GetForClient returns all live subscriptions for a client.
	GetForClient(ctx context.Context, clientID string) ([]*Subscription, error)

	// List returns every live subscription ordered by client and filter.
	List(ctx context.Context) ([]*Subscription, error)

	// Touch restarts the TTL of every subscription held by a client.
	Touch(ctx context.Context, clientID string) error

	// Count returns the number of live subscriptions.
	Count(ctx context.Context) (int, error)
}

// PacketStore tracks inflight QoS>0 packets per client.
type PacketStore interface {
	// Store saves msg under (clientID, msg.PacketID).
	Store(ctx context.Context, clientID string, msg *Message) error

	// Get retrieves an inflight packet.
	Get(ctx context.Context, clientID string, packetID uint16) (*Message, error)

	// Delete removes an inflight packet.
	Delete(ctx context.Context, clientID string, packetID uint16) error

	// List returns the inflight packets of a client ordered by packet id.
	List(ctx context.Context, clientID string) ([]*Message, error)

	// DeleteAll removes every inflight packet of a client.
	DeleteAll(ctx context.Context, clientID string) error
}
