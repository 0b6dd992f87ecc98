// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected     = "client.connected"
	TypeClientDisconnected  = "client.disconnected"
	TypeMessagePublished    = "message.published"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
)

// Event is the common interface for all lifecycle events.
type Event interface {
	// Type returns the event type identifier (e.g., "client.connected")
	Type() string

	// Topic returns the topic or filter the event concerns, empty for client events
	Topic() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Notifier is a sink for lifecycle events. Implementations must not block
// the caller for network I/O.
type Notifier interface {
	Notify(ctx context.Context, event Event) error

	// Close gracefully shuts down, flushing pending events
	Close() error
}

// Envelope is the common wrapper for all events leaving the process.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ClientConnected is emitted when a client successfully connects.
type ClientConnected struct {
	ClientID   string `json:"client_id"`
	Username   string `json:"username,omitempty"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientConnected) Type() string                    { return TypeClientConnected }
func (e ClientConnected) Topic() string                   { return "" }
func (e ClientConnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientDisconnected is emitted when a client disconnects.
type ClientDisconnected struct {
	ClientID   string `json:"client_id"`
	Reason     string `json:"reason"` // "normal" or "error"
	Error      string `json:"error,omitempty"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientDisconnected) Type() string                    { return TypeClientDisconnected }
func (e ClientDisconnected) Topic() string                   { return "" }
func (e ClientDisconnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessagePublished is emitted when a client publish is accepted.
type MessagePublished struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
	QoS          byte   `json:"qos"`
	Retained     bool   `json:"retained"`
	PayloadSize  int    `json:"payload_size"`
	Payload      string `json:"payload,omitempty"` // base64 encoded, optional
}

// NewMessagePublished builds the event, attaching the payload when includePayload is set.
func NewMessagePublished(clientID, topic string, qos byte, retained bool, payload []byte, includePayload bool) MessagePublished {
	e := MessagePublished{
		ClientID:     clientID,
		MessageTopic: topic,
		QoS:          qos,
		Retained:     retained,
		PayloadSize:  len(payload),
	}
	if includePayload {
		e.Payload = base64.StdEncoding.EncodeToString(payload)
	}
	return e
}

// WithoutPayload returns a copy with the payload stripped.
func (e MessagePublished) WithoutPayload() MessagePublished {
	e.Payload = ""
	return e
}

func (e MessagePublished) Type() string                    { return TypeMessagePublished }
func (e MessagePublished) Topic() string                   { return e.MessageTopic }
func (e MessagePublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a client subscribes to a topic.
type SubscriptionCreated struct {
	ClientID    string `json:"client_id"`
	TopicFilter string `json:"topic_filter"`
	QoS         byte   `json:"qos"`
}

func (e SubscriptionCreated) Type() string                    { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string                   { return e.TopicFilter }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a client explicitly unsubscribes.
// Subscriptions expiring through TTL produce no event.
type SubscriptionRemoved struct {
	ClientID    string `json:"client_id"`
	TopicFilter string `json:"topic_filter"`
}

func (e SubscriptionRemoved) Type() string                    { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string                   { return e.TopicFilter }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
