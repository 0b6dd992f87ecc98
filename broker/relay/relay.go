// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay republishes lifecycle events on NATS subjects.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/hubgate/broker/events"
	"github.com/absmach/hubgate/config"
	"github.com/nats-io/nats.go"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("event relay closed")

// Conn is the subset of *nats.Conn the relay uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

var _ events.Notifier = (*Relay)(nil)

// Relay publishes each event envelope to "<prefix>.<event type>".
type Relay struct {
	conn           Conn
	prefix         string
	brokerID       string
	includePayload bool
	logger         *slog.Logger
	closed         atomic.Bool
}

// Connect dials NATS with reconnects enabled and returns a relay over it.
func Connect(cfg config.RelayConfig, brokerID string, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "relay"))

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name(brokerID),
		nats.Timeout(timeout),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Error("disconnected from NATS server", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS server", slog.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	logger.Info("connected to NATS server", slog.String("url", conn.ConnectedUrl()))

	return New(conn, cfg, brokerID, logger), nil
}

// New creates a relay over an established connection.
func New(conn Conn, cfg config.RelayConfig, brokerID string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		conn:           conn,
		prefix:         cfg.SubjectPrefix,
		brokerID:       brokerID,
		includePayload: cfg.IncludePayload,
		logger:         logger,
	}
}

// Subject returns the subject an event of type eventType is published to.
func (r *Relay) Subject(eventType string) string {
	if r.prefix == "" {
		return eventType
	}
	return r.prefix + "." + eventType
}

// Notify publishes the event. nats buffers the write, so this does not wait
// for the server.
func (r *Relay) Notify(_ context.Context, event events.Event) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if mp, ok := event.(events.MessagePublished); ok && !r.includePayload {
		event = mp.WithoutPayload()
	}

	data, err := json.Marshal(event.Wrap(r.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.conn.Publish(r.Subject(event.Type()), data); err != nil {
		return fmt.Errorf("failed to relay %s: %w", event.Type(), err)
	}
	return nil
}

// Close drains the connection, flushing buffered events.
func (r *Relay) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := r.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
