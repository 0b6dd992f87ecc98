// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mochi runs the MQTT wire protocol on mochi-mqtt and routes every
// authorization decision and lifecycle event to the broker session.
package mochi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/absmach/hubgate/broker"
	"github.com/absmach/hubgate/config"
	"github.com/absmach/hubgate/storage"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
)

var (
	_ broker.Transport        = (*Transport)(nil)
	_ broker.TransportFactory = New

	errClosed = errors.New("transport closed")
)

// Transport adapts a mochi-mqtt server to broker.Transport.
type Transport struct {
	cfg     *config.Config
	server  *mqtt.Server
	gateway *gatewayHook
	persist *persistHook
	logger  *slog.Logger

	mu      sync.Mutex
	serving bool
	closed  bool
}

// New builds the mochi server with its hooks installed. Connections are
// refused until the session attaches its gate.
func New(cfg *config.Config, store storage.Store, logger *slog.Logger) (broker.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	caps := mqtt.NewDefaultServerCapabilities()
	caps.MaximumQos = byte(cfg.Broker.MaxQoS)
	caps.MaximumMessageExpiryInterval = int64(cfg.Storage.PacketTTL.Seconds())
	caps.MaximumSessionExpiryInterval = clampSeconds(cfg.Storage.SubscriptionTTL.Seconds())

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Capabilities: caps,
		Logger:       logger.With(slog.String("component", "mochi")),
	})

	t := &Transport{
		cfg:     cfg,
		server:  server,
		gateway: newGatewayHook(server, logger),
		persist: newPersistHook(store, logger),
		logger:  logger,
	}

	if err := server.AddHook(t.gateway, nil); err != nil {
		return nil, fmt.Errorf("failed to add gateway hook: %w", err)
	}
	if store != nil {
		if err := server.AddHook(t.persist, nil); err != nil {
			return nil, fmt.Errorf("failed to add persistence hook: %w", err)
		}
	}

	return t, nil
}

// Serve binds the listeners and starts the engine. Retained packets are
// restored from the store before the first client is accepted.
func (t *Transport) Serve(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errClosed
	}
	if t.serving {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: t.cfg.Server.TCPAddr,
	})
	if err := t.server.AddListener(tcp); err != nil {
		return fmt.Errorf("failed to add tcp listener on %s: %w", t.cfg.Server.TCPAddr, err)
	}

	if t.cfg.Server.WSEnabled {
		ws := listeners.NewWebsocket(listeners.Config{
			ID:      "ws",
			Address: t.cfg.Server.WSAddr,
		})
		if err := t.server.AddListener(ws); err != nil {
			return fmt.Errorf("failed to add websocket listener on %s: %w", t.cfg.Server.WSAddr, err)
		}
	}

	if err := t.server.Serve(); err != nil {
		return fmt.Errorf("failed to start mqtt server: %w", err)
	}
	t.serving = true

	t.logger.Info("mqtt transport listening",
		slog.String("tcp_addr", t.cfg.Server.TCPAddr),
		slog.Bool("ws_enabled", t.cfg.Server.WSEnabled))
	return nil
}

// Attach installs the gate and the event sink.
func (t *Transport) Attach(auth broker.Authorizer, sink broker.EventSink) {
	t.gateway.attach(auth, sink)
}

// Detach removes the gate and the event sink. Pending checks resolve to deny.
func (t *Transport) Detach() {
	t.gateway.detach()
}

// Publish injects a packet through the inline client.
func (t *Transport) Publish(ctx context.Context, pkt broker.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	ready := t.serving && !t.closed
	t.mu.Unlock()
	if !ready {
		return errClosed
	}

	return t.server.Publish(pkt.Topic, pkt.Payload, pkt.Retain, pkt.QoS)
}

// Close disconnects every client and stops the listeners.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.gateway.detach()

	if err := t.server.Close(); err != nil {
		return fmt.Errorf("failed to close mqtt server: %w", err)
	}
	return nil
}

func clampSeconds(s float64) uint32 {
	if s >= math.MaxUint32 {
		return math.MaxUint32
	}
	if s < 0 {
		return 0
	}
	return uint32(s)
}
