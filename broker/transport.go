// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/hubgate/config"
	"github.com/absmach/hubgate/storage"
	"github.com/absmach/hubgate/storage/badger"
	"github.com/absmach/hubgate/storage/memory"
)

// Authorizer resolves every client action to a Decision. The transport
// must not let an action proceed unless the Decision allows it.
type Authorizer interface {
	CheckConnect(ctx context.Context, c Client, username string, password []byte) Decision
	CheckSubscribe(ctx context.Context, c Client, topic string) Decision
	CheckPublish(ctx context.Context, c Client, topic string, payload []byte) Decision
}

// EventSink receives lifecycle events observed by the transport. Calls for
// one connection must be made in the order the transport observed them.
type EventSink interface {
	ClientConnected(c Client)
	// Published receives nil for packets the broker originated itself.
	Published(c *Client, pkt Packet)
	Subscribed(c Client, sub Subscription)
	Unsubscribed(c Client, filter string)
	ClientDisconnecting(c Client)
	ClientDisconnected(c Client, err error)
}

// Transport is the wire-protocol engine the session drives.
type Transport interface {
	// Serve starts the listeners and returns once the transport accepts connections.
	Serve(ctx context.Context) error

	// Attach installs the gate and the event sink. Until then every
	// connection is refused and no event is emitted.
	Attach(auth Authorizer, sink EventSink)

	// Detach removes what Attach installed.
	Detach()

	// Publish injects a broker-originated packet.
	Publish(ctx context.Context, pkt Packet) error

	// Close disconnects all clients and stops the listeners.
	Close() error
}

// TransportFactory builds the transport once the store is available.
type TransportFactory func(cfg *config.Config, store storage.Store, logger *slog.Logger) (Transport, error)

// StoreFactory opens the persistence layer. A successful return is the
// persistence readiness signal.
type StoreFactory func(cfg config.StorageConfig) (storage.Store, error)

// OpenStore is the default StoreFactory, selecting the backend by cfg.Type.
func OpenStore(cfg config.StorageConfig) (storage.Store, error) {
	opts := storage.Options{
		Collection:      cfg.Collection,
		SubscriptionTTL: cfg.SubscriptionTTL,
		PacketTTL:       cfg.PacketTTL,
	}

	switch cfg.Type {
	case "memory":
		return memory.New(opts), nil
	case "badger", "":
		store, err := badger.New(badger.Config{
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.SyncWrites,
			Options:    opts,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
