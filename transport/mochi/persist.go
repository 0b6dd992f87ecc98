// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mochi

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/hubgate/storage"
	"github.com/absmach/hubgate/topics"
	mqtt "github.com/mochi-mqtt/server/v2"
	mstorage "github.com/mochi-mqtt/server/v2/hooks/storage"
	"github.com/mochi-mqtt/server/v2/packets"
)

const storeTimeout = 5 * time.Second

// persistHook mirrors retained packets, subscriptions and inflight QoS>0
// packets into the hub store, where they expire by TTL, and hands them back
// to the engine at startup so persistent sessions survive a restart.
type persistHook struct {
	mqtt.HookBase

	store  storage.Store
	logger *slog.Logger
}

func newPersistHook(store storage.Store, logger *slog.Logger) *persistHook {
	return &persistHook{store: store, logger: logger}
}

func (h *persistHook) ID() string {
	return "hubgate-persistence"
}

func (h *persistHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnRetainMessage,
		mqtt.OnRetainedExpired,
		mqtt.OnQosPublish,
		mqtt.OnQosComplete,
		mqtt.OnQosDropped,
		mqtt.OnClientExpired,
		mqtt.StoredClients,
		mqtt.StoredSubscriptions,
		mqtt.StoredInflightMessages,
		mqtt.StoredRetainedMessages,
	}, []byte{b})
}

func (h *persistHook) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (h *persistHook) warn(op string, err error, attrs ...any) {
	h.logger.Warn("persistence failed", append([]any{
		slog.String("op", op),
		slog.String("error", err.Error()),
	}, attrs...)...)
}

// OnSessionEstablished restarts the TTL of the client's subscriptions.
func (h *persistHook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	if cl.Net.Inline {
		return
	}
	ctx, cancel := h.ctx()
	defer cancel()
	if err := h.store.Subscriptions().Touch(ctx, cl.ID); err != nil {
		h.warn("touch_subscriptions", err, slog.String("client_id", cl.ID))
	}
}

func (h *persistHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	ctx, cancel := h.ctx()
	defer cancel()

	for i, f := range pk.Filters {
		if i >= len(reasonCodes) || reasonCodes[i] >= failureCode {
			continue
		}
		sub := &storage.Subscription{
			Created:  time.Now(),
			ClientID: cl.ID,
			Filter:   f.Filter,
			QoS:      reasonCodes[i],
		}
		if err := h.store.Subscriptions().Add(ctx, sub); err != nil {
			h.warn("add_subscription", err, slog.String("client_id", cl.ID), slog.String("filter", f.Filter))
		}
	}
}

func (h *persistHook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	ctx, cancel := h.ctx()
	defer cancel()

	for _, f := range pk.Filters {
		if err := h.store.Subscriptions().Remove(ctx, cl.ID, f.Filter); err != nil {
			h.warn("remove_subscription", err, slog.String("client_id", cl.ID), slog.String("filter", f.Filter))
		}
	}
}

// OnRetainMessage stores or clears the retained packet of a topic.
func (h *persistHook) OnRetainMessage(cl *mqtt.Client, pk packets.Packet, r int64) {
	ctx, cancel := h.ctx()
	defer cancel()

	msg := &storage.Message{
		Created: time.Now(),
		Topic:   pk.TopicName,
		Payload: pk.Payload,
		QoS:     pk.FixedHeader.Qos,
		Retain:  true,
	}
	if !cl.Net.Inline {
		msg.ClientID = cl.ID
	}
	if r < 0 {
		msg.Payload = nil
	}
	if err := h.store.Retained().Set(ctx, msg); err != nil {
		h.warn("set_retained", err, slog.String("topic", pk.TopicName))
	}
}

func (h *persistHook) OnRetainedExpired(filter string) {
	ctx, cancel := h.ctx()
	defer cancel()
	if err := h.store.Retained().Delete(ctx, filter); err != nil {
		h.warn("delete_retained", err, slog.String("topic", filter))
	}
}

// OnQosPublish tracks a QoS>0 packet sent to a client until it is
// acknowledged. The engine also reports the acks it sends for inbound
// packets and PUBREL resends here; those are not stored.
func (h *persistHook) OnQosPublish(cl *mqtt.Client, pk packets.Packet, sent int64, _ int) {
	if pk.FixedHeader.Type != packets.Publish {
		return
	}

	ctx, cancel := h.ctx()
	defer cancel()

	msg := &storage.Message{
		Created:  time.Unix(sent, 0),
		Topic:    pk.TopicName,
		ClientID: pk.Origin,
		Payload:  pk.Payload,
		PacketID: pk.PacketID,
		QoS:      pk.FixedHeader.Qos,
		Retain:   pk.FixedHeader.Retain,
	}
	if err := h.store.Packets().Store(ctx, cl.ID, msg); err != nil {
		h.warn("store_inflight", err, slog.String("client_id", cl.ID))
	}
}

func (h *persistHook) OnQosComplete(cl *mqtt.Client, pk packets.Packet) {
	h.dropInflight(cl, pk)
}

func (h *persistHook) OnQosDropped(cl *mqtt.Client, pk packets.Packet) {
	h.dropInflight(cl, pk)
}

func (h *persistHook) dropInflight(cl *mqtt.Client, pk packets.Packet) {
	ctx, cancel := h.ctx()
	defer cancel()
	if err := h.store.Packets().Delete(ctx, cl.ID, pk.PacketID); err != nil {
		h.warn("delete_inflight", err, slog.String("client_id", cl.ID))
	}
}

// OnClientExpired removes everything stored for an expired session.
func (h *persistHook) OnClientExpired(cl *mqtt.Client) {
	ctx, cancel := h.ctx()
	defer cancel()
	if err := h.store.Subscriptions().RemoveAll(ctx, cl.ID); err != nil {
		h.warn("remove_subscriptions", err, slog.String("client_id", cl.ID))
	}
	if err := h.store.Packets().DeleteAll(ctx, cl.ID); err != nil {
		h.warn("delete_inflight", err, slog.String("client_id", cl.ID))
	}
}

// StoredClients returns one offline persistent session per client holding
// live subscriptions. Sessions are restored as MQTT 3.1.1 without clean
// start, so a reconnect without clean session inherits them.
func (h *persistHook) StoredClients() ([]mstorage.Client, error) {
	subs, err := h.subscriptions()
	if err != nil {
		return nil, err
	}

	var out []mstorage.Client
	for i, sub := range subs {
		if i > 0 && subs[i-1].ClientID == sub.ClientID {
			continue
		}
		out = append(out, mstorage.Client{
			ID:              sub.ClientID,
			T:               mstorage.ClientKey,
			Listener:        "tcp",
			ProtocolVersion: 4,
		})
	}
	h.logger.Info("restored sessions", slog.Int("count", len(out)))
	return out, nil
}

// StoredSubscriptions returns every live subscription.
func (h *persistHook) StoredSubscriptions() ([]mstorage.Subscription, error) {
	subs, err := h.subscriptions()
	if err != nil {
		return nil, err
	}

	out := make([]mstorage.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, mstorage.Subscription{
			ID:     sub.ClientID + ":" + sub.Filter,
			T:      mstorage.SubscriptionKey,
			Client: sub.ClientID,
			Filter: sub.Filter,
			Qos:    sub.QoS,
		})
	}
	h.logger.Info("restored subscriptions", slog.Int("count", len(out)))
	return out, nil
}

// StoredInflightMessages returns the unacknowledged packets of every
// restored session.
func (h *persistHook) StoredInflightMessages() ([]mstorage.Message, error) {
	subs, err := h.subscriptions()
	if err != nil {
		return nil, err
	}

	ctx, cancel := h.ctx()
	defer cancel()

	var out []mstorage.Message
	for i, sub := range subs {
		if i > 0 && subs[i-1].ClientID == sub.ClientID {
			continue
		}
		msgs, err := h.store.Packets().List(ctx, sub.ClientID)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			out = append(out, mstorage.Message{
				ID:        fmt.Sprintf("%s_%s_%d", mstorage.InflightKey, sub.ClientID, m.PacketID),
				T:         mstorage.InflightKey,
				Client:    sub.ClientID,
				Origin:    m.ClientID,
				TopicName: m.Topic,
				Payload:   m.Payload,
				PacketID:  m.PacketID,
				Created:   m.Created.Unix(),
				Sent:      m.Created.Unix(),
				FixedHeader: packets.FixedHeader{
					Type:   packets.Publish,
					Qos:    m.QoS,
					Retain: m.Retain,
				},
			})
		}
	}
	h.logger.Info("restored inflight packets", slog.Int("count", len(out)))
	return out, nil
}

func (h *persistHook) subscriptions() ([]*storage.Subscription, error) {
	ctx, cancel := h.ctx()
	defer cancel()
	return h.store.Subscriptions().List(ctx)
}

// StoredRetainedMessages hands the live retained packets to the engine at startup.
func (h *persistHook) StoredRetainedMessages() ([]mstorage.Message, error) {
	ctx, cancel := h.ctx()
	defer cancel()

	msgs, err := h.store.Retained().Match(ctx, topics.MultiLevel)
	if err != nil {
		return nil, err
	}

	out := make([]mstorage.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, mstorage.Message{
			ID:        mstorage.RetainedKey + "_" + m.Topic,
			T:         mstorage.RetainedKey,
			TopicName: m.Topic,
			Payload:   m.Payload,
			Origin:    m.ClientID,
			Created:   m.Created.Unix(),
			FixedHeader: packets.FixedHeader{
				Type:   packets.Publish,
				Qos:    m.QoS,
				Retain: true,
			},
		})
	}
	h.logger.Info("restored retained packets", slog.Int("count", len(out)))
	return out, nil
}
