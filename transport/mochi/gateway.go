// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mochi

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/hubgate/broker"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Reason codes at or above this value report a failure.
const failureCode = 0x80

// gatewayHook answers the engine's authorization callbacks with the gate and
// relays lifecycle callbacks to the event sink. Until attach every
// connection is refused.
type gatewayHook struct {
	mqtt.HookBase

	server *mqtt.Server
	logger *slog.Logger
	handle atomic.Uint64

	mu     sync.RWMutex
	auth   broker.Authorizer
	sink   broker.EventSink
	ctx    context.Context
	cancel context.CancelFunc

	// Engine clients mapped to the connection they were admitted as.
	cmu     sync.Mutex
	clients map[*mqtt.Client]broker.Client
	// Original filters of the SUBSCRIBE packet being processed, by
	// position; empty where the filter was allowed.
	denied map[*mqtt.Client][]string
}

func newGatewayHook(server *mqtt.Server, logger *slog.Logger) *gatewayHook {
	return &gatewayHook{
		server:  server,
		logger:  logger,
		clients: make(map[*mqtt.Client]broker.Client),
		denied:  make(map[*mqtt.Client][]string),
	}
}

func (h *gatewayHook) ID() string {
	return "hubgate-gateway"
}

func (h *gatewayHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnSubscribe,
		mqtt.OnPublish,
		mqtt.OnSessionEstablished,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnPublished,
		mqtt.OnPacketRead,
		mqtt.OnDisconnect,
	}, []byte{b})
}

func (h *gatewayHook) attach(auth broker.Authorizer, sink broker.EventSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.auth, h.sink = auth, sink
}

func (h *gatewayHook) detach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	h.auth, h.sink, h.ctx, h.cancel = nil, nil, nil, nil
}

func (h *gatewayHook) gate() (context.Context, broker.Authorizer) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx, h.auth
}

func (h *gatewayHook) events() broker.EventSink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sink
}

// lookup returns the admitted connection for cl.
func (h *gatewayHook) lookup(cl *mqtt.Client) (broker.Client, bool) {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	c, ok := h.clients[cl]
	return c, ok
}

func (h *gatewayHook) forget(cl *mqtt.Client) (broker.Client, bool) {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	c, ok := h.clients[cl]
	delete(h.clients, cl)
	delete(h.denied, cl)
	return c, ok
}

// OnConnectAuthenticate runs the connect policy for a CONNECT packet.
func (h *gatewayHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	ctx, auth := h.gate()
	if auth == nil {
		h.logger.Debug("refusing connection before the gate is attached",
			slog.String("client_id", cl.ID),
			slog.String("remote_addr", cl.Net.Remote))
		return false
	}

	c := broker.Client{
		ID:          cl.ID,
		Username:    string(cl.Properties.Username),
		RemoteAddr:  cl.Net.Remote,
		Listener:    cl.Net.Listener,
		Handle:      h.handle.Add(1),
		ConnectedAt: time.Now(),
	}
	if !auth.CheckConnect(ctx, c, c.Username, pk.Connect.Password).Allowed() {
		return false
	}

	h.cmu.Lock()
	h.clients[cl] = c
	h.cmu.Unlock()
	return true
}

// OnACLCheck admits everything the engine asks about. Subscribe filters
// are decided in OnSubscribe and publishes in OnPublish, where the payload
// is available; deliveries are not gated.
func (h *gatewayHook) OnACLCheck(*mqtt.Client, string, bool) bool {
	return true
}

// OnSubscribe resolves every filter of the packet before the engine
// processes it. A denied filter is blanked so the engine refuses it without
// subscribing; OnSubscribed puts it back.
func (h *gatewayHook) OnSubscribe(cl *mqtt.Client, pk packets.Packet) packets.Packet {
	if cl.Net.Inline {
		return pk
	}

	ctx, auth := h.gate()
	c, known := h.lookup(cl)

	var denied []string
	filters := slices.Clone(pk.Filters)
	for i, f := range filters {
		if known && auth != nil && auth.CheckSubscribe(ctx, c, f.Filter).Allowed() {
			continue
		}
		if denied == nil {
			denied = make([]string, len(filters))
		}
		denied[i] = f.Filter
		filters[i].Filter = ""
	}
	if denied == nil {
		return pk
	}

	h.cmu.Lock()
	h.denied[cl] = denied
	h.cmu.Unlock()
	pk.Filters = filters
	return pk
}

// OnPublish runs the publish policy. A denied QoS 0 packet is dropped. A
// denied QoS>0 packet is refused with a not-authorized ack on MQTT 5; older
// protocol versions have no negative ack, so the client is disconnected.
func (h *gatewayHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if cl.Net.Inline {
		return pk, nil
	}

	ctx, auth := h.gate()
	c, known := h.lookup(cl)
	if !known || auth == nil {
		return pk, h.reject(cl, pk)
	}
	if !auth.CheckPublish(ctx, c, pk.TopicName, pk.Payload).Allowed() {
		return pk, h.reject(cl, pk)
	}
	return pk, nil
}

func (h *gatewayHook) reject(cl *mqtt.Client, pk packets.Packet) error {
	if pk.FixedHeader.Qos == 0 {
		return packets.ErrRejectPacket
	}

	if cl.Properties.ProtocolVersion < 5 {
		h.logger.Debug("disconnecting client after denied publish",
			slog.String("client_id", cl.ID),
			slog.String("topic", pk.TopicName))
		_ = h.server.DisconnectClient(cl, packets.ErrNotAuthorized)
		return packets.ErrRejectPacket
	}

	ack := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Puback},
		PacketID:    pk.PacketID,
		ReasonCode:  packets.ErrNotAuthorized.Code,
		Properties:  packets.Properties{ReasonString: packets.ErrNotAuthorized.Reason},
	}
	if pk.FixedHeader.Qos == 2 {
		ack.FixedHeader.Type = packets.Pubrec
	}
	if err := cl.WritePacket(ack); err != nil {
		h.logger.Debug("failed to ack denied publish",
			slog.String("client_id", cl.ID),
			slog.String("error", err.Error()))
	}
	return packets.ErrRejectPacket
}

func (h *gatewayHook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	c, ok := h.lookup(cl)
	if !ok {
		return
	}
	if sink := h.events(); sink != nil {
		sink.ClientConnected(c)
	}
}

// OnSubscribed restores the filters blanked by OnSubscribe before any other
// hook or the SUBACK sees them, then relays the granted ones.
func (h *gatewayHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	h.cmu.Lock()
	denied := h.denied[cl]
	delete(h.denied, cl)
	h.cmu.Unlock()

	for i, f := range denied {
		if f == "" || i >= len(pk.Filters) {
			continue
		}
		pk.Filters[i].Filter = f
		if i < len(reasonCodes) && reasonCodes[i] == packets.ErrTopicFilterInvalid.Code {
			reasonCodes[i] = packets.ErrNotAuthorized.Code
		}
	}

	c, ok := h.lookup(cl)
	sink := h.events()
	if !ok || sink == nil {
		return
	}
	for i, f := range pk.Filters {
		if i >= len(reasonCodes) || reasonCodes[i] >= failureCode {
			continue
		}
		sink.Subscribed(c, broker.Subscription{Filter: f.Filter, QoS: reasonCodes[i]})
	}
}

// OnUnsubscribed relays explicit UNSUBSCRIBE packets. The engine also calls
// it when a session is discarded, with a zero packet id; that is not
// reported.
func (h *gatewayHook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	if pk.PacketID == 0 {
		return
	}
	c, ok := h.lookup(cl)
	sink := h.events()
	if !ok || sink == nil {
		return
	}
	for _, f := range pk.Filters {
		sink.Unsubscribed(c, f.Filter)
	}
}

func (h *gatewayHook) OnPublished(cl *mqtt.Client, pk packets.Packet) {
	sink := h.events()
	if sink == nil {
		return
	}

	pkt := broker.Packet{
		Topic:   pk.TopicName,
		Payload: pk.Payload,
		QoS:     pk.FixedHeader.Qos,
		Retain:  pk.FixedHeader.Retain,
	}
	if cl.Net.Inline {
		sink.Published(nil, pkt)
		return
	}

	c, ok := h.lookup(cl)
	if !ok {
		return
	}
	pkt.ClientID = c.ID
	sink.Published(&c, pkt)
}

func (h *gatewayHook) OnPacketRead(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if pk.FixedHeader.Type != packets.Disconnect {
		return pk, nil
	}
	if c, ok := h.lookup(cl); ok {
		if sink := h.events(); sink != nil {
			sink.ClientDisconnecting(c)
		}
	}
	return pk, nil
}

func (h *gatewayHook) OnDisconnect(cl *mqtt.Client, err error, _ bool) {
	c, ok := h.forget(cl)
	if !ok {
		return
	}
	if errors.Is(err, packets.CodeDisconnect) {
		err = nil
	}
	if sink := h.events(); sink != nil {
		sink.ClientDisconnected(c, err)
	}
}

