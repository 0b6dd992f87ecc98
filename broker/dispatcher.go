// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/hubgate/broker/events"
	"github.com/absmach/hubgate/ratelimit"
	"github.com/absmach/hubgate/server/otel"
)

var _ EventSink = (*Dispatcher)(nil)

// Dispatcher forwards transport events to the notification hooks and the
// registered notifiers. Events of one connection are delivered in order on
// that connection's mailbox; the transport never waits for a hook.
type Dispatcher struct {
	hooks     *hookSet
	notifiers []events.Notifier
	metrics   *otel.Metrics
	limiter   *ratelimit.Manager
	logger    *slog.Logger
	queueSize int

	mu     sync.Mutex
	boxes  map[string]*mailbox
	roster map[string]Client
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher(hooks *hookSet, notifiers []events.Notifier, metrics *otel.Metrics, limiter *ratelimit.Manager, queueSize int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		hooks:     hooks,
		notifiers: notifiers,
		metrics:   metrics,
		limiter:   limiter,
		logger:    logger,
		queueSize: queueSize,
		boxes:     make(map[string]*mailbox),
		roster:    make(map[string]Client),
	}
}

// ClientConnected registers c in the roster and opens its mailbox.
func (d *Dispatcher) ClientConnected(c Client) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	box := newMailbox(d.queueSize)
	d.boxes[c.key()] = box
	d.roster[c.ID] = c
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		box.run()
	}()
	d.mu.Unlock()

	d.metrics.ClientConnected()
	box.push(func() {
		if fn := d.hooks.snapshot().connected; fn != nil {
			d.call("connected", c.ID, func() error { fn(c); return nil })
		}
		d.notify(c.ID, events.ClientConnected{
			ClientID:   c.ID,
			Username:   c.Username,
			RemoteAddr: c.RemoteAddr,
		})
	})
}

// Published forwards a client publish. Broker-originated packets (nil c) are skipped.
func (d *Dispatcher) Published(c *Client, pkt Packet) {
	if c == nil {
		return
	}
	cl := *c
	pkt.ClientID = cl.ID
	d.enqueue(cl, "published", func() {
		if fn := d.hooks.snapshot().published; fn != nil {
			d.call("published", cl.ID, func() error { fn(pkt, cl); return nil })
		}
		d.notify(cl.ID, events.NewMessagePublished(cl.ID, pkt.Topic, pkt.QoS, pkt.Retain, pkt.Payload, true))
	})
}

// Subscribed forwards an accepted subscription.
func (d *Dispatcher) Subscribed(c Client, sub Subscription) {
	d.enqueue(c, "subscribed", func() {
		if fn := d.hooks.snapshot().subscribed; fn != nil {
			d.call("subscribed", c.ID, func() error { fn(sub.Filter, c); return nil })
		}
		d.notify(c.ID, events.SubscriptionCreated{
			ClientID:    c.ID,
			TopicFilter: sub.Filter,
			QoS:         sub.QoS,
		})
	})
}

// Unsubscribed forwards an explicit unsubscribe.
func (d *Dispatcher) Unsubscribed(c Client, filter string) {
	d.enqueue(c, "unsubscribed", func() {
		if fn := d.hooks.snapshot().unsubscribed; fn != nil {
			d.call("unsubscribed", c.ID, func() error { fn(filter, c); return nil })
		}
		d.notify(c.ID, events.SubscriptionRemoved{
			ClientID:    c.ID,
			TopicFilter: filter,
		})
	})
}

// ClientDisconnecting is observed internally only.
func (d *Dispatcher) ClientDisconnecting(c Client) {
	d.logger.Debug("client disconnecting",
		slog.String("client_id", c.ID),
		slog.String("remote_addr", c.RemoteAddr))
}

// ClientDisconnected removes c from the roster and closes its mailbox after
// the disconnected hook. A newer connection with the same ID keeps its entry.
func (d *Dispatcher) ClientDisconnected(c Client, err error) {
	d.mu.Lock()
	box := d.boxes[c.key()]
	delete(d.boxes, c.key())
	last := false
	if cur, ok := d.roster[c.ID]; ok && cur.Handle == c.Handle {
		delete(d.roster, c.ID)
		last = true
	}
	d.mu.Unlock()

	if last {
		d.limiter.OnClientDisconnect(c.ID)
	}

	if box == nil {
		return
	}
	d.metrics.ClientDisconnected()

	reason := "graceful"
	var errText string
	if err != nil {
		reason = "error"
		errText = err.Error()
	}
	box.push(func() {
		if fn := d.hooks.snapshot().disconnected; fn != nil {
			d.call("disconnected", c.ID, func() error { fn(c); return nil })
		}
		d.notify(c.ID, events.ClientDisconnected{
			ClientID:   c.ID,
			Reason:     reason,
			Error:      errText,
			RemoteAddr: c.RemoteAddr,
		})
	})
	box.close()
}

// Clients returns the live roster ordered by client ID.
func (d *Dispatcher) Clients() []Client {
	d.mu.Lock()
	out := make([]Client, 0, len(d.roster))
	for _, c := range d.roster {
		out = append(out, c)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops accepting events, clears the roster and waits until queued
// events are delivered or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for k, box := range d.boxes {
		box.close()
		delete(d.boxes, k)
	}
	d.roster = make(map[string]Client)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining event dispatcher: %w", ctx.Err())
	}
}

func (d *Dispatcher) enqueue(c Client, event string, fn func()) {
	d.mu.Lock()
	box := d.boxes[c.key()]
	d.mu.Unlock()

	if box == nil || !box.push(fn) {
		d.logger.Debug("dropping event for unknown connection",
			slog.String("event", event),
			slog.String("client_id", c.ID))
	}
}

func (d *Dispatcher) notify(clientID string, ev events.Event) {
	d.metrics.RecordEvent(ev.Type())
	for _, n := range d.notifiers {
		d.call(fmt.Sprintf("notifier %T", n), clientID, func() error {
			return n.Notify(context.Background(), ev)
		})
	}
}

// call runs fn, reporting an error or a panic as a HookError.
func (d *Dispatcher) call(hook, clientID string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}

	d.metrics.RecordHookFailure(hook)
	d.logger.Warn("event hook failed",
		slog.String("hook", hook),
		slog.String("client_id", clientID),
		slog.String("error", err.Error()))
	d.hooks.report(&HookError{Hook: hook, ClientID: clientID, Err: err})
}
