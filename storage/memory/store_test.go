// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/hubgate/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(ttl time.Duration) (*Store, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	return newWithClock(storage.Options{SubscriptionTTL: ttl, PacketTTL: ttl}, clk.Now), clk
}

func TestRetainedStore(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	retained := s.Retained()

	msg := &storage.Message{Topic: "sensors/temp", Payload: []byte("21"), QoS: 2, Retain: true}
	require.NoError(t, retained.Set(ctx, msg))

	// Stored copies are isolated from the caller.
	msg.Payload[0] = 'X'
	got, err := retained.Get(ctx, "sensors/temp")
	require.NoError(t, err)
	assert.Equal(t, []byte("21"), got.Payload)

	require.NoError(t, retained.Set(ctx, &storage.Message{Topic: "$SYS/uptime", Payload: []byte("1")}))
	matched, err := retained.Match(ctx, "#")
	require.NoError(t, err)
	assert.Len(t, matched, 1)

	require.NoError(t, retained.Set(ctx, &storage.Message{Topic: "sensors/temp"}))
	_, err = retained.Get(ctx, "sensors/temp")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetainedStore_TTL(t *testing.T) {
	s, clk := newTestStore(2 * time.Hour)
	retained := s.Retained()

	require.NoError(t, retained.Set(ctx, &storage.Message{Topic: "sensors/temp", Payload: []byte("21")}))

	clk.Advance(119 * time.Minute)
	_, err := retained.Get(ctx, "sensors/temp")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = retained.Get(ctx, "sensors/temp")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	matched, err := retained.Match(ctx, "sensors/#")
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestSubscriptionStore(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	subs := s.Subscriptions()

	require.NoError(t, subs.Add(ctx, &storage.Subscription{ClientID: "alice", Filter: "sensors/#", QoS: 1}))
	require.NoError(t, subs.Add(ctx, &storage.Subscription{ClientID: "alice", Filter: "hubs/+"}))
	require.NoError(t, subs.Add(ctx, &storage.Subscription{ClientID: "bob", Filter: "sensors/temp"}))

	got, err := subs.GetForClient(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hubs/+", got[0].Filter)

	n, err := subs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := subs.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"alice hubs/+", "alice sensors/#", "bob sensors/temp"},
		[]string{all[0].ClientID + " " + all[0].Filter, all[1].ClientID + " " + all[1].Filter, all[2].ClientID + " " + all[2].Filter})

	require.NoError(t, subs.Remove(ctx, "alice", "hubs/+"))
	require.NoError(t, subs.RemoveAll(ctx, "bob"))
	n, err = subs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubscriptionStore_TTLAndTouch(t *testing.T) {
	s, clk := newTestStore(2 * time.Hour)
	subs := s.Subscriptions()

	require.NoError(t, subs.Add(ctx, &storage.Subscription{ClientID: "alice", Filter: "sensors/#"}))
	require.NoError(t, subs.Add(ctx, &storage.Subscription{ClientID: "bob", Filter: "sensors/#"}))

	clk.Advance(90 * time.Minute)
	require.NoError(t, subs.Touch(ctx, "alice"))

	clk.Advance(45 * time.Minute)

	got, err := subs.GetForClient(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = subs.GetForClient(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, got)

	all, err := subs.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "alice", all[0].ClientID)

	n, err := subs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPacketStore(t *testing.T) {
	s, clk := newTestStore(time.Hour)
	packets := s.Packets()

	for _, id := range []uint16{9, 2, 5} {
		require.NoError(t, packets.Store(ctx, "alice", &storage.Message{Topic: "t", PacketID: id, QoS: 1}))
	}

	list, err := packets.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, uint16(2), list[0].PacketID)
	assert.Equal(t, uint16(9), list[2].PacketID)

	require.NoError(t, packets.Delete(ctx, "alice", 2))
	_, err = packets.Get(ctx, "alice", 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	clk.Advance(time.Hour)
	_, err = packets.Get(ctx, "alice", 5)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	list, err = packets.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, packets.DeleteAll(ctx, "alice"))
}

func TestDefaults(t *testing.T) {
	s := New(storage.Options{})
	assert.Equal(t, storage.DefaultTTL, s.subscriptions.ttl)
	assert.Equal(t, storage.DefaultTTL, s.packets.ttl)
	assert.NoError(t, s.Close())
}
