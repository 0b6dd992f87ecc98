// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/absmach/hubgate/broker/events"
	"github.com/absmach/hubgate/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type mockConn struct {
	mu      sync.Mutex
	msgs    []published
	err     error
	drained int
}

func (m *mockConn) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, published{subject: subject, data: data})
	return nil
}

func (m *mockConn) Drain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drained++
	return nil
}

func TestRelay_Notify(t *testing.T) {
	conn := &mockConn{}
	r := New(conn, config.RelayConfig{SubjectPrefix: "hubgate.events"}, "hub-1", nil)

	ev := events.NewMessagePublished("alice", "sensors/temp", 1, false, []byte("21"), true)
	require.NoError(t, r.Notify(context.Background(), ev))

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "hubgate.events.message.published", conn.msgs[0].subject)

	var env map[string]any
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &env))
	assert.Equal(t, "hub-1", env["broker_id"])
	data := env["data"].(map[string]any)
	assert.Equal(t, "sensors/temp", data["topic"])
	_, hasPayload := data["payload"]
	assert.False(t, hasPayload)
}

func TestRelay_IncludePayload(t *testing.T) {
	conn := &mockConn{}
	r := New(conn, config.RelayConfig{IncludePayload: true}, "hub-1", nil)

	ev := events.NewMessagePublished("alice", "sensors/temp", 0, false, []byte("21"), true)
	require.NoError(t, r.Notify(context.Background(), ev))

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "message.published", conn.msgs[0].subject)
	assert.Contains(t, string(conn.msgs[0].data), `"payload":"MjE="`)
}

func TestRelay_PublishError(t *testing.T) {
	conn := &mockConn{err: errors.New("slow consumer")}
	r := New(conn, config.RelayConfig{SubjectPrefix: "p"}, "hub-1", nil)

	err := r.Notify(context.Background(), events.ClientConnected{ClientID: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client.connected")
}

func TestRelay_Close(t *testing.T) {
	conn := &mockConn{}
	r := New(conn, config.RelayConfig{SubjectPrefix: "p"}, "hub-1", nil)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, conn.drained)
	assert.ErrorIs(t, r.Notify(context.Background(), events.ClientConnected{}), ErrClosed)
}
