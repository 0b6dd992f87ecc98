// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/hubgate/broker/events"
	"github.com/absmach/hubgate/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSender implements Sender for testing.
type mockSender struct {
	mu        sync.Mutex
	sendCount atomic.Int32
	sendFunc  func(ctx context.Context, url string, payload []byte) error
	payloads  [][]byte
	urls      []string
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(context.Context, string, []byte) error { return nil },
	}
}

func (m *mockSender) Send(ctx context.Context, url string, _ map[string]string, payload []byte) error {
	m.sendCount.Add(1)
	m.mu.Lock()
	m.urls = append(m.urls, url)
	m.payloads = append(m.payloads, payload)
	m.mu.Unlock()
	return m.sendFunc(ctx, url, payload)
}

func (m *mockSender) count() int {
	return int(m.sendCount.Load())
}

func (m *mockSender) envelopes(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []map[string]any
	for _, p := range m.payloads {
		var env map[string]any
		require.NoError(t, json.Unmarshal(p, &env))
		out = append(out, env)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		QueueSize:       100,
		DropPolicy:      "oldest",
		Workers:         2,
		ShutdownTimeout: 5 * time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     100 * time.Millisecond,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 10,
				ResetTimeout:     10 * time.Second,
			},
		},
		Endpoints: endpoints,
	}
}

func TestNewNotifier_NilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "hub-1", nil, nil)
	assert.Error(t, err)
}

func TestNotifier_Delivers(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "audit", URL: "http://audit"}), "hub-1", sender, discardLogger())
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "alice"}))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, n.Close())

	envs := sender.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, events.TypeClientConnected, envs[0]["event_type"])
	assert.Equal(t, "hub-1", envs[0]["broker_id"])
	assert.Equal(t, uint64(1), n.Stats().Delivered)
}

func TestNotifier_Filters(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(
		config.WebhookEndpoint{Name: "subs", URL: "http://subs", Events: []string{events.TypeSubscriptionCreated}},
		config.WebhookEndpoint{Name: "sensors", URL: "http://sensors", TopicFilters: []string{"sensors/#"}},
	)
	n, err := NewNotifier(cfg, "hub-1", sender, discardLogger())
	require.NoError(t, err)

	ctx := context.Background()
	// subs + sensors
	require.NoError(t, n.Notify(ctx, events.SubscriptionCreated{ClientID: "a", TopicFilter: "sensors/temp"}))
	// subs only
	require.NoError(t, n.Notify(ctx, events.SubscriptionCreated{ClientID: "a", TopicFilter: "hubs/1"}))
	// sensors only
	require.NoError(t, n.Notify(ctx, events.MessagePublished{ClientID: "a", MessageTopic: "sensors/temp"}))
	// none
	require.NoError(t, n.Notify(ctx, events.MessagePublished{ClientID: "a", MessageTopic: "hubs/1"}))
	// sensors only, client events carry no topic
	require.NoError(t, n.Notify(ctx, events.ClientDisconnected{ClientID: "a"}))
	// subs + sensors, shared filters match on the filter behind the group
	require.NoError(t, n.Notify(ctx, events.SubscriptionCreated{ClientID: "a", TopicFilter: "$share/g/sensors/#"}))

	require.NoError(t, n.Close())
	assert.Equal(t, 7, sender.count())
}

func TestNotifier_StripsPayload(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "e", URL: "http://e"}), "hub-1", sender, discardLogger())
	require.NoError(t, err)

	ev := events.NewMessagePublished("alice", "sensors/temp", 0, false, []byte("secret"), true)
	require.NoError(t, n.Notify(context.Background(), ev))
	require.NoError(t, n.Close())

	envs := sender.envelopes(t)
	require.Len(t, envs, 1)
	data := envs[0]["data"].(map[string]any)
	_, has := data["payload"]
	assert.False(t, has)
	assert.Equal(t, float64(6), data["payload_size"])
}

func TestNotifier_Retry(t *testing.T) {
	sender := newMockSender()
	var attempts atomic.Int32
	sender.sendFunc = func(context.Context, string, []byte) error {
		if attempts.Add(1) < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "e", URL: "http://e"})
	cfg.Defaults.Retry.MaxAttempts = 3
	n, err := NewNotifier(cfg, "hub-1", sender, discardLogger())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "alice"}))

	require.Eventually(t, func() bool { return n.Stats().Delivered == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, uint64(0), n.Stats().Failed)
}

func TestNotifier_RetriesExhausted(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error { return errors.New("down") }

	cfg := testConfig(config.WebhookEndpoint{Name: "e", URL: "http://e"})
	cfg.Defaults.Retry.MaxAttempts = 2
	n, err := NewNotifier(cfg, "hub-1", sender, discardLogger())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "alice"}))
	require.Eventually(t, func() bool { return n.Stats().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, sender.count())
}

func TestNotifier_CircuitBreakerOpens(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error { return errors.New("down") }

	cfg := testConfig(config.WebhookEndpoint{Name: "e", URL: "http://e"})
	cfg.Workers = 1
	cfg.Defaults.CircuitBreaker.FailureThreshold = 2
	n, err := NewNotifier(cfg, "hub-1", sender, discardLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "alice"}))
	}
	require.NoError(t, n.Close())

	// Once open, the breaker rejects without calling the sender.
	assert.Equal(t, 2, sender.count())
	assert.Equal(t, uint64(5), n.Stats().Failed)
}

func TestNotifier_DropNewest(t *testing.T) {
	block := make(chan struct{})
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error {
		<-block
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "e", URL: "http://e"})
	cfg.QueueSize = 2
	cfg.Workers = 1
	cfg.DropPolicy = "newest"
	n, err := NewNotifier(cfg, "hub-1", sender, discardLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, events.ClientConnected{ClientID: "0"}))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(ctx, events.ClientConnected{ClientID: "x"}))
	}
	assert.Equal(t, uint64(3), n.Stats().Dropped)

	close(block)
	require.NoError(t, n.Close())
	assert.Equal(t, 3, sender.count())
}

func TestNotifier_CloseFlushesAndRejects(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "e", URL: "http://e"}), "hub-1", sender, discardLogger())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "alice"}))
	}
	require.NoError(t, n.Close())
	assert.Equal(t, 20, sender.count())

	assert.ErrorIs(t, n.Notify(context.Background(), events.ClientConnected{}), ErrClosed)
	assert.NoError(t, n.Close())
}

func TestBackoff(t *testing.T) {
	cfg := config.RetryConfig{InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, backoff(1, cfg))
	assert.Equal(t, 2*time.Second, backoff(2, cfg))
	assert.Equal(t, 4*time.Second, backoff(3, cfg))
	assert.Equal(t, 5*time.Second, backoff(4, cfg))
}
