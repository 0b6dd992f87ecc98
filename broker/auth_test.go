// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/hubgate/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGate(hs *hookSet, timeout time.Duration) *Gate {
	return newGate(hs, timeout, nil, nil, discardLogger())
}

var alice = Client{ID: "alice-1", Username: "alice", RemoteAddr: "127.0.0.1:50001", Handle: 1}

func TestGateFailClosed(t *testing.T) {
	g := testGate(&hookSet{}, time.Second)
	ctx := context.Background()

	assert.Equal(t, Deny, g.CheckConnect(ctx, alice, "alice", []byte("pw")).Outcome)
	assert.Equal(t, Deny, g.CheckSubscribe(ctx, alice, "sensors/#").Outcome)
	assert.Equal(t, Deny, g.CheckPublish(ctx, alice, "sensors/temp", []byte("21")).Outcome)
}

func TestGateConnectPolicyOutcomes(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		policy  ConnectPolicy
		outcome Outcome
		errs    int
	}{
		{
			name:    "allow",
			policy:  func(context.Context, Client, string, []byte) (bool, error) { return true, nil },
			outcome: Allow,
		},
		{
			name:    "deny",
			policy:  func(context.Context, Client, string, []byte) (bool, error) { return false, nil },
			outcome: Deny,
		},
		{
			name:    "error",
			policy:  func(context.Context, Client, string, []byte) (bool, error) { return true, boom },
			outcome: Error,
			errs:    1,
		},
		{
			name:    "panic",
			policy:  func(context.Context, Client, string, []byte) (bool, error) { panic("bad policy") },
			outcome: Error,
			errs:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reported []error
			hs := &hookSet{}
			hs.update(func(h *hooks) {
				h.connectPolicy = tt.policy
				h.onError = func(err error) { reported = append(reported, err) }
			})

			d := testGate(hs, time.Second).CheckConnect(context.Background(), alice, "alice", nil)
			assert.Equal(t, tt.outcome, d.Outcome)
			assert.Equal(t, tt.outcome == Allow, d.Allowed())
			require.Len(t, reported, tt.errs)

			if tt.errs > 0 {
				var perr *PolicyError
				require.ErrorAs(t, d.Err, &perr)
				assert.Equal(t, ActionConnect, perr.Action)
				assert.Equal(t, alice.ID, perr.ClientID)
				assert.Same(t, d.Err, reported[0])
			}
		})
	}
}

func TestGateConnectReceivesCredentials(t *testing.T) {
	var gotUser string
	var gotPass []byte
	hs := &hookSet{}
	hs.update(func(h *hooks) {
		h.connectPolicy = func(_ context.Context, c Client, username string, password []byte) (bool, error) {
			gotUser, gotPass = username, password
			return username == "alice", nil
		}
	})
	g := testGate(hs, time.Second)

	assert.True(t, g.CheckConnect(context.Background(), alice, "alice", []byte("secret")).Allowed())
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, []byte("secret"), gotPass)

	bob := Client{ID: "bob-1", Username: "bob"}
	assert.False(t, g.CheckConnect(context.Background(), bob, "bob", nil).Allowed())
}

func TestGateTimeout(t *testing.T) {
	var reported atomic.Int32
	hs := &hookSet{}
	hs.update(func(h *hooks) {
		h.subscribePolicy = func(ctx context.Context, _ Client, _ string) (bool, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return true, nil
		}
		h.onError = func(error) { reported.Add(1) }
	})

	start := time.Now()
	d := testGate(hs, 30*time.Millisecond).CheckSubscribe(context.Background(), alice, "sensors/temp")
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, Error, d.Outcome)
	var terr *TimeoutError
	require.ErrorAs(t, d.Err, &terr)
	assert.Equal(t, ActionSubscribe, terr.Action)
	assert.ErrorIs(t, d.Err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), reported.Load())
}

func TestGateCanceledContextDenies(t *testing.T) {
	var reported atomic.Int32
	hs := &hookSet{}
	hs.update(func(h *hooks) {
		h.publishPolicy = func(ctx context.Context, _ Client, _ string, _ []byte) (bool, error) {
			<-ctx.Done()
			return true, nil
		}
		h.onError = func(error) { reported.Add(1) }
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := testGate(hs, time.Second).CheckPublish(ctx, alice, "a/b", nil)
	assert.Equal(t, Deny, d.Outcome)
	assert.NoError(t, d.Err)
	assert.Zero(t, reported.Load())
}

func TestGateClosedDiscardsInflightAllow(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	hs := &hookSet{}
	hs.update(func(h *hooks) {
		h.connectPolicy = func(context.Context, Client, string, []byte) (bool, error) {
			close(started)
			<-release
			return true, nil
		}
	})
	g := testGate(hs, time.Second)

	result := make(chan Decision, 1)
	go func() {
		result <- g.CheckConnect(context.Background(), alice, "alice", nil)
	}()

	<-started
	g.Close()
	close(release)

	select {
	case d := <-result:
		assert.Equal(t, Deny, d.Outcome)
	case <-time.After(time.Second):
		t.Fatal("check did not resolve")
	}

	assert.Equal(t, Deny, g.CheckConnect(context.Background(), alice, "alice", nil).Outcome)
}

func TestGatePublishPayloadIsCopied(t *testing.T) {
	hs := &hookSet{}
	hs.update(func(h *hooks) {
		h.publishPolicy = func(_ context.Context, _ Client, _ string, payload []byte) (bool, error) {
			for i := range payload {
				payload[i] = 'x'
			}
			return true, nil
		}
	})

	payload := []byte("21.5")
	d := testGate(hs, time.Second).CheckPublish(context.Background(), alice, "sensors/temp", payload)
	assert.True(t, d.Allowed())
	assert.Equal(t, []byte("21.5"), payload)
}

func TestGateRateLimited(t *testing.T) {
	var calls atomic.Int32
	hs := &hookSet{}
	hs.update(func(h *hooks) {
		h.connectPolicy = func(context.Context, Client, string, []byte) (bool, error) {
			calls.Add(1)
			return true, nil
		}
		h.publishPolicy = func(context.Context, Client, string, []byte) (bool, error) {
			calls.Add(1)
			return true, nil
		}
	})

	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = true
	cfg.Connection = ratelimit.BucketConfig{Enabled: true, Rate: 0.001, Burst: 1}
	cfg.Publish = ratelimit.BucketConfig{Enabled: true, Rate: 0.001, Burst: 1}
	cfg.CleanupInterval = 0
	limiter := ratelimit.NewManager(cfg)
	defer limiter.Stop()

	g := newGate(hs, time.Second, limiter, nil, discardLogger())
	ctx := context.Background()

	assert.True(t, g.CheckConnect(ctx, alice, "alice", nil).Allowed())
	d := g.CheckConnect(ctx, alice, "alice", nil)
	assert.Equal(t, Deny, d.Outcome)
	assert.NoError(t, d.Err)

	assert.True(t, g.CheckPublish(ctx, alice, "a", nil).Allowed())
	assert.Equal(t, Deny, g.CheckPublish(ctx, alice, "a", nil).Outcome)

	assert.Equal(t, int32(2), calls.Load())
}

func TestGateDefaultTimeout(t *testing.T) {
	g := testGate(&hookSet{}, 0)
	assert.Equal(t, defaultDecisionTimeout, g.timeout)
}
