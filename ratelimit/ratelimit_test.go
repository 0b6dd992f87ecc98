// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestKeyedLimiter_Allow(t *testing.T) {
	// 5 tokens per second, burst of 2
	limiter := NewKeyedLimiter(5, 2)

	if !limiter.Allow("alice") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("alice") {
		t.Error("Second request (within burst) should be allowed")
	}
	if limiter.Allow("alice") {
		t.Error("Third request should be rate limited (burst exhausted)")
	}

	time.Sleep(250 * time.Millisecond)

	if !limiter.Allow("alice") {
		t.Error("Request after token refill should be allowed")
	}
}

func TestKeyedLimiter_DifferentKeys(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1)

	if !limiter.Allow("alice") || !limiter.Allow("bob") {
		t.Error("First request per key should be allowed")
	}
	if limiter.Allow("alice") {
		t.Error("Second request from alice should be rate limited")
	}
	if limiter.Len() != 2 {
		t.Errorf("expected 2 tracked keys, got %d", limiter.Len())
	}

	limiter.Remove("alice")
	if !limiter.Allow("alice") {
		t.Error("alice should get a fresh bucket after Remove")
	}
}

func TestKeyedLimiter_Evict(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1)
	limiter.Allow("alice")

	limiter.evictBefore(time.Now().Add(time.Second))
	if limiter.Len() != 0 {
		t.Errorf("expected stale key evicted, got %d", limiter.Len())
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(Config{Enabled: false})
	defer m.Stop()

	for i := 0; i < 100; i++ {
		if !m.AllowConnection("10.0.0.1:5000") || !m.AllowPublish("c") || !m.AllowSubscribe("c") {
			t.Fatal("disabled manager should allow everything")
		}
	}
}

func TestManager_Nil(t *testing.T) {
	var m *Manager
	if !m.AllowConnection("10.0.0.1:1") || !m.AllowPublish("c") || !m.AllowSubscribe("c") {
		t.Fatal("nil manager should allow everything")
	}
	m.OnClientDisconnect("c")
	m.Stop()
}

func TestManager_Enabled(t *testing.T) {
	cfg := Config{
		Enabled:         true,
		Connection:      BucketConfig{Enabled: true, Rate: 1, Burst: 1},
		Publish:         BucketConfig{Enabled: true, Rate: 1, Burst: 2},
		Subscribe:       BucketConfig{Enabled: true, Rate: 1, Burst: 1},
		CleanupInterval: time.Minute,
	}
	m := NewManager(cfg)
	defer m.Stop()

	if !m.AllowConnection("10.0.0.1:5000") {
		t.Error("first connection should be allowed")
	}
	if m.AllowConnection("10.0.0.1:5001") {
		t.Error("second connection from same IP should be limited regardless of port")
	}
	if !m.AllowConnection("10.0.0.2:5000") {
		t.Error("connection from another IP should be allowed")
	}

	if !m.AllowPublish("alice") || !m.AllowPublish("alice") {
		t.Error("publishes within burst should be allowed")
	}
	if m.AllowPublish("alice") {
		t.Error("publish beyond burst should be limited")
	}

	if !m.AllowSubscribe("alice") {
		t.Error("first subscribe should be allowed")
	}
	if m.AllowSubscribe("alice") {
		t.Error("second subscribe should be limited")
	}

	m.OnClientDisconnect("alice")
	if !m.AllowPublish("alice") || !m.AllowSubscribe("alice") {
		t.Error("buckets should reset after disconnect")
	}
}

func TestManager_SelectiveEnable(t *testing.T) {
	cfg := Config{
		Enabled:   true,
		Publish:   BucketConfig{Enabled: true, Rate: 1, Burst: 1},
		Subscribe: BucketConfig{Enabled: false},
	}
	m := NewManager(cfg)
	defer m.Stop()

	if !m.AllowConnection("10.0.0.1:1") || !m.AllowConnection("10.0.0.1:1") {
		t.Error("connections should not be limited")
	}
	if !m.AllowPublish("c") {
		t.Error("first publish should be allowed")
	}
	if m.AllowPublish("c") {
		t.Error("second publish should be limited")
	}
	for i := 0; i < 10; i++ {
		if !m.AllowSubscribe("c") {
			t.Fatal("subscribes should not be limited")
		}
	}
}

func TestExtractIP(t *testing.T) {
	tests := map[string]string{
		"192.168.1.1:1883": "192.168.1.1",
		"[::1]:1883":       "::1",
		"pipe":             "pipe",
		"":                 "",
	}
	for in, want := range tests {
		if got := ExtractIP(in); got != want {
			t.Errorf("ExtractIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("rate limiting should be disabled by default")
	}
	if !cfg.Connection.Enabled || !cfg.Publish.Enabled || !cfg.Subscribe.Enabled {
		t.Error("bucket families should be enabled once the manager is enabled")
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("expected cleanup interval 5m, got %v", cfg.CleanupInterval)
	}
}
