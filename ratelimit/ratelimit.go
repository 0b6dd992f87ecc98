// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection BucketConfig `yaml:"connection"`
	Publish    BucketConfig `yaml:"publish"`
	Subscribe  BucketConfig `yaml:"subscribe"`

	// CleanupInterval controls how often idle buckets are evicted.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// BucketConfig describes one family of token buckets.
type BucketConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // tokens per second per key
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: BucketConfig{
			Enabled: true,
			Rate:    100.0 / 60.0, // 100 connections per minute per IP
			Burst:   20,
		},
		Publish: BucketConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Subscribe: BucketConfig{
			Enabled: true,
			Rate:    100,
			Burst:   10,
		},
		CleanupInterval: 5 * time.Minute,
	}
}

// KeyedLimiter holds one token bucket per key.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter creates a limiter refilling r tokens per second up to burst.
func NewKeyedLimiter(r float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow consumes a token for key and reports whether one was available.
func (l *KeyedLimiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Remove drops the bucket for key.
func (l *KeyedLimiter) Remove(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *KeyedLimiter) evictBefore(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, k)
		}
	}
}

// Manager coordinates the connection, publish and subscribe limiters.
// A nil Manager allows everything.
type Manager struct {
	conn     *KeyedLimiter
	pub      *KeyedLimiter
	sub      *KeyedLimiter
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a new rate limit manager. A disabled config yields a
// manager that never limits.
func NewManager(cfg Config) *Manager {
	m := &Manager{stopCh: make(chan struct{})}
	if !cfg.Enabled {
		return m
	}

	if cfg.Connection.Enabled {
		m.conn = NewKeyedLimiter(cfg.Connection.Rate, cfg.Connection.Burst)
	}
	if cfg.Publish.Enabled {
		m.pub = NewKeyedLimiter(cfg.Publish.Rate, cfg.Publish.Burst)
	}
	if cfg.Subscribe.Enabled {
		m.sub = NewKeyedLimiter(cfg.Subscribe.Rate, cfg.Subscribe.Burst)
	}

	if m.conn != nil && cfg.CleanupInterval > 0 {
		m.interval = cfg.CleanupInterval
		go m.cleanupLoop()
	}
	return m
}

// AllowConnection checks if a new connection from remote (host:port) is allowed.
func (m *Manager) AllowConnection(remote string) bool {
	if m == nil || m.conn == nil {
		return true
	}
	ip := ExtractIP(remote)
	if ip == "" {
		return true
	}
	return m.conn.Allow(ip)
}

// AllowPublish checks if a publish from the given client is allowed.
func (m *Manager) AllowPublish(clientID string) bool {
	if m == nil || m.pub == nil {
		return true
	}
	return m.pub.Allow(clientID)
}

// AllowSubscribe checks if a subscription from the given client is allowed.
func (m *Manager) AllowSubscribe(clientID string) bool {
	if m == nil || m.sub == nil {
		return true
	}
	return m.sub.Allow(clientID)
}

// OnClientDisconnect cleans up the per-client buckets.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m == nil {
		return
	}
	if m.pub != nil {
		m.pub.Remove(clientID)
	}
	if m.sub != nil {
		m.sub.Remove(clientID)
	}
}

// Stop stops the cleanup goroutine.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.conn.evictBefore(time.Now().Add(-2 * m.interval))
		case <-m.stopCh:
			return
		}
	}
}

// ExtractIP returns the host part of a remote address, or the address itself
// when it carries no port.
func ExtractIP(remote string) string {
	if remote == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
