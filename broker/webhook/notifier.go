// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/hubgate/broker/events"
	"github.com/absmach/hubgate/config"
	"github.com/absmach/hubgate/topics"
	"github.com/sony/gobreaker"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("webhook notifier closed")

var _ events.Notifier = (*Notifier)(nil)

// Notifier queues events per matching endpoint and delivers them from a
// worker pool, with retries and one circuit breaker per endpoint.
type Notifier struct {
	cfg       config.WebhookConfig
	brokerID  string
	endpoints []endpoint
	queue     chan job
	sender    Sender
	logger    *slog.Logger

	wg     sync.WaitGroup
	stop   chan struct{}
	closed atomic.Bool

	queued    atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

type endpoint struct {
	name    string
	url     string
	events  map[string]bool
	filters []string
	headers map[string]string
	timeout time.Duration
	retry   config.RetryConfig
	breaker *gobreaker.CircuitBreaker
}

type job struct {
	event    events.Event
	endpoint *endpoint
	attempt  int
}

// NewNotifier creates a webhook notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "webhook"))

	n := &Notifier{
		cfg:      cfg,
		brokerID: brokerID,
		queue:    make(chan job, max(cfg.QueueSize, 1)),
		sender:   sender,
		logger:   logger,
		stop:     make(chan struct{}),
	}

	for _, ep := range cfg.Endpoints {
		n.endpoints = append(n.endpoints, newEndpoint(ep, cfg.Defaults, logger))
	}

	workers := max(cfg.Workers, 1)
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", workers),
		slog.Int("queue_size", cap(n.queue)),
		slog.Int("endpoints", len(n.endpoints)))

	return n, nil
}

func newEndpoint(ep config.WebhookEndpoint, defaults config.WebhookDefaults, logger *slog.Logger) endpoint {
	e := endpoint{
		name:    ep.Name,
		url:     ep.URL,
		events:  make(map[string]bool, len(ep.Events)),
		filters: ep.TopicFilters,
		headers: ep.Headers,
		timeout: defaults.Timeout,
		retry:   defaults.Retry,
	}
	for _, t := range ep.Events {
		e.events[t] = true
	}
	if ep.Timeout > 0 {
		e.timeout = ep.Timeout
	}
	if ep.Retry != nil {
		e.retry = *ep.Retry
	}

	threshold := uint32(max(defaults.CircuitBreaker.FailureThreshold, 1))
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ep.Name,
		MaxRequests: 1,
		Timeout:     defaults.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("webhook circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return e
}

// Notify queues event for every endpoint whose filters accept it.
func (n *Notifier) Notify(_ context.Context, event events.Event) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if mp, ok := event.(events.MessagePublished); ok && !n.cfg.IncludePayload {
		event = mp.WithoutPayload()
	}

	for i := range n.endpoints {
		ep := &n.endpoints[i]
		if !ep.accepts(event) {
			continue
		}
		n.enqueue(job{event: event, endpoint: ep})
	}
	return nil
}

func (e *endpoint) accepts(event events.Event) bool {
	if len(e.events) > 0 && !e.events[event.Type()] {
		return false
	}
	if event.Topic() == "" {
		return true
	}
	return topics.MatchAny(e.filters, topics.Unshare(event.Topic()))
}

func (n *Notifier) enqueue(j job) {
	select {
	case n.queue <- j:
		n.queued.Add(1)
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.queue:
			n.dropped.Add(1)
		default:
		}
		select {
		case n.queue <- j:
			n.queued.Add(1)
			return
		default:
		}
	}

	n.dropped.Add(1)
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case j := <-n.queue:
			n.process(j)
		case <-n.stop:
			// Flush what is already queued.
			for {
				select {
				case j := <-n.queue:
					n.process(j)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) process(j job) {
	_, err := j.endpoint.breaker.Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		n.delivered.Add(1)
		return
	}

	if j.attempt >= j.endpoint.retry.MaxAttempts-1 || n.closed.Load() {
		n.failed.Add(1)
		n.logger.Error("webhook delivery failed",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := backoff(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.closed.Load() {
			n.failed.Add(1)
			return
		}
		n.enqueue(j)
	})
}

func (n *Notifier) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(n.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

// backoff returns the exponential delay before retry number attempt.
func backoff(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Stats returns cumulative delivery counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		Queued:    n.queued.Load(),
		Delivered: n.delivered.Load(),
		Failed:    n.failed.Load(),
		Dropped:   n.dropped.Load(),
	}
}

// Close stops accepting events and flushes the queue, bounded by the
// configured shutdown timeout.
func (n *Notifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(n.stop)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.queue)))
	}
	return nil
}
