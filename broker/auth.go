// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/hubgate/ratelimit"
	"github.com/absmach/hubgate/server/otel"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultDecisionTimeout = 30 * time.Second

var _ Authorizer = (*Gate)(nil)

// Gate resolves connect, subscribe and publish attempts against the
// registered policies. A missing policy denies.
type Gate struct {
	hooks   *hookSet
	timeout time.Duration
	limiter *ratelimit.Manager
	metrics *otel.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	closed  atomic.Bool
}

func newGate(hooks *hookSet, timeout time.Duration, limiter *ratelimit.Manager, metrics *otel.Metrics, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = defaultDecisionTimeout
	}
	return &Gate{
		hooks:   hooks,
		timeout: timeout,
		limiter: limiter,
		metrics: metrics,
		tracer:  otelapi.Tracer("github.com/absmach/hubgate/broker"),
		logger:  logger,
	}
}

// CheckConnect resolves a connection attempt.
func (g *Gate) CheckConnect(ctx context.Context, c Client, username string, password []byte) Decision {
	if !g.limiter.AllowConnection(c.RemoteAddr) {
		return g.rateLimited(ActionConnect, c, "")
	}
	policy := g.hooks.snapshot().connectPolicy
	var run func(context.Context) (bool, error)
	if policy != nil {
		pw := bytes.Clone(password)
		run = func(ctx context.Context) (bool, error) { return policy(ctx, c, username, pw) }
	}
	return g.decide(ctx, ActionConnect, c, "", run)
}

// CheckSubscribe resolves a subscribe attempt for one topic filter.
func (g *Gate) CheckSubscribe(ctx context.Context, c Client, topic string) Decision {
	if !g.limiter.AllowSubscribe(c.ID) {
		return g.rateLimited(ActionSubscribe, c, topic)
	}
	policy := g.hooks.snapshot().subscribePolicy
	var run func(context.Context) (bool, error)
	if policy != nil {
		run = func(ctx context.Context) (bool, error) { return policy(ctx, c, topic) }
	}
	return g.decide(ctx, ActionSubscribe, c, topic, run)
}

// CheckPublish resolves a publish attempt. The policy sees a copy of payload.
func (g *Gate) CheckPublish(ctx context.Context, c Client, topic string, payload []byte) Decision {
	if !g.limiter.AllowPublish(c.ID) {
		return g.rateLimited(ActionPublish, c, topic)
	}
	policy := g.hooks.snapshot().publishPolicy
	var run func(context.Context) (bool, error)
	if policy != nil {
		data := bytes.Clone(payload)
		run = func(ctx context.Context) (bool, error) { return policy(ctx, c, topic, data) }
	}
	return g.decide(ctx, ActionPublish, c, topic, run)
}

// Close makes every subsequent and in-flight check resolve to deny.
func (g *Gate) Close() {
	g.closed.Store(true)
}

type verdict struct {
	ok  bool
	err error
}

func (g *Gate) decide(ctx context.Context, action string, c Client, topic string, run func(context.Context) (bool, error)) Decision {
	start := time.Now()

	if g.closed.Load() {
		return g.finish(action, c, topic, denied(), start)
	}
	if run == nil {
		g.logger.Debug("no policy registered, denying",
			slog.String("action", action),
			slog.String("client_id", c.ID))
		return g.finish(action, c, topic, denied(), start)
	}

	ctx, span := g.tracer.Start(ctx, "gate."+action, trace.WithAttributes(
		attribute.String("hubgate.client_id", c.ID),
		attribute.String("hubgate.topic", topic),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// Buffered so an abandoned policy can still finish.
	ch := make(chan verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- verdict{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		ok, err := run(ctx)
		ch <- verdict{ok: ok, err: err}
	}()

	var d Decision
	select {
	case v := <-ch:
		switch {
		case v.err != nil:
			d = failed(&PolicyError{Action: action, ClientID: c.ID, Err: v.err})
		case v.ok:
			d = allowed()
		default:
			d = denied()
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d = failed(&TimeoutError{Action: action, ClientID: c.ID, Timeout: g.timeout})
		} else {
			d = denied()
		}
	}

	// A check that finishes during shutdown is discarded.
	if g.closed.Load() && d.Allowed() {
		d = denied()
	}

	span.SetAttributes(attribute.String("hubgate.outcome", d.Outcome.String()))
	if d.Err != nil {
		span.RecordError(d.Err)
		span.SetStatus(codes.Error, d.Err.Error())
		g.hooks.report(d.Err)
	}
	return g.finish(action, c, topic, d, start)
}

func (g *Gate) rateLimited(action string, c Client, topic string) Decision {
	g.logger.Debug("rate limited",
		slog.String("action", action),
		slog.String("client_id", c.ID),
		slog.String("remote_addr", c.RemoteAddr))
	g.metrics.RecordDecision(action, "rate_limited", 0)
	return denied()
}

func (g *Gate) finish(action string, c Client, topic string, d Decision, start time.Time) Decision {
	elapsed := time.Since(start)
	g.metrics.RecordDecision(action, d.Outcome.String(), float64(elapsed.Microseconds())/1000)

	attrs := []any{
		slog.String("action", action),
		slog.String("client_id", c.ID),
		slog.String("outcome", d.Outcome.String()),
		slog.Duration("took", elapsed),
	}
	if topic != "" {
		attrs = append(attrs, slog.String("topic", topic))
	}
	if d.Err != nil {
		g.logger.Warn("authorization failed", append(attrs, slog.String("error", d.Err.Error()))...)
		return d
	}
	g.logger.Debug("authorization decided", attrs...)
	return d
}
