// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/hubgate"

// Metrics holds the OpenTelemetry instruments of the hub. All methods are
// safe on a nil receiver.
type Metrics struct {
	decisions        metric.Int64Counter
	decisionDuration metric.Float64Histogram
	events           metric.Int64Counter
	hookFailures     metric.Int64Counter
	publishes        metric.Int64Counter
	publishBytes     metric.Int64Histogram
	clients          metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on mp, or on the global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &Metrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"hubgate.decisions.total",
		metric.WithDescription("Authorization decisions by action and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.decisionDuration, err = meter.Float64Histogram(
		"hubgate.decision.duration.ms",
		metric.WithDescription("Time spent resolving an authorization decision in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisionDuration histogram: %w", err)
	}

	m.events, err = meter.Int64Counter(
		"hubgate.events.total",
		metric.WithDescription("Lifecycle events dispatched to notification hooks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	m.hookFailures, err = meter.Int64Counter(
		"hubgate.hook.failures.total",
		metric.WithDescription("Notification hook and notifier failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create hookFailures counter: %w", err)
	}

	m.publishes, err = meter.Int64Counter(
		"hubgate.publishes.total",
		metric.WithDescription("Application publishes accepted by the hub"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishes counter: %w", err)
	}

	m.publishBytes, err = meter.Int64Histogram(
		"hubgate.publish.size.bytes",
		metric.WithDescription("Application publish payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishBytes histogram: %w", err)
	}

	m.clients, err = meter.Int64UpDownCounter(
		"hubgate.clients.current",
		metric.WithDescription("Clients currently in the roster"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clients gauge: %w", err)
	}

	return m, nil
}

// RecordDecision records one resolved authorization check.
func (m *Metrics) RecordDecision(action, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
	m.decisionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("action", action),
	))
}

// RecordEvent records a dispatched lifecycle event.
func (m *Metrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", event),
	))
}

// RecordHookFailure records a failing notification hook or notifier.
func (m *Metrics) RecordHookFailure(hook string) {
	if m == nil {
		return
	}
	m.hookFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("hook", hook),
	))
}

// RecordPublish records an application publish.
func (m *Metrics) RecordPublish(qos byte, retain bool, sizeBytes int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.publishes.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
		attribute.Bool("retain", retain),
	))
	m.publishBytes.Record(ctx, int64(sizeBytes))
}

// ClientConnected increments the roster gauge.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clients.Add(context.Background(), 1)
}

// ClientDisconnected decrements the roster gauge.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clients.Add(context.Background(), -1)
}
