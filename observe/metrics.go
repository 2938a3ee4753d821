// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package observe holds the OpenTelemetry metric instruments and provider
// setup for the correlation engine.
package observe

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the correlation engine.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesPublished    metric.Int64Counter
	messagesExpired      metric.Int64Counter
	messagesCorrelated   metric.Int64Counter
	startEventsTriggered metric.Int64Counter
	commandsRejected     metric.Int64Counter
	commandsResent       metric.Int64Counter

	// Histograms
	variablesSize metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxproc"),
	}

	var err error

	m.messagesPublished, err = m.meter.Int64Counter(
		"fluxproc.messages.published.total",
		metric.WithDescription("Total messages published"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.messagesExpired, err = m.meter.Int64Counter(
		"fluxproc.messages.expired.total",
		metric.WithDescription("Total messages expired"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesExpired counter: %w", err)
	}

	m.messagesCorrelated, err = m.meter.Int64Counter(
		"fluxproc.messages.correlated.total",
		metric.WithDescription("Total messages delivered into waiting elements"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesCorrelated counter: %w", err)
	}

	m.startEventsTriggered, err = m.meter.Int64Counter(
		"fluxproc.start_events.triggered.total",
		metric.WithDescription("Total process instances started by message start events"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create startEventsTriggered counter: %w", err)
	}

	m.commandsRejected, err = m.meter.Int64Counter(
		"fluxproc.commands.rejected.total",
		metric.WithDescription("Total commands rejected by kind and reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandsRejected counter: %w", err)
	}

	m.commandsResent, err = m.meter.Int64Counter(
		"fluxproc.commands.resent.total",
		metric.WithDescription("Total cross-partition commands resent by the pending trackers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandsResent counter: %w", err)
	}

	m.variablesSize, err = m.meter.Int64Histogram(
		"fluxproc.message.variables.size.bytes",
		metric.WithDescription("Message variables size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create variablesSize histogram: %w", err)
	}

	return m, nil
}

// MessagePublished records a published message and its variables size.
func (m *Metrics) MessagePublished(ctx context.Context, sizeBytes int) {
	m.messagesPublished.Add(ctx, 1)
	m.variablesSize.Record(ctx, int64(sizeBytes))
}

// MessageExpired records an expired message.
func (m *Metrics) MessageExpired(ctx context.Context) {
	m.messagesExpired.Add(ctx, 1)
}

// MessageCorrelated records a message delivered into a waiting element.
func (m *Metrics) MessageCorrelated(ctx context.Context) {
	m.messagesCorrelated.Add(ctx, 1)
}

// StartEventTriggered records a process instance started by a message.
func (m *Metrics) StartEventTriggered(ctx context.Context) {
	m.startEventsTriggered.Add(ctx, 1)
}

// CommandRejected records a rejected command by kind and reason.
func (m *Metrics) CommandRejected(ctx context.Context, kind, reason string) {
	m.commandsRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	))
}

// CommandResent records a cross-partition command resent by a pending tracker.
func (m *Metrics) CommandResent(ctx context.Context, kind string) {
	m.commandsResent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}
