// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/peermq/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/peermq"

// Metrics records transport events as OpenTelemetry instruments. It
// implements events.Observer and can be attached to a sender and a receiver.
type Metrics struct {
	meter metric.Meter

	// Counters
	attemptsTotal       metric.Int64Counter
	retriesTotal        metric.Int64Counter
	ackedTotal          metric.Int64Counter
	timeoutsTotal       metric.Int64Counter
	canceledTotal       metric.Int64Counter
	connectionErrors    metric.Int64Counter
	messagesReceived    metric.Int64Counter
	receiverErrorsTotal metric.Int64Counter

	// UpDownCounters (Gauges)
	messagesInFlight metric.Int64UpDownCounter

	// Histograms
	deliveryDuration metric.Float64Histogram

	mu      sync.Mutex
	started map[string]time.Time
}

var _ events.Observer = (*Metrics)(nil)

// NewMetrics creates the instruments on mp. A nil mp uses the global meter
// provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter:   mp.Meter(meterName),
		started: make(map[string]time.Time),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.attemptsTotal, "peermq.attempts.total", "Transmission attempts written to a connection"},
		{&m.retriesTotal, "peermq.retries.total", "Retries scheduled after an attempt deadline"},
		{&m.ackedTotal, "peermq.messages.acked.total", "Messages resolved by an ack"},
		{&m.timeoutsTotal, "peermq.messages.timed_out.total", "Messages that exhausted their retry budget"},
		{&m.canceledTotal, "peermq.messages.canceled.total", "Messages stopped before resolution"},
		{&m.connectionErrors, "peermq.connection.errors.total", "Attempts lost to connection failures"},
		{&m.messagesReceived, "peermq.messages.received.total", "Messages handed to the receiver's handler"},
		{&m.receiverErrorsTotal, "peermq.receiver.errors.total", "Inbound frames rejected by the receiver"},
	}
	for _, c := range counters {
		ctr, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = ctr
	}

	var err error
	m.messagesInFlight, err = m.meter.Int64UpDownCounter(
		"peermq.messages.inflight",
		metric.WithDescription("Messages awaiting an ack"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesInFlight gauge: %w", err)
	}

	m.deliveryDuration, err = m.meter.Float64Histogram(
		"peermq.delivery.duration",
		metric.WithDescription("Time from first transmission to resolution"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	return m, nil
}

// Observe records e.
func (m *Metrics) Observe(e events.Event) {
	ctx := context.Background()

	switch e.Type {
	case events.TypeAttemptTransmitted:
		m.attemptsTotal.Add(ctx, 1)
		m.mu.Lock()
		if _, ok := m.started[e.MessageID]; !ok {
			m.started[e.MessageID] = e.Time
			m.messagesInFlight.Add(ctx, 1)
		}
		m.mu.Unlock()

	case events.TypeRetryScheduled:
		m.retriesTotal.Add(ctx, 1)

	case events.TypeAckReceived:
		m.ackedTotal.Add(ctx, 1)
		m.finish(ctx, e, "acked")

	case events.TypeTimedOut:
		m.timeoutsTotal.Add(ctx, 1)
		m.finish(ctx, e, "timed_out")

	case events.TypeCanceled:
		m.canceledTotal.Add(ctx, 1)
		m.finish(ctx, e, "canceled")

	case events.TypeConnectionError:
		m.connectionErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("code", string(e.Code())),
		))

	case events.TypeMessageReceived:
		m.messagesReceived.Add(ctx, 1)

	case events.TypeReceiverError:
		m.receiverErrorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("code", string(e.Code())),
		))
	}
}

func (m *Metrics) finish(ctx context.Context, e events.Event, outcome string) {
	m.mu.Lock()
	start, ok := m.started[e.MessageID]
	delete(m.started, e.MessageID)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.messagesInFlight.Add(ctx, -1)
	m.deliveryDuration.Record(ctx, float64(e.Time.Sub(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
