package telemetry

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mansoorceksport/subscriptions"

// Tracer returns the service tracer from the global provider (a no-op until Initialize runs)
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Metrics holds the service-level counters
type Metrics struct {
	transitions metric.Int64Counter
	sweepItems  metric.Int64Counter
	webhooks    metric.Int64Counter
}

// NewMetrics registers the counters on the global meter provider
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}

	var err error
	if m.transitions, err = meter.Int64Counter("subscription.transitions",
		metric.WithDescription("Applied subscription state transitions")); err != nil {
		log.Printf("Warning: failed to create transitions counter: %v", err)
	}
	if m.sweepItems, err = meter.Int64Counter("subscription.sweep.items",
		metric.WithDescription("Records visited by sweep jobs, by outcome")); err != nil {
		log.Printf("Warning: failed to create sweep counter: %v", err)
	}
	if m.webhooks, err = meter.Int64Counter("subscription.webhook.events",
		metric.WithDescription("Provider webhook events, by type and outcome")); err != nil {
		log.Printf("Warning: failed to create webhook counter: %v", err)
	}
	return m
}

// RecordTransition counts one applied state change
func (m *Metrics) RecordTransition(ctx context.Context, from, to, event string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("event", event),
	))
}

// RecordSweepItem counts one record visited by a sweep job
func (m *Metrics) RecordSweepItem(ctx context.Context, job, outcome string) {
	if m == nil || m.sweepItems == nil {
		return
	}
	m.sweepItems.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", job),
		attribute.String("outcome", outcome),
	))
}

// RecordWebhook counts one inbound provider event
func (m *Metrics) RecordWebhook(ctx context.Context, eventType, outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", outcome),
	))
}
