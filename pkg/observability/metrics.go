package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the subscription engine. The
// record helpers are safe on a nil receiver, so components treat metrics
// as strictly optional.
type Metrics struct {
	// Consume cycle metrics
	ConsumeCycles   metric.Int64Counter
	ConsumeRetries  metric.Int64Counter
	ConsumeFailures metric.Int64Counter
	CycleDuration   metric.Float64Histogram

	// Reconciliation metrics
	ReconcileTotal    metric.Int64Counter
	ReconcileFailures metric.Int64Counter
	EntitiesTracked   metric.Int64Gauge

	// Persistence metrics
	ProgressSaveFailures metric.Int64Counter

	// Push delivery metrics
	PushDeliveries metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ConsumeCycles, err = meter.Int64Counter(
		"querytail.consume.cycles",
		metric.WithDescription("Total consume cycles run"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating consume.cycles: %w", err)
	}

	m.ConsumeRetries, err = meter.Int64Counter(
		"querytail.consume.retries",
		metric.WithDescription("Failed execution attempts that were retried"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating consume.retries: %w", err)
	}

	m.ConsumeFailures, err = meter.Int64Counter(
		"querytail.consume.failures",
		metric.WithDescription("Consume cycles that ended without a result"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating consume.failures: %w", err)
	}

	m.CycleDuration, err = meter.Float64Histogram(
		"querytail.consume.cycle_duration",
		metric.WithDescription("Consume cycle duration in seconds, pacing included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating consume.cycle_duration: %w", err)
	}

	m.ReconcileTotal, err = meter.Int64Counter(
		"querytail.reconcile.total",
		metric.WithDescription("Total entity-set reconciliations"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating reconcile.total: %w", err)
	}

	m.ReconcileFailures, err = meter.Int64Counter(
		"querytail.reconcile.failures",
		metric.WithDescription("Reconciliations aborted by entity resolution failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating reconcile.failures: %w", err)
	}

	m.EntitiesTracked, err = meter.Int64Gauge(
		"querytail.entities.tracked",
		metric.WithDescription("Entities tracked after the latest reconciliation"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating entities.tracked: %w", err)
	}

	m.ProgressSaveFailures, err = meter.Int64Counter(
		"querytail.progress.save_failures",
		metric.WithDescription("Progress snapshots that could not be persisted"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating progress.save_failures: %w", err)
	}

	m.PushDeliveries, err = meter.Int64Counter(
		"querytail.push.deliveries",
		metric.WithDescription("Push-mode results handed to the callback"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating push.deliveries: %w", err)
	}

	return m, nil
}

// RecordCycle records the outcome of one consume cycle.
func (m *Metrics) RecordCycle(ctx context.Context, topic string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("topic", topic),
	}

	m.ConsumeCycles.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.CycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		failureAttrs := append(attrs,
			attribute.String("error_type", fmt.Sprintf("%T", err)),
		)
		m.ConsumeFailures.Add(ctx, 1, metric.WithAttributes(failureAttrs...))
	}
}

// RecordRetry records one failed execution attempt inside a cycle.
func (m *Metrics) RecordRetry(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.ConsumeRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

// RecordReconcile records one reconciliation and the resulting entity
// count.
func (m *Metrics) RecordReconcile(ctx context.Context, topic string, entities int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("topic", topic),
	}

	m.ReconcileTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		m.ReconcileFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.EntitiesTracked.Record(ctx, int64(entities), metric.WithAttributes(attrs...))
}

// RecordProgressSaveFailure records a progress snapshot that could not be
// written.
func (m *Metrics) RecordProgressSaveFailure(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.ProgressSaveFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

// RecordPushDelivery records one result handed to a push callback.
func (m *Metrics) RecordPushDelivery(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.PushDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
}
