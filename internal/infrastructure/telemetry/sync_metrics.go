package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/erp/synccore/internal/domain/sync"
)

// SyncMetrics records the core's business metrics: document outcomes,
// transport round-trip latency and webhook processing.
type SyncMetrics struct {
	documentsTotal    metric.Int64Counter
	transportDuration metric.Float64Histogram
	webhooksTotal     metric.Int64Counter
	pollJobsTotal     metric.Int64Counter
}

// NewSyncMetrics registers the instruments on the given meter
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	documentsTotal, err := meter.Int64Counter("sync.documents.total",
		metric.WithDescription("Finalized sync documents by integration, operation and status"),
	)
	if err != nil {
		return nil, err
	}

	transportDuration, err := meter.Float64Histogram("sync.transport.duration",
		metric.WithDescription("Remote round-trip duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	webhooksTotal, err := meter.Int64Counter("sync.webhooks.total",
		metric.WithDescription("Inbound webhook deliveries by integration and outcome"),
	)
	if err != nil {
		return nil, err
	}

	pollJobsTotal, err := meter.Int64Counter("sync.poll.jobs.total",
		metric.WithDescription("Status poll jobs by integration and outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		documentsTotal:    documentsTotal,
		transportDuration: transportDuration,
		webhooksTotal:     webhooksTotal,
		pollJobsTotal:     pollJobsTotal,
	}, nil
}

// RecordDocument counts one finalized document
func (m *SyncMetrics) RecordDocument(ctx context.Context, integration sync.IntegrationCode, op sync.Operation, status sync.DocumentStatus) {
	if m == nil {
		return
	}
	m.documentsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", integration.String()),
		attribute.String("operation", op.String()),
		attribute.String("status", status.String()),
	))
}

// RecordTransport records one remote round-trip
func (m *SyncMetrics) RecordTransport(ctx context.Context, integration sync.IntegrationCode, op sync.Operation, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.transportDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("integration", integration.String()),
		attribute.String("operation", op.String()),
		attribute.String("outcome", outcome),
	))
}

// RecordWebhook counts one inbound webhook delivery
func (m *SyncMetrics) RecordWebhook(ctx context.Context, integration sync.IntegrationCode, outcome string) {
	if m == nil {
		return
	}
	m.webhooksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", integration.String()),
		attribute.String("outcome", outcome),
	))
}

// RecordPollJob counts one status poll job
func (m *SyncMetrics) RecordPollJob(ctx context.Context, integration sync.IntegrationCode, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.pollJobsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", integration.String()),
		attribute.String("outcome", outcome),
	))
}
