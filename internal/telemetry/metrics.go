// Package telemetry records engine metrics and diagnostic log records through
// OpenTelemetry. Best-effort: recording failures never affect callers.
package telemetry

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the engine's instruments. A nil *Metrics is a valid no-op.
type Metrics struct {
	recordsSynced   metric.Int64Counter
	quotaDenied     metric.Int64Counter
	sessionsStarted metric.Int64Counter
	batchDuration   metric.Float64Histogram
	logger          otellog.Logger
}

// New builds the engine instruments from the given providers. Either provider
// may be nil; the corresponding signals are then dropped.
func New(mp *sdkmetric.MeterProvider, lp *sdklog.LoggerProvider) (*Metrics, error) {
	m := &Metrics{}
	if mp != nil {
		meter := mp.Meter("kitchensync.engine")
		var err error
		if m.recordsSynced, err = meter.Int64Counter("sync.records_synced",
			metric.WithDescription("Records committed to the remote store")); err != nil {
			return nil, err
		}
		if m.quotaDenied, err = meter.Int64Counter("sync.quota_denied",
			metric.WithDescription("Quota reservations denied")); err != nil {
			return nil, err
		}
		if m.sessionsStarted, err = meter.Int64Counter("auth.sessions_started",
			metric.WithDescription("Sessions started by successful authentication")); err != nil {
			return nil, err
		}
		if m.batchDuration, err = meter.Float64Histogram("sync.batch_ms",
			metric.WithDescription("Wall time per committed batch in milliseconds")); err != nil {
			return nil, err
		}
	}
	if lp != nil {
		m.logger = lp.Logger("kitchensync.engine")
	}
	return m, nil
}

// RecordsSynced adds n committed records for the collection.
func (m *Metrics) RecordsSynced(ctx context.Context, n int64) {
	if m == nil || m.recordsSynced == nil {
		return
	}
	m.recordsSynced.Add(ctx, n)
}

// QuotaDenied counts one denied reservation of the given kind ("read"/"write").
func (m *Metrics) QuotaDenied(ctx context.Context, kind string) {
	if m == nil || m.quotaDenied == nil {
		return
	}
	m.quotaDenied.Add(ctx, 1)
	m.emit(ctx, "quota reservation denied", otellog.String("kind", kind))
}

// SessionStarted counts one successful authentication.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil || m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1)
}

// BatchCommitted records the duration of one committed batch.
func (m *Metrics) BatchCommitted(ctx context.Context, d time.Duration) {
	if m == nil || m.batchDuration == nil {
		return
	}
	m.batchDuration.Record(ctx, float64(d)/float64(time.Millisecond))
}

// LegacyRemovalSuggested logs a removal instruction for a legacy collection.
// The engine never deletes the collection itself.
func (m *Metrics) LegacyRemovalSuggested(ctx context.Context, collection string) {
	if m == nil {
		return
	}
	m.emit(ctx, "legacy collection can be removed", otellog.String("collection", collection))
}

// ProbeResult emits the overall diagnostics status as a log record.
func (m *Metrics) ProbeResult(ctx context.Context, overall string) {
	if m == nil {
		return
	}
	m.emit(ctx, "diagnostics probe", otellog.String("overall_status", overall))
}

func (m *Metrics) emit(ctx context.Context, body string, attrs ...otellog.KeyValue) {
	if m == nil || m.logger == nil {
		return
	}
	rec := otellog.Record{}
	rec.SetTimestamp(time.Now().UTC())
	rec.SetBody(otellog.StringValue(body))
	rec.AddAttributes(attrs...)
	m.logger.Emit(ctx, rec)
}
