package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/rcliao/tiered-memory/internal/model"
)

// metrics records engine counters on the global meter provider. Counters that
// fail to register stay nil and are skipped.
type metrics struct {
	writes        otelmetric.Int64Counter
	searches      otelmetric.Int64Counter
	degraded      otelmetric.Int64Counter
	truncated     otelmetric.Int64Counter
	embedFailures otelmetric.Int64Counter
	migrated      otelmetric.Int64Counter
	deleted       otelmetric.Int64Counter
	merged        otelmetric.Int64Counter
	failed        otelmetric.Int64Counter
	searchLatency otelmetric.Float64Histogram
}

func newMetrics(log zerolog.Logger) *metrics {
	meter := otel.Meter("github.com/rcliao/tiered-memory/engine")
	m := &metrics{}
	counter := func(name, desc string) otelmetric.Int64Counter {
		c, err := meter.Int64Counter(name, otelmetric.WithDescription(desc))
		if err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("otel counter")
			return nil
		}
		return c
	}
	m.writes = counter("memory.writes", "Entries written")
	m.searches = counter("memory.searches", "Searches served")
	m.degraded = counter("memory.search.degraded", "Searches answered lexical-only")
	m.truncated = counter("memory.search.truncated", "Searches missing one or more tiers")
	m.embedFailures = counter("memory.embedding.failures", "Failed embedding requests")
	m.migrated = counter("memory.maintenance.migrated", "Entries moved to a colder tier")
	m.deleted = counter("memory.maintenance.deleted", "Entries expired")
	m.merged = counter("memory.maintenance.merged", "Duplicate entries merged away")
	m.failed = counter("memory.maintenance.failed", "Maintenance actions left for the next pass")

	var err error
	m.searchLatency, err = meter.Float64Histogram("memory.search.latency", otelmetric.WithUnit("ms"))
	if err != nil {
		log.Warn().Err(err).Str("metric", "memory.search.latency").Msg("otel histogram")
	}
	return m
}

func add(ctx context.Context, c otelmetric.Int64Counter, n int, attrs ...attribute.KeyValue) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, int64(n), otelmetric.WithAttributes(attrs...))
}

func (m *metrics) wrote(ctx context.Context, p model.Priority, embedded bool) {
	add(ctx, m.writes, 1, attribute.String("priority", p.String()), attribute.Bool("embedded", embedded))
}

func (m *metrics) embedFailed(ctx context.Context) {
	add(ctx, m.embedFailures, 1)
}

func (m *metrics) searched(ctx context.Context, depth model.Depth, resp *SearchResponse, took time.Duration) {
	attrs := attribute.String("depth", depth.String())
	add(ctx, m.searches, 1, attrs)
	if resp.Degraded {
		add(ctx, m.degraded, 1, attrs)
	}
	if resp.Truncated {
		add(ctx, m.truncated, 1, attrs)
	}
	if m.searchLatency != nil {
		m.searchLatency.Record(ctx, float64(took.Microseconds())/1000, otelmetric.WithAttributes(attrs))
	}
}

func (m *metrics) maintained(ctx context.Context, r *MaintenanceResult) {
	add(ctx, m.migrated, r.Migrated)
	add(ctx, m.deleted, r.Deleted)
	add(ctx, m.merged, r.Merged)
	add(ctx, m.failed, r.Failed)
}
