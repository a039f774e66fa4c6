package extract

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/memora-ai/memora/internal/memory"
)

// metrics bundles the pipeline's OpenTelemetry instruments.
type metrics struct {
	processed    metric.Int64Counter
	duration     metric.Float64Histogram
	layerEntries metric.Int64Histogram
}

func newMetrics(logger *log.Logger) *metrics {
	meter := otel.Meter("memora/extract")
	m := &metrics{}
	var err error
	m.processed, err = meter.Int64Counter("memora_sources_processed_total",
		metric.WithDescription("Extraction runs by source, status and user"))
	if err != nil {
		logger.Printf("warn: init processed counter: %v", err)
	}
	m.duration, err = meter.Float64Histogram("memora_extraction_duration_seconds",
		metric.WithDescription("End-to-end extraction duration per source"))
	if err != nil {
		logger.Printf("warn: init duration histogram: %v", err)
	}
	m.layerEntries, err = meter.Int64Histogram("memora_layer_entries_persisted",
		metric.WithDescription("Entries persisted per layer per run"))
	if err != nil {
		logger.Printf("warn: init layer entries histogram: %v", err)
	}
	return m
}

func (m *metrics) recordProcessed(ctx context.Context, source memory.Source, status, userID string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("status", status),
		attribute.String("user_id", userID),
	)
	if m.processed != nil {
		m.processed.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, seconds, attrs)
	}
}

func (m *metrics) recordLayerEntries(ctx context.Context, layer memory.Layer, source memory.Source, userID string, n int) {
	if m == nil || m.layerEntries == nil {
		return
	}
	m.layerEntries.Record(ctx, int64(n), metric.WithAttributes(
		attribute.String("layer", string(layer)),
		attribute.String("source", string(source)),
		attribute.String("user_id", userID),
	))
}
