// Package metrics instruments download bytes, cache hits/misses,
// extraction counts, and transaction durations with otel + prometheus,
// mirroring the ambient metrics stack used throughout this repository.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the counters and histograms this repository exports.
type Metrics struct {
	DownloadedBytesTotal   metric.Int64Counter
	DownloadFailuresTotal  metric.Int64Counter
	CacheHitsTotal         metric.Int64Counter
	CacheMissesTotal       metric.Int64Counter
	ExtractionsTotal       metric.Int64Counter
	ExtractionFailuresTotal metric.Int64Counter
	TransactionDurationMs  metric.Int64Histogram
}

// New builds a Metrics backed by a Prometheus exporter registered with the
// otel SDK meter provider.
func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/a-h/condalink")

	if m.DownloadedBytesTotal, err = meter.Int64Counter("downloaded_bytes_total", metric.WithDescription("Total bytes downloaded by the acquisition pipeline")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating downloaded_bytes_total counter: %w", err)
	}
	if m.DownloadFailuresTotal, err = meter.Int64Counter("download_failures_total", metric.WithDescription("Total download requests that failed after retries")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating download_failures_total counter: %w", err)
	}
	if m.CacheHitsTotal, err = meter.Int64Counter("package_cache_hits_total", metric.WithDescription("Total package cache lookups satisfied without a download")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating package_cache_hits_total counter: %w", err)
	}
	if m.CacheMissesTotal, err = meter.Int64Counter("package_cache_misses_total", metric.WithDescription("Total package cache lookups that required a download")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating package_cache_misses_total counter: %w", err)
	}
	if m.ExtractionsTotal, err = meter.Int64Counter("archive_extractions_total", metric.WithDescription("Total archives extracted")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating archive_extractions_total counter: %w", err)
	}
	if m.ExtractionFailuresTotal, err = meter.Int64Counter("archive_extraction_failures_total", metric.WithDescription("Total archive extractions that failed or were aborted")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating archive_extraction_failures_total counter: %w", err)
	}
	if m.TransactionDurationMs, err = meter.Int64Histogram("transaction_duration_milliseconds", metric.WithDescription("Wall-clock duration of executed transactions")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating transaction_duration_milliseconds histogram: %w", err)
	}

	return m, nil
}

// ListenAndServe serves the Prometheus scrape endpoint at addr.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

// RecordDownload records a completed (or failed) download.
func (m Metrics) RecordDownload(ctx context.Context, channel string, bytes int64, failed bool) {
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	if failed {
		if m.DownloadFailuresTotal != nil {
			m.DownloadFailuresTotal.Add(ctx, 1, attrs)
		}
		return
	}
	if m.DownloadedBytesTotal != nil {
		m.DownloadedBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordCacheLookup records whether a package cache lookup was satisfied
// locally or required a download.
func (m Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	switch {
	case hit && m.CacheHitsTotal != nil:
		m.CacheHitsTotal.Add(ctx, 1)
	case !hit && m.CacheMissesTotal != nil:
		m.CacheMissesTotal.Add(ctx, 1)
	}
}

// RecordExtraction records one archive extraction attempt.
func (m Metrics) RecordExtraction(ctx context.Context, failed bool) {
	if failed {
		if m.ExtractionFailuresTotal != nil {
			m.ExtractionFailuresTotal.Add(ctx, 1)
		}
		return
	}
	if m.ExtractionsTotal != nil {
		m.ExtractionsTotal.Add(ctx, 1)
	}
}

// RecordTransactionDuration records how long an executed transaction took.
func (m Metrics) RecordTransactionDuration(ctx context.Context, milliseconds int64) {
	if m.TransactionDurationMs != nil {
		m.TransactionDurationMs.Record(ctx, milliseconds)
	}
}
