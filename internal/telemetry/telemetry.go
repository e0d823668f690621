// Package telemetry wires OpenTelemetry metrics for the downloader and
// exposes them through a Prometheus endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Telemetry holds the downloader's metric instruments. The zero value is
// a no-op, so callers never need nil checks at call sites.
type Telemetry struct {
	meterProvider metric.MeterProvider
	meter         metric.Meter

	monthsTotal     metric.Int64Counter
	monthDuration   metric.Float64Histogram
	bytesDownloaded metric.Int64Counter
	activeDownloads metric.Int64UpDownCounter
	pairListings    metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	ServiceName string
}

// New creates a telemetry instance backed by a Prometheus exporter.
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		meter:         otel.Meter(cfg.ServiceName),
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.monthsTotal, err = t.meter.Int64Counter(
		"tickdl_months_total",
		metric.WithDescription("Month pipelines completed, by status and failure stage"),
	); err != nil {
		return err
	}

	if t.monthDuration, err = t.meter.Float64Histogram(
		"tickdl_month_duration_seconds",
		metric.WithDescription("Duration of one month's fetch+extract+parse pipeline"),
	); err != nil {
		return err
	}

	if t.bytesDownloaded, err = t.meter.Int64Counter(
		"tickdl_bytes_downloaded_total",
		metric.WithDescription("Raw archive bytes fetched"),
	); err != nil {
		return err
	}

	if t.activeDownloads, err = t.meter.Int64UpDownCounter(
		"tickdl_active_downloads",
		metric.WithDescription("Download calls currently in flight"),
	); err != nil {
		return err
	}

	if t.pairListings, err = t.meter.Int64Counter(
		"tickdl_pair_listings_total",
		metric.WithDescription("Pair index listings fetched"),
	); err != nil {
		return err
	}

	return nil
}

// Handler returns the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordMonth records one month pipeline's terminal state. stage is empty
// for successes.
func (t *Telemetry) RecordMonth(status, stage string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("status", status)}
	if stage != "" {
		attrs = append(attrs, attribute.String("stage", stage))
	}

	if t.monthsTotal != nil {
		t.monthsTotal.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	}

	if t.monthDuration != nil {
		t.monthDuration.Record(context.Background(), duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// AddBytes records raw bytes fetched from the archive.
func (t *Telemetry) AddBytes(n int64) {
	if t == nil || t.bytesDownloaded == nil {
		return
	}

	t.bytesDownloaded.Add(context.Background(), n)
}

// IncrementActiveDownloads marks a download call started.
func (t *Telemetry) IncrementActiveDownloads() {
	if t == nil || t.activeDownloads == nil {
		return
	}

	t.activeDownloads.Add(context.Background(), 1)
}

// DecrementActiveDownloads marks a download call finished.
func (t *Telemetry) DecrementActiveDownloads() {
	if t == nil || t.activeDownloads == nil {
		return
	}

	t.activeDownloads.Add(context.Background(), -1)
}

// RecordPairListing records one index listing, by outcome.
func (t *Telemetry) RecordPairListing(status string) {
	if t == nil || t.pairListings == nil {
		return
	}

	t.pairListings.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}
