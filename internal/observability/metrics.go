package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service instruments. It implements
// dispatch.MetricsRecorder.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	AttemptDuration   metric.Float64Histogram
	AttemptsTotal     metric.Int64Counter
	RetriesScheduled  metric.Int64Counter
	RetryDelay        metric.Float64Histogram
	ExhaustedTotal    metric.Int64Counter
	PermanentFailures metric.Int64Counter
	DuplicatesTotal   metric.Int64Counter
}

// NewMetrics creates the instruments on a private Prometheus registry and
// returns the handler serving it.
func NewMetrics() (*Metrics, http.Handler, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("code-dispatch")
	m := &Metrics{provider: provider}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, nil, err
	}

	if m.AttemptDuration, err = meter.Float64Histogram(
		"dispatch_attempt_duration_seconds",
		metric.WithDescription("Partner delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, nil, err
	}
	if m.AttemptsTotal, err = meter.Int64Counter(
		"dispatch_attempts_total",
		metric.WithDescription("Delivery attempts by destination and outcome"),
	); err != nil {
		return nil, nil, err
	}
	if m.RetriesScheduled, err = meter.Int64Counter(
		"dispatch_retries_scheduled_total",
		metric.WithDescription("Retries handed to the scheduler"),
	); err != nil {
		return nil, nil, err
	}
	if m.RetryDelay, err = meter.Float64Histogram(
		"dispatch_retry_delay_seconds",
		metric.WithDescription("Backoff delay of scheduled retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(30, 60, 120, 240, 480, 960, 1920, 3840, 7680, 15360, 30720, 61440, 86400),
	); err != nil {
		return nil, nil, err
	}
	if m.ExhaustedTotal, err = meter.Int64Counter(
		"dispatch_exhausted_total",
		metric.WithDescription("Records that ran out of attempts"),
	); err != nil {
		return nil, nil, err
	}
	if m.PermanentFailures, err = meter.Int64Counter(
		"dispatch_permanent_failures_total",
		metric.WithDescription("Records failed without retry"),
	); err != nil {
		return nil, nil, err
	}
	if m.DuplicatesTotal, err = meter.Int64Counter(
		"dispatch_duplicates_total",
		metric.WithDescription("Requests answered from an existing record"),
	); err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// RecordHTTPRequest records one served request. route is the matched route
// template.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, elapsed time.Duration) {
	attrs := metric.WithAttributes(methodAttr(method), routeAttr(route), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordAttempt(ctx context.Context, destination, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(destinationAttr(destination), outcomeAttr(outcome))
	m.AttemptsTotal.Add(ctx, 1, attrs)
	m.AttemptDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) RecordRetryScheduled(ctx context.Context, destination string, delay time.Duration) {
	attrs := metric.WithAttributes(destinationAttr(destination))
	m.RetriesScheduled.Add(ctx, 1, attrs)
	m.RetryDelay.Record(ctx, delay.Seconds(), attrs)
}

func (m *Metrics) RecordExhausted(ctx context.Context, destination string) {
	m.ExhaustedTotal.Add(ctx, 1, metric.WithAttributes(destinationAttr(destination)))
}

func (m *Metrics) RecordPermanentFailure(ctx context.Context, destination, reason string) {
	m.PermanentFailures.Add(ctx, 1, metric.WithAttributes(destinationAttr(destination), reasonAttr(reason)))
}

func (m *Metrics) RecordDuplicate(ctx context.Context, destination string) {
	m.DuplicatesTotal.Add(ctx, 1, metric.WithAttributes(destinationAttr(destination)))
}
