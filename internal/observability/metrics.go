package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (active jobs, executor queue)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Separation job metrics (Latency, Traffic, Errors, Saturation)
	SeparationDuration metric.Float64Histogram
	JobsTotal          metric.Int64Counter
	JobErrorsTotal     metric.Int64Counter
	JobsRescuedTotal   metric.Int64Counter
	JobsActive         metric.Int64UpDownCounter

	// Admission metrics (Errors)
	AdmissionRejections metric.Int64Counter

	// Executor metrics (Errors, Saturation)
	ExecutorCrashes    metric.Int64Counter
	ExecutorRestarts   metric.Int64Counter
	ExecutorQueueDepth metric.Int64Gauge

	// Housekeeping metrics (Traffic)
	SessionsSwept metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("split-service")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Separation job metrics
	m.SeparationDuration, err = meter.Float64Histogram(
		"separation_duration_seconds",
		metric.WithDescription("Separation job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 300, 600, 900, 1200),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"separation_jobs_total",
		metric.WithDescription("Total number of separation jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"separation_job_errors_total",
		metric.WithDescription("Total number of separation jobs that ended in error"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsRescuedTotal, err = meter.Int64Counter(
		"separation_jobs_rescued_total",
		metric.WithDescription("Total number of crashed jobs reclassified as done from on-disk artifacts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"separation_jobs_active",
		metric.WithDescription("Number of currently running separation jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Admission metrics
	m.AdmissionRejections, err = meter.Int64Counter(
		"admission_rejections_total",
		metric.WithDescription("Submissions rejected before job creation, by reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Executor metrics
	m.ExecutorCrashes, err = meter.Int64Counter(
		"executor_worker_crashes_total",
		metric.WithDescription("Total abnormal worker terminations"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ExecutorRestarts, err = meter.Int64Counter(
		"executor_pool_restarts_total",
		metric.WithDescription("Total worker pool restarts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ExecutorQueueDepth, err = meter.Int64Gauge(
		"executor_queue_depth",
		metric.WithDescription("Current number of tasks waiting for a worker (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Housekeeping metrics
	m.SessionsSwept, err = meter.Int64Counter(
		"sessions_swept_total",
		metric.WithDescription("Total session directories removed by the janitor"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job entering the system.
func (m *Metrics) RecordJobCreated(ctx context.Context, model, device string) {
	m.JobsTotal.Add(ctx, 1, metric.WithAttributes(modelAttr(model), deviceAttr(device)))
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(modelAttr(model)))
}

// RecordJobCompleted records a job reaching a terminal status.
// The outcome is one of "completed", "rescued", or "error".
func (m *Metrics) RecordJobCompleted(ctx context.Context, model, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(modelAttr(model), outcomeAttr(outcome))
	m.SeparationDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(modelAttr(model)))

	switch outcome {
	case "rescued":
		m.JobsRescuedTotal.Add(ctx, 1, metric.WithAttributes(modelAttr(model)))
	case "error":
		m.JobErrorsTotal.Add(ctx, 1, metric.WithAttributes(modelAttr(model)))
	}
}

// RecordAdmissionRejected records a submission shed before job creation.
// The reason is one of "rate_limit", "circuit_open", or "backend_unavailable".
func (m *Metrics) RecordAdmissionRejected(ctx context.Context, reason string) {
	m.AdmissionRejections.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordWorkerCrash records an abnormal worker termination.
func (m *Metrics) RecordWorkerCrash(ctx context.Context) {
	m.ExecutorCrashes.Add(ctx, 1)
}

// RecordPoolRestart records a worker pool restart.
func (m *Metrics) RecordPoolRestart(ctx context.Context) {
	m.ExecutorRestarts.Add(ctx, 1)
}

// RecordQueueDepth records the current executor queue depth.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.ExecutorQueueDepth.Record(ctx, depth)
}

// RecordSessionsSwept records session directories removed by housekeeping.
func (m *Metrics) RecordSessionsSwept(ctx context.Context, count int64) {
	m.SessionsSwept.Add(ctx, count)
}
