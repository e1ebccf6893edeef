// Package telemetry wires the shared slog logger, OpenTelemetry tracer
// provider, and Prometheus registry used by all three binaries. None of
// the teacher's own services carry tracing or metrics, so this package
// follows the shape of the other example repos that do: a resource +
// exporter + tracer provider construction (aixgo-dev-aixgo's
// internal/observability) and a package-level metric set registered
// once (aixgo-dev-aixgo's pkg/observability/metrics.go).
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger builds the shared structured logger. Every service uses the
// same handler shape: leveled, field-value pairs, no payload content.
func NewLogger(serviceName, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler).With("service", serviceName)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitTracing builds a TracerProvider exporting to otlpEndpoint when set,
// or stdout otherwise, registers it as the global provider, and returns
// a shutdown func the caller defers.
func InitTracing(ctx context.Context, serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if otlpEndpoint != "" {
		exporter, err = buildOTLPExporter(ctx, otlpEndpoint)
		if err != nil {
			return nil, fmt.Errorf("build otlp exporter: %w", err)
		}
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("build stdout exporter: %w", err)
		}
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func buildOTLPExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	client := otlptracehttp.NewClient(otlptracehttp.WithEndpoint(endpoint))
	return otlptrace.New(ctx, client)
}

// Tracer returns the named tracer from the global provider; safe to call
// before InitTracing (returns a no-op tracer in that case).
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// Metrics is the process-wide set of request/turn/delivery gauges and
// counters exposed at /metrics on every binary.
type Metrics struct {
	TurnLatencySeconds  *prometheus.HistogramVec
	RequestsTotal       *prometheus.CounterVec
	DeliveryOutcomes    *prometheus.CounterVec
	RetryQueueDepth     prometheus.Gauge
	SessionsInFlight    prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics builds (once per process) and registers the shared metric
// set, returning the same instance on every call.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			TurnLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ssa_turn_latency_seconds",
				Help:    "End-to-end turn latency from request accepted to response ready",
				Buckets: prometheus.DefBuckets,
			}, []string{"surface"}),
			RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ssa_requests_total",
				Help: "Total requests accepted, labeled by surface and outcome",
			}, []string{"surface", "outcome"}),
			DeliveryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ssa_delivery_outcomes_total",
				Help: "Integration dispatcher delivery attempts by kind and outcome",
			}, []string{"kind", "outcome"}),
			RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ssa_retry_queue_depth",
				Help: "Number of delivery log rows currently due for retry",
			}),
			SessionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ssa_sessions_in_flight",
				Help: "Number of sessions currently holding a turn lock",
			}),
		}
		prometheus.MustRegister(
			metrics.TurnLatencySeconds,
			metrics.RequestsTotal,
			metrics.DeliveryOutcomes,
			metrics.RetryQueueDepth,
			metrics.SessionsInFlight,
		)
	})
	return metrics
}

// Handler exposes the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTurn records a completed turn's latency and outcome.
func (m *Metrics) ObserveTurn(surface, outcome string, elapsed time.Duration) {
	m.TurnLatencySeconds.WithLabelValues(surface).Observe(elapsed.Seconds())
	m.RequestsTotal.WithLabelValues(surface, outcome).Inc()
}

// ObserveDelivery records a single integration dispatch attempt.
func (m *Metrics) ObserveDelivery(kind, outcome string) {
	m.DeliveryOutcomes.WithLabelValues(kind, outcome).Inc()
}
