// Package observe sets up OpenTelemetry metrics and traces for the server and
// provides the HTTP middleware and the Prometheus scrape handler.
package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/patric-chuzhbe/danki/internal/observe"

// Exporter names accepted by Config.
const (
	ExporterPrometheus = "prometheus"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterNone       = "none"
)

type Config struct {
	ServiceName     string
	Version         string
	MetricsExporter string
	TracesExporter  string

	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer
}

// Telemetry owns the meter and tracer providers and the HTTP instruments.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	registry       *prometheus.Registry

	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// New builds the providers selected by cfg and installs them as the otel globals.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("in internal/observe/observe.go/New(): error while `resource.New()` calling: %w", err)
	}

	t := &Telemetry{}

	if err := t.setupMetrics(ctx, cfg, res); err != nil {
		return nil, err
	}
	if err := t.setupTracing(ctx, cfg, res); err != nil {
		return nil, errors.Join(err, t.Shutdown(ctx))
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var meter metric.Meter = noop.NewMeterProvider().Meter(instrumentationName)
	if t.meterProvider != nil {
		meter = t.meterProvider.Meter(instrumentationName)
	}

	t.requests, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Number of HTTP requests served."),
	)
	if err != nil {
		return nil, fmt.Errorf("in internal/observe/observe.go/New(): error while `meter.Int64Counter()` calling: %w", err)
	}
	t.duration, err = meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("Duration of HTTP requests."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("in internal/observe/observe.go/New(): error while `meter.Float64Histogram()` calling: %w", err)
	}

	return t, nil
}

func (t *Telemetry) setupMetrics(ctx context.Context, cfg Config, res *resource.Resource) error {
	var reader sdkmetric.Reader

	switch cfg.MetricsExporter {
	case ExporterPrometheus:
		t.registry = prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
		if err != nil {
			return fmt.Errorf("in internal/observe/observe.go/setupMetrics(): error while `otelprom.New()` calling: %w", err)
		}
		reader = exporter

	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
		if err != nil {
			return fmt.Errorf("in internal/observe/observe.go/setupMetrics(): error while `stdoutmetric.New()` calling: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)

	case ExporterOTLP:
		exporter, err := otlpmetricgrpc.New(ctx)
		if err != nil {
			return fmt.Errorf("in internal/observe/observe.go/setupMetrics(): error while `otlpmetricgrpc.New()` calling: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)

	case ExporterNone, "":
		otel.SetMeterProvider(noop.NewMeterProvider())
		return nil

	default:
		return fmt.Errorf("unknown metrics exporter: %q", cfg.MetricsExporter)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(t.meterProvider)

	return nil
}

func (t *Telemetry) setupTracing(ctx context.Context, cfg Config, res *resource.Resource) error {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TracesExporter {
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	case ExporterOTLP:
		exporter, err = otlptracegrpc.New(ctx)
	case ExporterNone, "":
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		t.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
		return nil
	default:
		return fmt.Errorf("unknown traces exporter: %q", cfg.TracesExporter)
	}
	if err != nil {
		return fmt.Errorf("in internal/observe/observe.go/setupTracing(): error while creating the %q exporter: %w", cfg.TracesExporter, err)
	}

	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(t.tracerProvider)
	t.tracer = t.tracerProvider.Tracer(instrumentationName)

	return nil
}

// Middleware records a span, a request counter and a duration histogram per
// request, labelled with the chi route pattern rather than the raw path.
func (t *Telemetry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := t.tracer.Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if routeContext := chi.RouteContext(r.Context()); routeContext != nil {
			if pattern := routeContext.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", status),
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(attrs...)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, strconv.Itoa(status))
		}

		t.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
		t.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
	})
}

// MetricsHandler serves the Prometheus exposition, or 404 when the
// prometheus exporter is not enabled.
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{DisableCompression: true})
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}

	return errors.Join(errs...)
}
