// Package otel wires the concrete telemetry exporters. The allocator core
// never imports this: it reports through the telemetry.Emitter interface and
// the sink chosen here (otlp over grpc, zipkin over http, stdout for
// debugging, or none) is pure configuration.
package otel

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keygridhq/mint/core/config"
)

type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider
}

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
	if t.loggerProvider != nil {
		if err := t.loggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logger shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("otel shutdown errors: %v", errs)
	}
	return nil
}

func Setup(ctx context.Context, cfg config.OTelConfig) (*Telemetry, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	traceExporter, metricExporter, logExporter, err := buildExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(loggerProvider)

	return &Telemetry{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		loggerProvider: loggerProvider,
	}, nil
}

// buildExporters materializes the configured sink variant. Zipkin only
// defines a trace transport, so its metrics and logs go to the stdout debug
// exporters rather than silently vanishing.
func buildExporters(ctx context.Context, cfg config.OTelConfig) (sdktrace.SpanExporter, sdkmetric.Exporter, sdklog.Exporter, error) {
	switch cfg.Sink {
	case config.SinkOTLP:
		headers := parseHeaders(cfg.Headers)

		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpointURL(cfg.Endpoint),
			otlptracegrpc.WithHeaders(headers),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpointURL(cfg.Endpoint),
			otlpmetricgrpc.WithHeaders(headers),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating otlp metric exporter: %w", err)
		}
		logExporter, err := otlploggrpc.New(ctx,
			otlploggrpc.WithEndpointURL(cfg.Endpoint),
			otlploggrpc.WithHeaders(headers),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating otlp log exporter: %w", err)
		}
		return traceExporter, metricExporter, logExporter, nil

	case config.SinkZipkin:
		traceExporter, err := zipkin.New(cfg.Endpoint)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating zipkin exporter: %w", err)
		}
		metricExporter, logExporter, err := stdoutMetricAndLog()
		if err != nil {
			return nil, nil, nil, err
		}
		return traceExporter, metricExporter, logExporter, nil

	case config.SinkStdout:
		traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		metricExporter, logExporter, err := stdoutMetricAndLog()
		if err != nil {
			return nil, nil, nil, err
		}
		return traceExporter, metricExporter, logExporter, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown telemetry sink %q", cfg.Sink)
	}
}

func stdoutMetricAndLog() (sdkmetric.Exporter, sdklog.Exporter, error) {
	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout metric exporter: %w", err)
	}
	logExporter, err := stdoutlog.New()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout log exporter: %w", err)
	}
	return metricExporter, logExporter, nil
}

func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	if s == "" {
		return headers
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}
