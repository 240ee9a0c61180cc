// Package telemetry wires OpenTelemetry tracing for the webchat backend
// and provides small span helpers used across packages.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/httan304/webchat-sub000/pkg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrNilTelemetryLogger indicates that Config.Logger is nil.
var ErrNilTelemetryLogger = errors.New("telemetry config logger cannot be nil")

// Config describes the service identity and collector endpoint.
type Config struct {
	ServiceName       string
	ServiceVersion    string
	DeploymentEnv     string
	CollectorEndpoint string
	Enabled           bool
	Logger            log.Logger
}

// Telemetry holds the initialized tracer provider and its shutdown hook.
type Telemetry struct {
	Config
	TracerProvider *sdktrace.TracerProvider
	shutdown       func()
}

// Init configures the global tracer provider with an OTLP gRPC exporter.
// When telemetry is disabled it returns a Telemetry whose shutdown is a
// no-op and leaves the global provider untouched.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		return nil, ErrNilTelemetryLogger
	}

	if !cfg.Enabled {
		return &Telemetry{Config: cfg, shutdown: func() {}}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	rsc := sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.DeploymentEnv),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(rsc),
	)

	otel.SetTracerProvider(tp)
	cfg.Logger.Log(ctx, log.LevelInfo, "telemetry initialized",
		log.String("service", cfg.ServiceName),
		log.String("collector", cfg.CollectorEndpoint))

	return &Telemetry{
		Config:         cfg,
		TracerProvider: tp,
		shutdown: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := tp.Shutdown(shutdownCtx); err != nil {
				cfg.Logger.Log(shutdownCtx, log.LevelWarn, "tracer provider shutdown failed", log.Err(err))
			}
		},
	}, nil
}

// Shutdown flushes and stops the tracer provider.
func (t *Telemetry) Shutdown() {
	if t != nil && t.shutdown != nil {
		t.shutdown()
	}
}

// HandleSpanError sets the span status to error and records the error.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}
