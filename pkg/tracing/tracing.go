package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "callnet"

// TracerProvider wraps OpenTelemetry tracer provider
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Config contains tracing configuration
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// Init installs a Jaeger-backed global tracer provider. When tracing is
// disabled the global no-op provider stays in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.TraceIDRatioBased(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes and stops the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

var (
	SessionIDKey = attribute.Key("call.session_id")
	CallIDKey    = attribute.Key("call.id")
	RoleKey      = attribute.Key("call.role")
	StateKey     = attribute.Key("call.state")
	ReasonKey    = attribute.Key("call.end_reason")
	KindKey      = attribute.Key("signal.kind")
)

// TraceHTTPRequest opens a server span for an HTTP request.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

// StartCallSpan opens the span covering one call attempt.
func StartCallSpan(ctx context.Context, sessionID, callID, role string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "call.session",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			SessionIDKey.String(sessionID),
			CallIDKey.String(callID),
			RoleKey.String(role),
		),
	)
}

// RecordTransition adds a state change event to span.
func RecordTransition(span trace.Span, from, to string) {
	if span.IsRecording() {
		span.AddEvent("transition", trace.WithAttributes(
			attribute.String("from", from),
			StateKey.String(to),
		))
	}
}

// RecordSignal adds an inbound or outbound signaling event to span.
func RecordSignal(span trace.Span, direction, kind string) {
	if span.IsRecording() {
		span.AddEvent("signal."+direction, trace.WithAttributes(KindKey.String(kind)))
	}
}

// EndCallSpan closes span with the end reason. Failures other than a
// deliberate hangup mark the span as errored.
func EndCallSpan(span trace.Span, reason string, failed bool, err error) {
	span.SetAttributes(ReasonKey.String(reason))
	if err != nil {
		span.RecordError(err)
	}
	if failed {
		span.SetStatus(codes.Error, reason)
	} else {
		span.SetStatus(codes.Ok, reason)
	}
	span.End()
}
