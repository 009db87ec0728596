package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/taskgate/internal/config"
)

const tracerName = "github.com/pitabwire/taskgate"

// Span attribute keys.
var (
	AttrBusinessApp          = attribute.Key("taskgate.business_app")
	AttrProcessDefinitionKey = attribute.Key("taskgate.process_definition_key")
	AttrProcessInstanceID    = attribute.Key("taskgate.process_instance_id")
	AttrTaskID               = attribute.Key("taskgate.task_id")
	AttrQueue                = attribute.Key("taskgate.queue")
	AttrAction               = attribute.Key("taskgate.action")
	AttrDecision             = attribute.Key("taskgate.decision")
	AttrSubjectID            = attribute.Key("taskgate.subject_id")
	AttrUpstream             = attribute.Key("taskgate.upstream")
	AttrCacheHit             = attribute.Key("taskgate.cache_hit")
)

// InitTracing installs the global tracer provider and W3C propagators. The
// returned function flushes and stops the exporter. With tracing disabled
// both are no-ops and the global no-op provider stays in place.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	}
	if cfg.ForceSampleErrors {
		opts = append(opts, sdktrace.WithSpanProcessor(&errorSpanProcessor{exporter: exporter}))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler samples root spans at the configured ratio (default 0.1,
// clamped to 1) and follows the parent otherwise. With ForceSampleErrors
// spans the ratio drops are still recorded so errorSpanProcessor can export
// the failed ones.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = 0.1
	case rate > 1:
		rate = 1
	}

	base := sdktrace.TraceIDRatioBased(rate)
	if rate == 1 {
		base = sdktrace.AlwaysSample()
	}
	sampler := sdktrace.ParentBased(base)

	if cfg.ForceSampleErrors {
		return recordDropped{delegate: sampler}
	}
	return sampler
}

// recordDropped turns Drop decisions into RecordOnly.
type recordDropped struct {
	delegate sdktrace.Sampler
}

func (s recordDropped) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	result := s.delegate.ShouldSample(p)
	if result.Decision == sdktrace.Drop {
		result.Decision = sdktrace.RecordOnly
	}
	return result
}

func (s recordDropped) Description() string {
	return "RecordDropped{" + s.delegate.Description() + "}"
}

// errorSpanProcessor exports recorded-but-unsampled spans that ended with an
// error status. Sampled spans are left to the batcher.
type errorSpanProcessor struct {
	exporter sdktrace.SpanExporter
}

func (p *errorSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *errorSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if s.SpanContext().IsSampled() || s.Status().Code != codes.Error {
		return
	}
	_ = p.exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{s})
}

// Shutdown is a no-op; the batcher owns the exporter.
func (p *errorSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *errorSpanProcessor) ForceFlush(context.Context) error { return nil }

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if len(attrs) == 0 {
		return Tracer().Start(ctx, name)
	}
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError records err on span, if any, and ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFromContext returns the active span id, or "".
func SpanIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware opens a server span per request, continuing an inbound
// traceparent and echoing the trace context on the response. Once routing
// is done the span is renamed after the matched route so task ids do not
// explode span cardinality.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		r = r.WithContext(ctx)
		next.ServeHTTP(ww, r)

		route := routePattern(r)
		status := writtenStatus(ww)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// InjectTraceHeaders writes the current trace context into outbound headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
