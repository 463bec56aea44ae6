// Package otelx configures the global OpenTelemetry tracer provider.
package otelx

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"

	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

// dialTimeout bounds exporter construction against a local collector
const dialTimeout = 3 * time.Second

type Options struct {
	Enabled     bool
	Endpoint    string // host:port of the OTLP gRPC collector
	Insecure    bool
	Sample      float64 // ratio of root spans sampled, 0..1
	Service     string
	Component   string
	Version     string
	Environment string
}

// Validate checks an enabled configuration. Disabled options are always valid.
func (o Options) Validate() error {
	if !o.Enabled {
		return nil
	}
	var errs []error
	if o.Endpoint == "" {
		errs = append(errs, errors.New("otelx: endpoint is required when tracing is enabled"))
	}
	if o.Sample < 0 || o.Sample > 1 {
		errs = append(errs, xerrors.Newf("otelx: sample ratio %v outside 0..1", o.Sample))
	}
	if o.Service == "" {
		errs = append(errs, errors.New("otelx: service name is required"))
	}
	return xerrors.Join(errs...)
}

// ServiceName joins service and component, e.g. "agrotech-web.server".
func (o Options) ServiceName() string {
	if o.Component == "" {
		return o.Service
	}
	return o.Service + "." + o.Component
}

// Init installs the tracer provider and W3C propagators. When disabled an
// unexported SDK provider is still installed so spans are valid but never exported.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(userAgent(o))),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otlp trace exporter for %s", o.Endpoint)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(resourceAttrs(o)...),
	)
	if err != nil && res == nil {
		// partial resources are fine, a nil one is not
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(o.Sample),
		)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func resourceAttrs(o Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(o.ServiceName()),
		semconv.ServiceVersion(o.Version),
	}
	if o.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(o.Environment))
	}
	return attrs
}

// userAgent identifies this process to the collector, e.g. "agrotech-web.server/1.4.0"
func userAgent(o Options) string {
	if o.Version == "" {
		return o.ServiceName()
	}
	return o.ServiceName() + "/" + o.Version
}
