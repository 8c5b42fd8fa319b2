// Package otel turns eventbus events into OpenTelemetry spans.
package otel

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"

	eventbus "github.com/hanpama/sysinfo/internal/eventbus"
	events "github.com/hanpama/sysinfo/internal/events"
	reqid "github.com/hanpama/sysinfo/internal/reqid"
)

const instrumentation = "github.com/hanpama/sysinfo"

// Setup exports spans over OTLP/gRPC to endpoint and subscribes to bus.
// If endpoint is empty, nothing is configured. The returned function
// detaches from the bus and flushes the exporter.
func Setup(ctx context.Context, bus *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	detach := Attach(bus, tp.Tracer(instrumentation))
	return func(ctx context.Context) error {
		detach()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach subscribes span-producing handlers to bus and returns a function
// that removes them.
func Attach(bus *eventbus.Bus, tracer trace.Tracer) (detach func()) {
	s := &subscriber{tracer: tracer}
	return s.register(bus)
}

type cycleKey struct {
	instance string
	cycle    uint64
}

type rpcKey struct {
	rid    string
	method string
	server bool
}

type subscriber struct {
	tracer     trace.Tracer
	httpSpans  sync.Map // rid -> trace.Span
	rpcSpans   sync.Map // rpcKey -> trace.Span
	cycleSpans sync.Map // cycleKey -> trace.Span
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.SubscribeTo(bus, s.onHTTPStart),
		eventbus.SubscribeTo(bus, s.onHTTPFinish),
		eventbus.SubscribeTo(bus, s.onRPCStart),
		eventbus.SubscribeTo(bus, s.onRPCFinish),
		eventbus.SubscribeTo(bus, s.onQueryStart),
		eventbus.SubscribeTo(bus, s.onQueryFinish),
		eventbus.SubscribeTo(bus, s.onStorageChanged),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (s *subscriber) onHTTPStart(ctx context.Context, e events.HTTPStart) {
	rid, _ := reqid.FromContext(ctx)
	_, span := s.tracer.Start(ctx, "http.request", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		semconv.HTTPMethodKey.String(e.Request.Method),
		attribute.String("http.target", e.Request.URL.Path),
		attribute.String("request.id", rid),
	)
	s.httpSpans.Store(rid, span)
}

func (s *subscriber) onHTTPFinish(ctx context.Context, e events.HTTPFinish) {
	rid, _ := reqid.FromContext(ctx)
	v, ok := s.httpSpans.LoadAndDelete(rid)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
	if e.Status >= 500 {
		span.SetStatus(codes.Error, "")
	}
	span.End()
}

func (s *subscriber) onRPCStart(ctx context.Context, e events.RPCStart) {
	rid, _ := reqid.FromContext(ctx)
	parent := ctx
	if v, ok := s.httpSpans.Load(rid); ok {
		parent = trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	name, kind := "grpc.client", trace.SpanKindClient
	if e.Server {
		name, kind = "grpc.server", trace.SpanKindServer
	}
	service, method := splitMethod(e.Method)
	_, span := s.tracer.Start(parent, name, trace.WithSpanKind(kind))
	span.SetAttributes(
		semconv.RPCSystemKey.String("grpc"),
		semconv.RPCServiceKey.String(service),
		semconv.RPCMethodKey.String(method),
		attribute.String("net.peer.name", e.Target),
	)
	s.rpcSpans.Store(rpcKey{rid: rid, method: e.Method, server: e.Server}, span)
}

func (s *subscriber) onRPCFinish(ctx context.Context, e events.RPCFinish) {
	rid, _ := reqid.FromContext(ctx)
	v, ok := s.rpcSpans.LoadAndDelete(rpcKey{rid: rid, method: e.Method, server: e.Server})
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(attribute.String("grpc.code", e.Code.String()))
	if e.Err != nil {
		span.RecordError(e.Err)
	}
	if e.Code != grpccodes.OK {
		span.SetStatus(codes.Error, e.Code.String())
	}
	span.End()
}

func (s *subscriber) onQueryStart(ctx context.Context, e events.QueryStart) {
	_, span := s.tracer.Start(ctx, "query.cycle", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("coordinator", e.Coordinator),
		attribute.String("coordinator.instance", e.Instance),
		attribute.Int64("cycle", int64(e.Cycle)),
		attribute.Int("waiters", e.Waiters),
	)
	s.cycleSpans.Store(cycleKey{e.Instance, e.Cycle}, span)
}

func (s *subscriber) onQueryFinish(ctx context.Context, e events.QueryFinish) {
	v, ok := s.cycleSpans.LoadAndDelete(cycleKey{e.Instance, e.Cycle})
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(
		attribute.Bool("ok", e.OK),
		attribute.Int("delivered", e.Delivered),
	)
	if !e.OK {
		span.SetStatus(codes.Error, "query failed")
	}
	span.End()
}

func (s *subscriber) onStorageChanged(ctx context.Context, e events.StorageAvailableChanged) {
	_, span := s.tracer.Start(ctx, "storage.available_changed")
	span.SetAttributes(
		attribute.String("storage.id", e.ID),
		attribute.Int64("storage.available.old", int64(e.Old)),
		attribute.Int64("storage.available.new", int64(e.New)),
	)
	span.End()
}

// splitMethod splits "/pkg.Service/Method".
func splitMethod(full string) (service, method string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(full, "/"), "/")
	if !ok {
		return "", full
	}
	return service, method
}
