package otel

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	grpccodes "google.golang.org/grpc/codes"

	eventbus "github.com/hanpama/sysinfo/internal/eventbus"
	events "github.com/hanpama/sysinfo/internal/events"
	reqid "github.com/hanpama/sysinfo/internal/reqid"
)

func newRecorder(t *testing.T) (*eventbus.Bus, *tracetest.SpanRecorder, func()) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	detach := Attach(bus, tp.Tracer("test"))
	return bus, rec, detach
}

func attr(kvs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range kvs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestQueryCycleSpans(t *testing.T) {
	bus, rec, detach := newRecorder(t)
	defer detach()
	ctx := context.Background()

	eventbus.PublishTo(ctx, bus, events.QueryStart{Coordinator: "cpu", Instance: "c1", Cycle: 1, Waiters: 3})
	eventbus.PublishTo(ctx, bus, events.QueryStart{Coordinator: "memory", Instance: "m1", Cycle: 1, Waiters: 1})
	eventbus.PublishTo(ctx, bus, events.QueryFinish{Coordinator: "memory", Instance: "m1", Cycle: 1, OK: false, Delivered: 1})
	eventbus.PublishTo(ctx, bus, events.QueryFinish{Coordinator: "cpu", Instance: "c1", Cycle: 1, OK: true, Delivered: 3, Duration: time.Millisecond})

	ended := rec.Ended()
	require.Len(t, ended, 2)
	mem, cpu := ended[0], ended[1]
	require.Equal(t, "query.cycle", cpu.Name())

	v, ok := attr(cpu.Attributes(), "coordinator")
	require.True(t, ok)
	require.Equal(t, "cpu", v.AsString())
	v, _ = attr(cpu.Attributes(), "waiters")
	require.Equal(t, int64(3), v.AsInt64())
	v, _ = attr(cpu.Attributes(), "delivered")
	require.Equal(t, int64(3), v.AsInt64())

	require.Equal(t, codes.Error, mem.Status().Code)
	require.Equal(t, codes.Unset, cpu.Status().Code)
}

func TestSameNamedCoordinatorsKeepSeparateSpans(t *testing.T) {
	bus, rec, detach := newRecorder(t)
	defer detach()
	ctx := context.Background()

	eventbus.PublishTo(ctx, bus, events.QueryStart{Coordinator: "cpu", Instance: "a", Cycle: 1, Waiters: 1})
	eventbus.PublishTo(ctx, bus, events.QueryStart{Coordinator: "cpu", Instance: "b", Cycle: 1, Waiters: 2})
	eventbus.PublishTo(ctx, bus, events.QueryFinish{Coordinator: "cpu", Instance: "a", Cycle: 1, OK: true, Delivered: 1})
	eventbus.PublishTo(ctx, bus, events.QueryFinish{Coordinator: "cpu", Instance: "b", Cycle: 1, OK: true, Delivered: 2})

	ended := rec.Ended()
	require.Len(t, ended, 2)
	for i, want := range []string{"a", "b"} {
		v, ok := attr(ended[i].Attributes(), "coordinator.instance")
		require.True(t, ok)
		require.Equal(t, want, v.AsString())
		waiters, _ := attr(ended[i].Attributes(), "waiters")
		delivered, _ := attr(ended[i].Attributes(), "delivered")
		require.Equal(t, waiters.AsInt64(), delivered.AsInt64())
	}
}

func TestHTTPAndRPCSpansNest(t *testing.T) {
	bus, rec, detach := newRecorder(t)
	defer detach()

	ctx, _ := reqid.NewContext(context.Background())
	req := httptest.NewRequest("POST", "/graphql", nil)
	eventbus.PublishTo(ctx, bus, events.HTTPStart{Request: req})
	eventbus.PublishTo(ctx, bus, events.RPCStart{Method: "/sysinfo.v1.SystemInfo/GetCPU", Target: "h:1"})
	eventbus.PublishTo(ctx, bus, events.RPCFinish{Method: "/sysinfo.v1.SystemInfo/GetCPU", Target: "h:1", Code: grpccodes.Unavailable, Err: errors.New("down")})
	eventbus.PublishTo(ctx, bus, events.HTTPFinish{Request: req, Status: 200})

	ended := rec.Ended()
	require.Len(t, ended, 2)
	rpcSpan, httpSpan := ended[0], ended[1]
	require.Equal(t, "grpc.client", rpcSpan.Name())
	require.Equal(t, "http.request", httpSpan.Name())
	require.Equal(t, httpSpan.SpanContext().SpanID(), rpcSpan.Parent().SpanID())
	require.Equal(t, codes.Error, rpcSpan.Status().Code)
	require.Len(t, rpcSpan.Events(), 1)

	v, _ := attr(rpcSpan.Attributes(), "rpc.method")
	require.Equal(t, "GetCPU", v.AsString())
	v, _ = attr(rpcSpan.Attributes(), "rpc.service")
	require.Equal(t, "sysinfo.v1.SystemInfo", v.AsString())
}

func TestDetachStopsSpans(t *testing.T) {
	bus, rec, detach := newRecorder(t)
	detach()
	eventbus.PublishTo(context.Background(), bus, events.StorageAvailableChanged{ID: "u", Old: 1, New: 2})
	require.Empty(t, rec.Ended())
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), eventbus.New(), "", "sysinfo")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSplitMethod(t *testing.T) {
	s, m := splitMethod("/a.B/C")
	require.Equal(t, "a.B", s)
	require.Equal(t, "C", m)
	s, m = splitMethod("bare")
	require.Empty(t, s)
	require.Equal(t, "bare", m)
}
