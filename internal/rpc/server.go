// Package rpc serves the sysinfo.v1.SystemInfo gRPC service from the
// descriptors built by internal/protoreg, and provides a client for it.
// Messages are dynamicpb values, so no generated code is involved.
package rpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	eventbus "github.com/hanpama/sysinfo/internal/eventbus"
	events "github.com/hanpama/sysinfo/internal/events"
	"github.com/hanpama/sysinfo/internal/hub"
	"github.com/hanpama/sysinfo/internal/protoreg"
	reqid "github.com/hanpama/sysinfo/internal/reqid"
)

// RequestIDKey is the metadata key carrying the request id.
const RequestIDKey = "x-request-id"

// Source provides the payloads behind the RPC methods. *hub.Hub implements it.
type Source interface {
	Get(ctx context.Context, kind hub.Kind) (any, error)
}

type ServerOption func(*serverOptions)

type serverOptions struct {
	logger *slog.Logger
	extra  []grpc.ServerOption
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// WithGRPCOptions passes options through to grpc.NewServer.
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(o *serverOptions) { o.extra = append(o.extra, opts...) }
}

// Server is a gRPC server with SystemInfo and the standard health service
// registered.
type Server struct {
	reg    *protoreg.Registry
	logger *slog.Logger
	grpc   *grpc.Server
	health *health.Server
}

func NewServer(src Source, reg *protoreg.Registry, opts ...ServerOption) *Server {
	o := serverOptions{}
	for _, f := range opts {
		f(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{reg: reg, logger: o.logger, health: health.NewServer()}

	gopts := append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.observe)}, o.extra...)
	s.grpc = grpc.NewServer(gopts...)
	s.grpc.RegisterService(s.serviceDesc(), src)
	healthpb.RegisterHealthServer(s.grpc, s.health)

	svc := string(reg.Service().FullName())
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(svc, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error { return s.grpc.Serve(lis) }

// GracefulStop marks the server not serving and waits for pending RPCs.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

func (s *Server) serviceDesc() *grpc.ServiceDesc {
	sd := &grpc.ServiceDesc{
		ServiceName: string(s.reg.Service().FullName()),
		HandlerType: (*Source)(nil),
		Metadata:    s.reg.File().Path(),
	}
	for _, m := range s.reg.Methods() {
		sd.Methods = append(sd.Methods, grpc.MethodDesc{
			MethodName: m.Root.Method,
			Handler:    s.methodHandler(m),
		})
	}
	return sd
}

func (s *Server) methodHandler(m protoreg.Method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := protoreg.FullMethodName(m.Root.Method)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := dynamicpb.NewMessage(m.Descriptor.Input())
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, _ any) (any, error) {
			payload, err := srv.(Source).Get(ctx, hub.Kind(m.Root.Field))
			if err != nil {
				return nil, statusOf(err)
			}
			out, err := protoreg.Encode(m.Descriptor.Output(), payload)
			if err != nil {
				return nil, statusOf(err)
			}
			return out, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
	}
}

// observe attaches the request id, publishes RPC events and logs one line per
// call.
func (s *Server) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var id string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(RequestIDKey); len(v) > 0 {
			id = v[0]
		}
	}
	ctx, _ = reqid.WithID(ctx, id)

	target := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		target = p.Addr.String()
	}

	start := time.Now()
	eventbus.Publish(ctx, events.RPCStart{Method: info.FullMethod, Target: target, Server: true})
	resp, err := handler(ctx, req)
	dur := time.Since(start)
	code := status.Code(err)
	eventbus.Publish(ctx, events.RPCFinish{
		Method:   info.FullMethod,
		Target:   target,
		Server:   true,
		Code:     code,
		Err:      err,
		Duration: dur,
	})

	if err != nil {
		s.logger.Warn("rpc failed", "method", info.FullMethod, "code", code.String(), "duration", dur, "error", err)
		return resp, err
	}
	s.logger.Debug("rpc", "method", info.FullMethod, "duration", dur, "resp", compactJSON(resp))
	return resp, nil
}

func compactJSON(msg any) string {
	if m, ok := msg.(proto.Message); ok {
		b, err := protojson.MarshalOptions{EmitUnpopulated: true}.Marshal(m)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%T", msg)
}
