package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanpama/sysinfo/internal/coord"
	"github.com/hanpama/sysinfo/internal/hub"
)

var (
	// ErrNoEndpoints indicates the provider returned no endpoints for a service.
	ErrNoEndpoints = errors.New("rpc: no endpoints available")
	// ErrClosed is returned by a closed Transport.
	ErrClosed = errors.New("rpc: transport closed")
)

// statusOf maps hub errors onto gRPC status codes.
func statusOf(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, hub.ErrQueryFailed), errors.Is(err, hub.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, coord.ErrPendingLimit):
		code = codes.ResourceExhausted
	case errors.Is(err, hub.ErrUnknownKind):
		code = codes.Unimplemented
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
