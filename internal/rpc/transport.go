package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	eventbus "github.com/hanpama/sysinfo/internal/eventbus"
	events "github.com/hanpama/sysinfo/internal/events"
	reqid "github.com/hanpama/sysinfo/internal/reqid"
)

// Transport calls unary methods described by protoreflect descriptors. It
// keeps a small pool of client connections per endpoint and rotates over
// endpoints and connections.
type Transport struct {
	opts *Options

	mu     sync.Mutex
	pools  map[string]*connPool
	next   atomic.Uint32
	closed atomic.Bool
}

func NewTransport(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Transport{opts: o, pools: make(map[string]*connPool)}
}

// Call invokes method with request and returns the decoded response.
func (t *Transport) Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.opts.Provider == nil {
		return nil, fmt.Errorf("rpc: provider not configured")
	}
	service := string(method.Parent().FullName())
	fullMethod := fmt.Sprintf("/%s/%s", service, method.Name())

	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	if id, ok := reqid.FromContext(ctx); ok {
		ctx = metadata.AppendToOutgoingContext(ctx, RequestIDKey, id)
	}

	endpoints, err := t.opts.Provider.Endpoints(ctx, service)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	endpoint := endpoints[int(t.next.Add(1)-1)%len(endpoints)]

	cc, err := t.conn(endpoint)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	eventbus.Publish(ctx, events.RPCStart{Method: fullMethod, Target: endpoint})
	resp := dynamicpb.NewMessage(method.Output())
	err = cc.Invoke(ctx, fullMethod, request, resp)
	eventbus.Publish(ctx, events.RPCFinish{
		Method:   fullMethod,
		Target:   endpoint,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes every pooled connection. Later calls fail with ErrClosed.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.close()
	}
	t.pools = map[string]*connPool{}
	return nil
}

func (t *Transport) conn(endpoint string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	pool := t.pools[endpoint]
	if pool == nil {
		pool = newConnPool(endpoint, t.opts)
		t.pools[endpoint] = pool
	}
	t.mu.Unlock()
	return pool.get()
}

// connPool grows lazily up to its limit and then rotates over its
// connections. grpc.ClientConn multiplexes calls, so connections are shared
// rather than checked out.
type connPool struct {
	endpoint string
	opts     *Options

	mu     sync.Mutex
	conns  []*grpc.ClientConn
	next   int
	closed bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	return &connPool{endpoint: endpoint, opts: opts}
}

func (p *connPool) get() (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	limit := p.opts.MaxConnsPerEndpoint
	if limit <= 0 {
		limit = 2
	}
	if len(p.conns) < limit {
		cc, err := grpc.NewClient(p.endpoint, p.opts.DialOptions...)
		if err != nil {
			return nil, fmt.Errorf("rpc: dial %s: %w", p.endpoint, err)
		}
		p.conns = append(p.conns, cc)
		return cc, nil
	}
	cc := p.conns[p.next%len(p.conns)]
	p.next++
	return cc, nil
}

func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, cc := range p.conns {
		_ = cc.Close()
	}
	p.conns = nil
}
