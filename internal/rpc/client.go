package rpc

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/sysinfo/internal/hub"
	"github.com/hanpama/sysinfo/internal/protoreg"
	"github.com/hanpama/sysinfo/internal/sysinfo"
)

// Client is a typed SystemInfo client over a Transport.
type Client struct {
	t   *Transport
	reg *protoreg.Registry
}

func NewClient(t *Transport, reg *protoreg.Registry) *Client {
	return &Client{t: t, reg: reg}
}

func (c *Client) CPU(ctx context.Context) (sysinfo.CPUInfo, error) {
	var out sysinfo.CPUInfo
	err := c.invoke(ctx, hub.CPU, &out)
	return out, err
}

func (c *Client) Memory(ctx context.Context) (sysinfo.MemoryInfo, error) {
	var out sysinfo.MemoryInfo
	err := c.invoke(ctx, hub.Memory, &out)
	return out, err
}

func (c *Client) Storage(ctx context.Context) (sysinfo.StorageInfo, error) {
	var out sysinfo.StorageInfo
	err := c.invoke(ctx, hub.Storage, &out)
	return out, err
}

// Get mirrors hub.Hub.Get over the network.
func (c *Client) Get(ctx context.Context, kind hub.Kind) (any, error) {
	switch kind {
	case hub.CPU:
		return c.CPU(ctx)
	case hub.Memory:
		return c.Memory(ctx)
	case hub.Storage:
		return c.Storage(ctx)
	}
	return nil, fmt.Errorf("%w: %q", hub.ErrUnknownKind, kind)
}

func (c *Client) invoke(ctx context.Context, kind hub.Kind, out any) error {
	var method protoreg.Method
	found := false
	for _, m := range c.reg.Methods() {
		if m.Root.Field == string(kind) {
			method, found = m, true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q", hub.ErrUnknownKind, kind)
	}
	req := dynamicpb.NewMessage(method.Descriptor.Input())
	resp, err := c.t.Call(ctx, method.Descriptor, req)
	if err != nil {
		return err
	}
	return protoreg.Decode(resp, out)
}
