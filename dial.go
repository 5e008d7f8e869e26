// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"context"

	"github.com/pkg/errors"
)

// Conn is a client connection bound to a codec. It hands out single-use
// call handles.
type Conn struct {
	ClientConn
	codec Codec
}

// Dial connects to a server using the default transport (ZAP).
// Use WithTransport for transport selection.
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Conn, error) {
	o := newDialOptions(opts)
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, errors.Errorf("unknown transport: %s", o.transport)
	}
	cc, err := t.dial(ctx, addr, o)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s %s", o.transport, addr)
	}
	return &Conn{ClientConn: cc, codec: o.codec}, nil
}

// Listen creates a listener using the default transport (ZAP).
func Listen(addr string, opts ...ServerOption) (Listener, error) {
	o := newServerOptions(opts)
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, errors.Errorf("unknown transport: %s", o.transport)
	}
	lis, err := t.listen(addr, o)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s %s", o.transport, addr)
	}
	return lis, nil
}

// NewCall returns a single-use handle for one call of method.
func (c *Conn) NewCall(method string) *Call {
	return NewCall(c.ClientConn, method, WithCallCodec(c.codec))
}

// Invoke performs one call of method with a fresh handle.
func (c *Conn) Invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.NewCall(method).Do(ctx, req, resp)
}
