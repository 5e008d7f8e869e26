// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// clientTag tags the only operation a Call ever has in flight. The queue is
// private to the call, so a single fixed value is enough.
const clientTag Tag = 1

// Call is a single-use handle for one unary call. It submits the request
// asynchronously and then waits on its own completion queue for the one
// event the transport produces.
type Call struct {
	conn   ClientConn
	method string
	codec  Codec

	used   atomic.Bool
	result Result
}

// CallOption configures a Call.
type CallOption func(*Call)

// WithCallCodec sets the codec used by Do.
func WithCallCodec(c Codec) CallOption {
	return func(call *Call) { call.codec = c }
}

// NewCall creates a handle for one call of method over conn.
func NewCall(conn ClientConn, method string, opts ...CallOption) *Call {
	c := &Call{
		conn:   conn,
		method: method,
		codec:  defaultCodec,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do encodes req, performs the call and decodes the reply into resp.
// resp may be nil when the reply is not needed.
func (c *Call) Do(ctx context.Context, req, resp interface{}) error {
	payload, err := c.codec.Encode(req)
	if err != nil {
		return errors.Wrap(err, "encode request failed")
	}
	out, err := c.DoRaw(ctx, payload)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := c.codec.Decode(out, resp); err != nil {
		return errors.Wrap(err, "decode response failed")
	}
	return nil
}

// DoRaw performs the call with an already encoded payload. The payload must
// not be modified until DoRaw returns.
//
// A non-OK server status is returned as *StatusError. ErrAborted means the
// call never completed.
func (c *Call) DoRaw(ctx context.Context, payload []byte) ([]byte, error) {
	if c.used.Swap(true) {
		return nil, ErrCallUsed
	}

	cq := NewCompletionQueue()
	defer cq.Shutdown()

	c.conn.StartUnary(ctx, c.method, payload, &c.result, cq, clientTag)

	ev, ok := cq.Next()
	if !ok {
		return nil, errors.Wrapf(ErrAborted, "%s: queue shut down", c.method)
	}
	if ev.Tag != clientTag {
		return nil, errors.Wrapf(ErrProtocolViolation, "%s: got tag %s, want %s", c.method, ev.Tag, clientTag)
	}
	if !ev.OK {
		return nil, errors.Wrap(ErrAborted, c.method)
	}
	if err := c.result.Status.Err(); err != nil {
		return nil, err
	}
	return c.result.Payload, nil
}

// Status returns the status delivered for the call. It is only meaningful
// after Do or DoRaw returned.
func (c *Call) Status() Status {
	return c.result.Status
}
