// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"context"

	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// ClientConn is the client side of a transport. Every transport funnels the
// outcome of a call into the completion queue supplied by the caller.
type ClientConn interface {
	// StartUnary submits a unary call and returns without waiting for the
	// reply. When the call finishes, result is filled and (tag, true) is
	// pushed on cq. If the call cannot finish (connection lost, ctx done)
	// (tag, false) is pushed and result is left untouched. Exactly one
	// event is pushed per call.
	StartUnary(ctx context.Context, method string, payload []byte, result *Result, cq *CompletionQueue, tag Tag)

	// Close closes the connection. Calls still in flight complete with
	// ok=false.
	Close() error
}

// Result receives the reply of a unary call.
type Result struct {
	Payload []byte
	Status  Status
}

// Listener is the server side of a transport.
type Listener interface {
	// Serve accepts connections and hands every inbound call to in until
	// ctx is cancelled or Close is called.
	Serve(ctx context.Context, in Inbound) error

	// Close stops accepting calls and closes open connections.
	Close() error

	// Addr returns the listen address
	Addr() string
}

// Inbound receives calls decoded by a Listener.
type Inbound interface {
	// Methods lists the registered methods, as "Service/Method".
	Methods() []string

	// Arrive hands over one inbound call. The response is written through
	// r exactly once.
	Arrive(method string, payload []byte, r Responder)
}

// Responder writes the reply of one inbound call back to its client.
type Responder interface {
	Respond(payload []byte, st Status) error
}

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec     Codec
	transport string // "zap", "grpc", "json"
	logger    logrus.FieldLogger
}

// WithCodec sets a custom codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithDialLogger sets the logger used by the connection.
func WithDialLogger(l logrus.FieldLogger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// ServerOption configures listeners and servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	codec         Codec
	transport     string
	logger        logrus.FieldLogger
	dispatchLoops int
	maxInFlight   int
	maxBacklog    int
	hook          TransitionHook
}

// WithServerCodec sets a custom codec for the server
func WithServerCodec(c Codec) ServerOption {
	return func(o *serverOptions) { o.codec = c }
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithLogger sets the logger used by the server and its listener.
func WithLogger(l logrus.FieldLogger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// WithDispatchLoops sets how many dispatch loops drain the server's
// completion queue. Values below 1 mean one loop.
func WithDispatchLoops(n int) ServerOption {
	return func(o *serverOptions) { o.dispatchLoops = n }
}

// WithMaxInFlight caps the number of live call instances per method.
// Zero means unbounded.
func WithMaxInFlight(n int) ServerOption {
	return func(o *serverOptions) { o.maxInFlight = n }
}

// WithMaxBacklog caps the inbound calls per method that wait for a free
// acceptor. Calls beyond it are answered with codes.ResourceExhausted.
func WithMaxBacklog(n int) ServerOption {
	return func(o *serverOptions) { o.maxBacklog = n }
}

// WithTransitionHook installs a hook observing every state transition.
func WithTransitionHook(h TransitionHook) ServerOption {
	return func(o *serverOptions) { o.hook = h }
}

func newServerOptions(opts []ServerOption) *serverOptions {
	o := &serverOptions{
		transport:     DefaultTransport,
		logger:        logger,
		dispatchLoops: 1,
		maxBacklog:    DefaultMaxBacklog,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.codec == nil {
		o.codec = defaultCodec
	}
	if o.dispatchLoops < 1 {
		o.dispatchLoops = 1
	}
	return o
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		transport: DefaultTransport,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.codec == nil {
		o.codec = defaultCodec
	}
	return o
}
