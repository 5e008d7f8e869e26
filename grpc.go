// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// rawCodec moves already encoded payloads through gRPC untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, errors.Errorf("grpc raw codec: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return errors.Errorf("grpc raw codec: cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "cqrpc-raw" }

// grpcStatusKey is the trailer set on every non-OK status answered through
// the Inbound, so the client can tell it apart from a status gRPC itself
// produced.
const grpcStatusKey = "cqrpc-status"

// grpcAborted reports whether a failed call did not complete. A status
// carrying the grpcStatusKey trailer always completed; otherwise codes that
// only gRPC produces on transport failure mean the call was aborted.
func grpcAborted(code codes.Code, trailer metadata.MD) bool {
	if len(trailer.Get(grpcStatusKey)) > 0 {
		return false
	}
	switch code {
	case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded:
		return true
	}
	return false
}

func fullMethod(method string) string {
	if strings.HasPrefix(method, "/") {
		return method
	}
	return "/" + method
}

func dialGRPC(ctx context.Context, addr string, o *dialOptions) (ClientConn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, errors.Wrap(err, "grpc dial")
	}
	return &grpcClient{conn: conn, log: o.logger.WithField("transport", TransportGRPC)}, nil
}

type grpcClient struct {
	conn *grpc.ClientConn
	log  logrus.FieldLogger
}

// StartUnary implements ClientConn. The blocking gRPC invocation runs on
// its own goroutine and reports through cq.
func (c *grpcClient) StartUnary(ctx context.Context, method string, payload []byte, result *Result, cq *CompletionQueue, tag Tag) {
	go func() {
		var (
			out     []byte
			trailer metadata.MD
		)
		err := c.conn.Invoke(ctx, fullMethod(method), payload, &out, grpc.Trailer(&trailer))
		if err == nil {
			result.Payload = out
			result.Status = OK
			cq.Push(tag, true)
			return
		}
		st, ok := status.FromError(err)
		if !ok || grpcAborted(st.Code(), trailer) {
			c.log.WithError(err).WithField("method", method).Debug("grpc call aborted")
			cq.Push(tag, false)
			return
		}
		result.Status = Status{Code: st.Code(), Message: st.Message()}
		cq.Push(tag, true)
	}()
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}

// grpcListener serves registered methods as gRPC unary methods. Service
// descriptors are built from Inbound.Methods when Serve starts.
type grpcListener struct {
	lis net.Listener
	log logrus.FieldLogger

	mu     sync.Mutex
	srv    *grpc.Server
	closed bool
}

func listenGRPC(addr string, o *serverOptions) (Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &grpcListener{lis: lis, log: o.logger.WithField("transport", TransportGRPC)}, nil
}

// Serve implements Listener.
func (l *grpcListener) Serve(ctx context.Context, in Inbound) error {
	srv := grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	descs := serviceDescs(in)
	for _, desc := range descs {
		srv.RegisterService(desc, nil)
	}
	l.log.WithField("services", len(descs)).Debug("grpc services registered")

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.srv = srv
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	err := srv.Serve(l.lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil
	}
	return errors.Wrap(err, "grpc serve")
}

// serviceDescs groups "Service/Method" names into one descriptor per
// service.
func serviceDescs(in Inbound) []*grpc.ServiceDesc {
	byService := make(map[string]*grpc.ServiceDesc)
	var order []string
	for _, method := range in.Methods() {
		i := strings.LastIndex(method, "/")
		if i <= 0 || i == len(method)-1 {
			logger.WithField("method", method).Warn("grpc: method name is not Service/Method, skipped")
			continue
		}
		service, name := method[:i], method[i+1:]
		desc, ok := byService[service]
		if !ok {
			desc = &grpc.ServiceDesc{
				ServiceName: service,
				HandlerType: (*interface{})(nil),
			}
			byService[service] = desc
			order = append(order, service)
		}
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    grpcMethodHandler(in, method),
		})
	}
	descs := make([]*grpc.ServiceDesc, 0, len(order))
	for _, service := range order {
		descs = append(descs, byService[service])
	}
	return descs
}

func grpcMethodHandler(in Inbound, method string) grpc.MethodHandler {
	return func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		var payload []byte
		if err := dec(&payload); err != nil {
			return nil, err
		}
		r := newChanResponder(ctx)
		in.Arrive(method, payload, r)
		select {
		case rep := <-r.done:
			if rep.st.Code != codes.OK {
				if err := grpc.SetTrailer(ctx, metadata.Pairs(grpcStatusKey, "1")); err != nil {
					logger.WithError(err).WithField("method", method).Debug("grpc set trailer failed")
				}
				return nil, status.Error(rep.st.Code, rep.st.Message)
			}
			return rep.payload, nil
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
}

// Close implements Listener.
func (l *grpcListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	srv := l.srv
	l.mu.Unlock()

	if srv != nil {
		srv.Stop()
		return nil
	}
	return l.lis.Close()
}

// Addr implements Listener.
func (l *grpcListener) Addr() string {
	return l.lis.Addr().String()
}
