// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

type sumReq struct {
	A int `json:"a"`
	B int `json:"b"`
}

type sumResp struct {
	Sum int `json:"sum"`
}

// completedCodes are handler statuses that gRPC also uses for transport
// failures.
var completedCodes = []codes.Code{codes.Unavailable, codes.Canceled, codes.DeadlineExceeded}

// serveTransport starts a server with Math/Add, Math/Fail, Status/<code>
// and Echo/Echo on a loopback listener of the named transport and dials it.
func serveTransport(t *testing.T, transport string) (*Server, *Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	lis, err := Listen("127.0.0.1:0", WithServerTransport(transport))
	require.NoError(t, err)
	srv := NewServer(lis, WithDispatchLoops(2))
	require.NoError(t, RegisterUnary(srv, "Math/Add", func(_ context.Context, req *sumReq) (*sumResp, error) {
		return &sumResp{Sum: req.A + req.B}, nil
	}))
	require.NoError(t, srv.Register("Math/Fail", func(context.Context, []byte) ([]byte, error) {
		return nil, Errorf(codes.FailedPrecondition, "not today")
	}))
	require.NoError(t, srv.Register(echoMethod, echo))
	for _, code := range completedCodes {
		require.NoError(t, srv.Register("Status/"+code.String(), func(context.Context, []byte) ([]byte, error) {
			return nil, Errorf(code, "handler says %s", code)
		}))
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	conn, err := Dial(ctx, srv.Addr(), WithTransport(transport))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("Serve did not return")
		}
		require.Zero(t, srv.Stats().Live)
	})
	return srv, conn
}

func TestTransportRoundTrip(t *testing.T) {
	for _, transport := range AvailableTransports() {
		t.Run(transport, func(t *testing.T) {
			_, conn := serveTransport(t, transport)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			// the listener may still be starting; the first call can race it
			var resp sumResp
			require.Eventually(t, func() bool {
				return conn.Invoke(ctx, "Math/Add", &sumReq{A: 5, B: 3}, &resp) == nil
			}, 5*time.Second, 20*time.Millisecond)
			require.Equal(t, 8, resp.Sum)

			out, err := NewCall(conn, echoMethod, WithCallCodec(Binary)).DoRaw(ctx, []byte("hello world"))
			require.NoError(t, err)
			require.Equal(t, []byte("hello world"), out)

			err = conn.Invoke(ctx, "Math/Fail", &sumReq{}, nil)
			var se *StatusError
			require.ErrorAs(t, err, &se)
			require.Equal(t, codes.FailedPrecondition, se.Status.Code)
			require.Equal(t, "not today", se.Status.Message)

			err = conn.Invoke(ctx, "Math/Missing", &sumReq{}, nil)
			require.Equal(t, codes.Unimplemented, Code(err))

			// a handler status is a completed call on every transport
			for _, code := range completedCodes {
				err = conn.Invoke(ctx, "Status/"+code.String(), &sumReq{}, nil)
				require.NotErrorIs(t, err, ErrAborted, code.String())
				var se *StatusError
				require.ErrorAs(t, err, &se, code.String())
				require.Equal(t, code, se.Status.Code)
				require.Equal(t, "handler says "+code.String(), se.Status.Message)
			}
		})
	}
}

func TestTransportConcurrentHandles(t *testing.T) {
	for _, transport := range AvailableTransports() {
		t.Run(transport, func(t *testing.T) {
			srv, conn := serveTransport(t, transport)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			require.Eventually(t, func() bool {
				return conn.Invoke(ctx, "Math/Add", &sumReq{}, nil) == nil
			}, 5*time.Second, 20*time.Millisecond)

			const calls = 50
			var wg sync.WaitGroup
			errs := make(chan error, calls)
			for i := 0; i < calls; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					var resp sumResp
					if err := conn.Invoke(ctx, "Math/Add", &sumReq{A: i, B: i}, &resp); err != nil {
						errs <- err
						return
					}
					if resp.Sum != 2*i {
						errs <- fmt.Errorf("call %d: sum %d", i, resp.Sum)
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}
			require.Eventually(t, func() bool {
				return srv.Stats().Finished >= calls+1
			}, 5*time.Second, 10*time.Millisecond)
			require.Zero(t, srv.Stats().Violations)
		})
	}
}

func TestDialUnknownTransport(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", WithTransport("carrier-pigeon"))
	require.Error(t, err)
	_, err = Listen("127.0.0.1:0", WithServerTransport("carrier-pigeon"))
	require.Error(t, err)
}

func TestAvailableTransports(t *testing.T) {
	names := AvailableTransports()
	require.Subset(t, names, []string{TransportGRPC, TransportJSON, TransportZAP, transportMem})
	require.IsIncreasing(t, names)
	require.True(t, HasTransport(DefaultTransport))
	require.False(t, HasTransport("carrier-pigeon"))
}
