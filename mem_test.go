// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// transportMem is an in-process transport registered for tests only.
const transportMem = "mem"

var (
	memMu        sync.Mutex
	memListeners = make(map[string]*memListener)
	memSeq       atomic.Uint32
)

func init() {
	registerTransport(transportMem, dialMem, listenMem)
}

func listenMem(_ string, _ *serverOptions) (Listener, error) {
	l := newMemListener()
	memMu.Lock()
	memListeners[l.addr] = l
	memMu.Unlock()
	return l, nil
}

func dialMem(_ context.Context, addr string, _ *dialOptions) (ClientConn, error) {
	memMu.Lock()
	defer memMu.Unlock()
	l, ok := memListeners[addr]
	if !ok {
		return nil, fmt.Errorf("mem: no listener at %s", addr)
	}
	return &memConn{lis: l}, nil
}

// memListener is an in-process Listener: memConn calls arrive on the
// Inbound handed to Serve without touching the network.
type memListener struct {
	addr      string
	in        Inbound
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newMemListener() *memListener {
	return &memListener{
		addr:  fmt.Sprintf("mem:%d", memSeq.Add(1)),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (l *memListener) Serve(ctx context.Context, in Inbound) error {
	l.in = in
	close(l.ready)
	select {
	case <-ctx.Done():
	case <-l.done:
	}
	return nil
}

func (l *memListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		memMu.Lock()
		delete(memListeners, l.addr)
		memMu.Unlock()
	})
	return nil
}

func (l *memListener) Addr() string { return l.addr }

type memConn struct {
	lis *memListener
}

func (c *memConn) StartUnary(ctx context.Context, method string, payload []byte, result *Result, cq *CompletionQueue, tag Tag) {
	go func() {
		select {
		case <-c.lis.ready:
		case <-ctx.Done():
			cq.Push(tag, false)
			return
		}
		c.lis.in.Arrive(method, payload, &memResponder{result: result, cq: cq, tag: tag})
	}()
}

func (c *memConn) Close() error { return nil }

type memResponder struct {
	once   sync.Once
	result *Result
	cq     *CompletionQueue
	tag    Tag
}

func (r *memResponder) Respond(payload []byte, st Status) error {
	r.once.Do(func() {
		r.result.Payload = payload
		r.result.Status = st
		r.cq.Push(r.tag, true)
	})
	return nil
}

// memServer is a running Server on a memListener.
type memServer struct {
	*Server
	conn *memConn

	stopOnce sync.Once
	cancel   context.CancelFunc
	errc     chan error
}

// startMemServer registers the methods with reg, starts Serve and waits
// until the listener is up. The server is stopped on cleanup.
func startMemServer(t *testing.T, reg func(*Server), opts ...ServerOption) *memServer {
	t.Helper()
	lis := newMemListener()
	srv := NewServer(lis, opts...)
	reg(srv)

	ctx, cancel := context.WithCancel(context.Background())
	ms := &memServer{
		Server: srv,
		conn:   &memConn{lis: lis},
		cancel: cancel,
		errc:   make(chan error, 1),
	}
	go func() { ms.errc <- srv.Serve(ctx) }()
	<-lis.ready
	t.Cleanup(func() { ms.stop(t) })
	return ms
}

// stop cancels Serve and waits for it to return.
func (ms *memServer) stop(t *testing.T) {
	ms.stopOnce.Do(func() {
		ms.cancel()
		require.NoError(t, <-ms.errc)
	})
}

func (ms *memServer) call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return NewCall(ms.conn, method).DoRaw(ctx, payload)
}

func echo(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}
