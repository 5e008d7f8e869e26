// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cqrpc provides asynchronous unary RPC built around completion
// queues. Every asynchronous operation is identified by a Tag; when it
// finishes, its transport pushes (tag, ok) on a CompletionQueue and a
// consumer blocked in Next picks it up.
//
// # Client
//
// A Call is a single-use handle. It submits the request without blocking,
// then waits on its own private queue for the one event the transport
// produces:
//
//	conn, err := cqrpc.Dial(ctx, "127.0.0.1:50051")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	var resp RecvTensorResponse
//	err = conn.Invoke(ctx, "WorkerService/RecvTensor", &RecvTensorRequest{Key: 3}, &resp)
//
// A non-OK server status comes back as *StatusError; ErrAborted means the
// call never completed.
//
// # Server
//
// The server keeps, per method, a call instance armed in StateCreate. When
// a call arrives the instance arms its successor, runs the handler, submits
// the response and waits in StateFinish for delivery, after which it is
// released. Instances are addressed by generation-checked tags, so an event
// for a released instance is detected as a protocol violation instead of
// reaching a reused slot.
//
//	lis, err := cqrpc.Listen(":50051")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv := cqrpc.NewServer(lis, cqrpc.WithDispatchLoops(4))
//	cqrpc.RegisterUnary(srv, "WorkerService/RecvTensor", recvTensor)
//	srv.Serve(ctx)
//
// # Transport Selection
//
// ZAP (length-prefixed frames over TCP) is the default transport. gRPC and
// JSON-RPC 2.0 over HTTP are selected by name:
//
//	cqrpc.Dial(ctx, addr, cqrpc.WithTransport(cqrpc.TransportGRPC))
//	cqrpc.Listen(addr, cqrpc.WithServerTransport(cqrpc.TransportJSON))
//
// # Architecture
//
//   - cq.go: CompletionQueue
//   - registry.go: Tag and the generation-checked instance registry
//   - call.go: client call handle
//   - calldata.go: server call state machine
//   - server.go: Server and its dispatch loops
//   - accept.go: pairing of inbound calls with armed instances
//   - transport.go, dial.go: transport registry, Dial and Listen
//   - zap.go, grpc.go, json.go: transports
package cqrpc
