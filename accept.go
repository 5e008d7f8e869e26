// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

// DefaultMaxBacklog is the default number of inbound calls per method that
// may wait for an acceptor.
const DefaultMaxBacklog = 1024

// ServerCall is one inbound call as seen by the server state machine.
type ServerCall struct {
	ID      uuid.UUID
	Method  string
	Payload []byte

	responder Responder
	cq        *CompletionQueue
}

func (c *ServerCall) bind(method string, payload []byte, r Responder) {
	c.ID = uuid.New()
	c.Method = method
	c.Payload = payload
	c.responder = r
}

// Finish hands the response to the transport and returns immediately. Once
// the write completed, (tag, ok) is pushed on the queue the call was
// requested on; ok is false when the response could not be written.
func (c *ServerCall) Finish(payload []byte, st Status, tag Tag) {
	r, cq, method := c.responder, c.cq, c.Method
	go func() {
		err := r.Respond(payload, st)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"method": method,
				"tag":    tag.String(),
			}).WithError(err).Debug("deliver response failed")
		}
		cq.Push(tag, err == nil)
	}()
}

type acceptor struct {
	call *ServerCall
	cq   *CompletionQueue
	tag  Tag
}

type backlogged struct {
	payload []byte
	r       Responder
}

type methodQueue struct {
	acceptors []acceptor
	backlog   []backlogged
}

// acceptHub pairs inbound calls with armed acceptors. Calls arriving while
// no acceptor is armed wait in a bounded per-method backlog.
type acceptHub struct {
	mu         sync.Mutex
	methods    map[string]*methodQueue
	maxBacklog int
	closed     bool
}

func newAcceptHub(maxBacklog int) *acceptHub {
	return &acceptHub{
		methods:    make(map[string]*methodQueue),
		maxBacklog: maxBacklog,
	}
}

func (h *acceptHub) addMethod(method string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.methods[method]; !ok {
		h.methods[method] = &methodQueue{}
	}
}

// Methods implements Inbound.
func (h *acceptHub) Methods() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.methods))
	for name := range h.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// requestCall arms an acceptor for method. When a call arrives, call is
// filled and (tag, true) is pushed on cq. On shutdown (tag, false) is
// pushed instead.
func (h *acceptHub) requestCall(method string, call *ServerCall, cq *CompletionQueue, tag Tag) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	q, ok := h.methods[method]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownMethod
	}
	call.cq = cq
	if len(q.backlog) > 0 {
		b := q.backlog[0]
		q.backlog[0] = backlogged{}
		q.backlog = q.backlog[1:]
		h.mu.Unlock()
		call.bind(method, b.payload, b.r)
		cq.Push(tag, true)
		return nil
	}
	q.acceptors = append(q.acceptors, acceptor{call: call, cq: cq, tag: tag})
	h.mu.Unlock()
	return nil
}

// Arrive implements Inbound.
func (h *acceptHub) Arrive(method string, payload []byte, r Responder) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		reject(r, codes.Unavailable, "server shutting down")
		return
	}
	q, ok := h.methods[method]
	if !ok {
		h.mu.Unlock()
		reject(r, codes.Unimplemented, "unknown method "+method)
		return
	}
	if len(q.acceptors) > 0 {
		a := q.acceptors[0]
		q.acceptors[0] = acceptor{}
		q.acceptors = q.acceptors[1:]
		h.mu.Unlock()
		a.call.bind(method, payload, r)
		a.cq.Push(a.tag, true)
		return
	}
	if h.maxBacklog > 0 && len(q.backlog) >= h.maxBacklog {
		h.mu.Unlock()
		reject(r, codes.ResourceExhausted, "backlog full for "+method)
		return
	}
	q.backlog = append(q.backlog, backlogged{payload: payload, r: r})
	h.mu.Unlock()
}

// close refuses further calls, cancels every armed acceptor and rejects
// the backlog.
func (h *acceptHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var (
		acceptors []acceptor
		backlog   []backlogged
	)
	for _, q := range h.methods {
		acceptors = append(acceptors, q.acceptors...)
		backlog = append(backlog, q.backlog...)
		q.acceptors, q.backlog = nil, nil
	}
	h.mu.Unlock()

	for _, a := range acceptors {
		a.cq.Push(a.tag, false)
	}
	for _, b := range backlog {
		reject(b.r, codes.Unavailable, "server shutting down")
	}
}

func reject(r Responder, code codes.Code, msg string) {
	if err := r.Respond(nil, Status{Code: code, Message: msg}); err != nil {
		logger.WithError(err).Debug("reject call failed")
	}
}

type reply struct {
	payload []byte
	st      Status
}

// chanResponder hands the reply to a transport goroutine that is blocked
// serving the call, as the gRPC and HTTP transports are.
type chanResponder struct {
	ctx  context.Context
	done chan reply
}

func newChanResponder(ctx context.Context) *chanResponder {
	return &chanResponder{ctx: ctx, done: make(chan reply, 1)}
}

func (r *chanResponder) Respond(payload []byte, st Status) error {
	if err := r.ctx.Err(); err != nil {
		return errors.Wrap(err, "caller gone")
	}
	r.done <- reply{payload: payload, st: st}
	return nil
}
