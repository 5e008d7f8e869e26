// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

type statusResponder struct {
	st chan Status
}

func newStatusResponder() *statusResponder {
	return &statusResponder{st: make(chan Status, 1)}
}

func (r *statusResponder) Respond(_ []byte, st Status) error {
	r.st <- st
	return nil
}

func TestAcceptHubPairsAcceptor(t *testing.T) {
	h := newAcceptHub(DefaultMaxBacklog)
	h.addMethod(echoMethod)
	cq := NewCompletionQueue()

	var call ServerCall
	require.NoError(t, h.requestCall(echoMethod, &call, cq, 5))
	require.Zero(t, cq.Len())

	h.Arrive(echoMethod, []byte("x"), newStatusResponder())
	ev, ok := cq.Next()
	require.True(t, ok)
	require.Equal(t, Event{Tag: 5, OK: true}, ev)
	require.Equal(t, echoMethod, call.Method)
	require.Equal(t, []byte("x"), call.Payload)
}

func TestAcceptHubBacklog(t *testing.T) {
	h := newAcceptHub(1)
	h.addMethod(echoMethod)
	cq := NewCompletionQueue()

	h.Arrive(echoMethod, []byte("first"), newStatusResponder())

	full := newStatusResponder()
	h.Arrive(echoMethod, []byte("second"), full)
	require.Equal(t, codes.ResourceExhausted, (<-full.st).Code)

	var call ServerCall
	require.NoError(t, h.requestCall(echoMethod, &call, cq, 9))
	ev, ok := cq.Next()
	require.True(t, ok)
	require.Equal(t, Tag(9), ev.Tag)
	require.Equal(t, []byte("first"), call.Payload)
}

func TestAcceptHubClose(t *testing.T) {
	h := newAcceptHub(DefaultMaxBacklog)
	h.addMethod(echoMethod)
	h.addMethod("Other/Other")
	cq := NewCompletionQueue()

	var call ServerCall
	require.NoError(t, h.requestCall(echoMethod, &call, cq, 3))
	waiting := newStatusResponder()
	h.Arrive("Other/Other", nil, waiting)

	h.close()
	h.close()

	ev, ok := cq.Next()
	require.True(t, ok)
	require.Equal(t, Event{Tag: 3, OK: false}, ev)
	require.Equal(t, codes.Unavailable, (<-waiting.st).Code)

	late := newStatusResponder()
	h.Arrive(echoMethod, nil, late)
	require.Equal(t, codes.Unavailable, (<-late.st).Code)
	require.ErrorIs(t, h.requestCall(echoMethod, &call, cq, 4), ErrClosed)
}

func TestAcceptHubUnknownMethod(t *testing.T) {
	h := newAcceptHub(DefaultMaxBacklog)
	h.addMethod(echoMethod)

	r := newStatusResponder()
	h.Arrive("Nope/Nope", nil, r)
	require.Equal(t, codes.Unimplemented, (<-r.st).Code)
	require.ErrorIs(t, h.requestCall("Nope/Nope", &ServerCall{}, NewCompletionQueue(), 1), ErrUnknownMethod)
	require.Equal(t, []string{echoMethod}, h.Methods())
}

func TestChanResponderCallerGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newChanResponder(ctx)
	cancel()
	require.Error(t, r.Respond(nil, OK))
}
