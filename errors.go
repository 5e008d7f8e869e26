// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"github.com/pkg/errors"
)

var (
	// ErrAborted is returned when the transport reports that a call did not
	// complete (ok=false on its completion event).
	ErrAborted = errors.New("cqrpc: call aborted")

	// ErrProtocolViolation indicates an event that does not match any
	// in-flight operation. It always points at a bug in a transport or in
	// the dispatch core.
	ErrProtocolViolation = errors.New("cqrpc: protocol violation")

	// ErrStaleTag is a protocol violation on a tag that was already released.
	ErrStaleTag = errors.Wrap(ErrProtocolViolation, "stale tag")

	ErrCallUsed      = errors.New("cqrpc: call handle already used")
	ErrClosed        = errors.New("cqrpc: transport closed")
	ErrUnknownMethod = errors.New("cqrpc: unknown method")
	ErrServerRunning = errors.New("cqrpc: server already serving")
)
