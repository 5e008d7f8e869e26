// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

// Status is the outcome of a call as produced by the server handler.
// Exactly one Status is delivered per call.
type Status struct {
	Code    codes.Code
	Message string
}

// OK is the status of a successful call.
var OK = Status{Code: codes.OK}

// Err returns nil for an OK status and a *StatusError otherwise.
func (s Status) Err() error {
	if s.Code == codes.OK {
		return nil
	}
	return &StatusError{Status: s}
}

func (s Status) String() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// StatusError is an application-level failure: the call completed, but the
// handler could not satisfy the request.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "cqrpc: rpc failed: " + e.Status.String()
}

// Errorf builds a StatusError with the given code, for handlers that want to
// control the status code returned to the caller.
func Errorf(code codes.Code, format string, args ...interface{}) error {
	return &StatusError{Status: Status{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Code extracts the status code carried by err. nil maps to codes.OK,
// errors without a status map to codes.Unknown.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status.Code
	}
	return codes.Unknown
}

// statusFromError converts a handler error into the status sent to the
// client.
func statusFromError(err error) Status {
	if err == nil {
		return OK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return Status{Code: codes.Internal, Message: err.Error()}
}
