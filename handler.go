// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"context"

	"google.golang.org/grpc/codes"
)

// Handler computes the encoded response of a unary call from its encoded
// request. Returning a *StatusError (see Errorf) selects the status code
// sent back; any other error is reported as codes.Internal.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// RegisterUnary registers a typed handler for method. Requests and
// responses are encoded with the server's codec.
func RegisterUnary[Req, Resp any](s *Server, method string, fn func(context.Context, *Req) (*Resp, error)) error {
	codec := s.opts.codec
	return s.Register(method, func(ctx context.Context, payload []byte) ([]byte, error) {
		req := new(Req)
		if err := codec.Decode(payload, req); err != nil {
			return nil, Errorf(codes.InvalidArgument, "decode %s request: %v", method, err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return codec.Encode(resp)
	})
}
