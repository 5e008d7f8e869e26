// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	rpc "github.com/gorilla/rpc/v2/json2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

// jsonPath is the HTTP endpoint serving JSON-RPC 2.0 requests.
const jsonPath = "/rpc"

// jsonPayload carries an encoded payload as JSON-RPC params or result.
type jsonPayload struct {
	Payload []byte `json:"payload"`
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
// This avoids EOF errors that can occur with connection pooling in complex
// process hierarchies.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	// Drain any remaining data to allow connection reuse
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

type jsonClient struct {
	url    string
	client *http.Client
	log    logrus.FieldLogger
}

func dialJSON(_ context.Context, addr string, o *dialOptions) (ClientConn, error) {
	return &jsonClient{
		url:    "http://" + addr + jsonPath,
		client: newHTTPClient(),
		log:    o.logger.WithField("transport", TransportJSON),
	}, nil
}

// StartUnary implements ClientConn. Each call is one HTTP POST issued on
// its own goroutine.
func (c *jsonClient) StartUnary(ctx context.Context, method string, payload []byte, result *Result, cq *CompletionQueue, tag Tag) {
	go func() {
		st, out, err := c.send(ctx, method, payload)
		if err != nil {
			c.log.WithError(err).WithField("method", method).Debug("json call aborted")
			cq.Push(tag, false)
			return
		}
		result.Payload = out
		result.Status = st
		cq.Push(tag, true)
	}()
}

func (c *jsonClient) send(ctx context.Context, method string, payload []byte) (Status, []byte, error) {
	body, err := rpc.EncodeClientRequest(method, &jsonPayload{Payload: payload})
	if err != nil {
		return Status{}, nil, errors.Wrap(err, "failed to encode client params")
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(body))
	if err != nil {
		return Status{}, nil, errors.Wrap(err, "failed to create request")
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(request)
	if err != nil {
		return Status{}, nil, errors.Wrap(err, "failed to issue request")
	}
	defer CleanlyCloseBody(resp.Body)

	// Return an error for any non successful status code
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Status{}, nil, errors.Errorf("received status code: %d", resp.StatusCode)
	}

	var reply jsonPayload
	err = rpc.DecodeClientResponse(resp.Body, &reply)
	if err == nil {
		return OK, reply.Payload, nil
	}
	var jerr *rpc.Error
	if errors.As(err, &jerr) {
		return Status{Code: jsonErrorCode(jerr), Message: jerr.Message}, nil, nil
	}
	return Status{}, nil, errors.Wrap(err, "failed to decode client response")
}

// Close implements ClientConn. Keep-alives are disabled, so there is
// nothing to release beyond idle transports.
func (c *jsonClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// jsonErrorCode recovers the status code carried in the error data.
func jsonErrorCode(e *rpc.Error) codes.Code {
	if f, ok := e.Data.(float64); ok {
		return codes.Code(f)
	}
	if e.Code == rpc.E_NO_METHOD {
		return codes.Unimplemented
	}
	return codes.Unknown
}

// jsonListener serves JSON-RPC 2.0 over HTTP POST on jsonPath.
type jsonListener struct {
	lis net.Listener
	log logrus.FieldLogger

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

func listenJSON(addr string, o *serverOptions) (Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &jsonListener{lis: lis, log: o.logger.WithField("transport", TransportJSON)}, nil
}

// Serve implements Listener.
func (l *jsonListener) Serve(ctx context.Context, in Inbound) error {
	mux := http.NewServeMux()
	mux.HandleFunc(jsonPath, func(w http.ResponseWriter, r *http.Request) {
		l.handle(w, r, in)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

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
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "json serve")
}

func (l *jsonListener) handle(w http.ResponseWriter, r *http.Request, in Inbound) {
	if r.Method != http.MethodPost {
		http.Error(w, "rpc: POST method required, received "+r.Method, http.StatusMethodNotAllowed)
		return
	}
	cr := rpc.NewCodec().NewRequest(r)
	method, err := cr.Method()
	if err != nil {
		cr.WriteError(w, http.StatusBadRequest, err)
		return
	}
	var params jsonPayload
	if err := cr.ReadRequest(&params); err != nil {
		cr.WriteError(w, http.StatusBadRequest, err)
		return
	}

	rsp := newChanResponder(r.Context())
	in.Arrive(method, params.Payload, rsp)
	select {
	case rep := <-rsp.done:
		if rep.st.Code == codes.OK {
			cr.WriteResponse(w, &jsonPayload{Payload: rep.payload})
			return
		}
		code := rpc.E_SERVER
		if rep.st.Code == codes.Unimplemented {
			code = rpc.E_NO_METHOD
		}
		cr.WriteError(w, http.StatusOK, &rpc.Error{
			Code:    code,
			Message: rep.st.Message,
			Data:    uint32(rep.st.Code),
		})
	case <-r.Context().Done():
		l.log.WithField("method", method).Debug("client went away")
	}
}

// Close implements Listener.
func (l *jsonListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	srv := l.srv
	l.mu.Unlock()

	if srv != nil {
		return srv.Close()
	}
	return l.lis.Close()
}

// Addr implements Listener.
func (l *jsonListener) Addr() string {
	return l.lis.Addr().String()
}
