// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

// ErrZAPInvalidResp marks a response frame the client cannot parse.
var ErrZAPInvalidResp = errors.New("zap: invalid response")

// MessageType identifies ZAP message types
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
)

const (
	zapMaxFrame     = 64 * 1024 * 1024 // 64MB max
	zapMaxMessage   = 1<<16 - 1        // status message length is a uint16
	zapWriteTimeout = 30 * time.Second

	// type, request id, code and message length
	zapResponseHeader = 1 + 4 + 4 + 2
)

// encodeZAPRequest frames a request:
// [4 len][1 type][4 reqID][2 methodLen][method][payload]
func encodeZAPRequest(requestID uint32, method string, payload []byte) []byte {
	msgLen := 1 + 4 + 2 + len(method) + len(payload)
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(MsgRequest)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(method)))
	copy(buf[11:], method)
	copy(buf[11+len(method):], payload)
	return buf
}

// encodeZAPResponse frames a response:
// [4 len][1 type][4 reqID][4 code][2 msgLen][message][payload]
// Messages longer than zapMaxMessage are cut. A response that would not fit
// in zapMaxFrame is replaced by codes.ResourceExhausted without payload.
func encodeZAPResponse(requestID uint32, payload []byte, st Status) []byte {
	if len(st.Message) > zapMaxMessage {
		st.Message = st.Message[:zapMaxMessage]
	}
	if zapResponseHeader+len(st.Message)+len(payload) > zapMaxFrame {
		st = Status{
			Code:    codes.ResourceExhausted,
			Message: fmt.Sprintf("response of %d bytes exceeds the %d byte frame limit", len(payload), zapMaxFrame),
		}
		payload = nil
	}
	msgLen := zapResponseHeader + len(st.Message) + len(payload)
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(MsgResponse)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	binary.BigEndian.PutUint32(buf[9:13], uint32(st.Code))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(st.Message)))
	copy(buf[15:], st.Message)
	copy(buf[15+len(st.Message):], payload)
	return buf
}

// decodeZAPResponse parses a response frame read by readZAPFrame.
func decodeZAPResponse(msg []byte) (requestID uint32, payload []byte, st Status, err error) {
	if len(msg) < zapResponseHeader || MessageType(msg[0]) != MsgResponse {
		return 0, nil, Status{}, ErrZAPInvalidResp
	}
	requestID = binary.BigEndian.Uint32(msg[1:5])
	code := codes.Code(binary.BigEndian.Uint32(msg[5:9]))
	textLen := int(binary.BigEndian.Uint16(msg[9:11]))
	if len(msg) < zapResponseHeader+textLen {
		return 0, nil, Status{}, ErrZAPInvalidResp
	}
	st = Status{Code: code, Message: string(msg[zapResponseHeader : zapResponseHeader+textLen])}
	return requestID, msg[zapResponseHeader+textLen:], st, nil
}

// readZAPFrame reads one length-prefixed frame, without its length.
func readZAPFrame(r io.Reader, header []byte) ([]byte, error) {
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen == 0 || msgLen > zapMaxFrame {
		return nil, errors.Errorf("zap: invalid frame length %d", msgLen)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ZAPConn is the client side of a ZAP connection. Any number of calls may
// be in flight; replies are matched to calls by request id.
type ZAPConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	pending  sync.Map // requestID -> *zapPending
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}
	log      logrus.FieldLogger
}

type zapPending struct {
	result *Result
	cq     *CompletionQueue
	tag    Tag

	mu   sync.Mutex
	stop func() bool
	done bool
}

func (p *zapPending) setStop(stop func() bool) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		stop()
		return
	}
	p.stop = stop
	p.mu.Unlock()
}

func (p *zapPending) finish() {
	p.mu.Lock()
	p.done = true
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// ZAPDial connects to a ZAP server
func ZAPDial(ctx context.Context, addr string) (*ZAPConn, error) {
	return zapDial(ctx, addr, logger)
}

func zapDial(ctx context.Context, addr string, log logrus.FieldLogger) (*ZAPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "zap dial")
	}

	zc := &ZAPConn{
		conn:     conn,
		readDone: make(chan struct{}),
		log:      log.WithField("remote", conn.RemoteAddr().String()),
	}
	go zc.readLoop()
	return zc, nil
}

func dialZAP(ctx context.Context, addr string, o *dialOptions) (ClientConn, error) {
	return zapDial(ctx, addr, o.logger)
}

// StartUnary implements ClientConn.
func (z *ZAPConn) StartUnary(ctx context.Context, method string, payload []byte, result *Result, cq *CompletionQueue, tag Tag) {
	if z.closed.Load() {
		cq.Push(tag, false)
		return
	}
	// the server drops the connection on an oversized frame, so only this
	// call fails
	if len(method) > zapMaxMessage || 1+4+2+len(method)+len(payload) > zapMaxFrame {
		z.log.WithFields(logrus.Fields{
			"method": method,
			"size":   len(payload),
		}).Warn("zap request exceeds frame limit")
		cq.Push(tag, false)
		return
	}

	requestID := z.nextID.Add(1)
	p := &zapPending{result: result, cq: cq, tag: tag}
	z.pending.Store(requestID, p)
	p.setStop(context.AfterFunc(ctx, func() { z.fail(requestID) }))

	// readLoop fails everything pending after readDone is closed, so a
	// call stored after that point has to fail itself.
	select {
	case <-z.readDone:
		z.fail(requestID)
		return
	default:
	}

	buf := encodeZAPRequest(requestID, method, payload)
	z.writeMu.Lock()
	_, err := z.conn.Write(buf)
	z.writeMu.Unlock()
	if err != nil {
		z.log.WithError(err).WithField("method", method).Debug("zap write failed")
		z.fail(requestID)
	}
}

func (z *ZAPConn) fail(requestID uint32) {
	v, ok := z.pending.LoadAndDelete(requestID)
	if !ok {
		return
	}
	p := v.(*zapPending)
	p.finish()
	p.cq.Push(p.tag, false)
}

func (z *ZAPConn) complete(requestID uint32, payload []byte, st Status) {
	v, ok := z.pending.LoadAndDelete(requestID)
	if !ok {
		return
	}
	p := v.(*zapPending)
	p.finish()
	p.result.Payload = payload
	p.result.Status = st
	p.cq.Push(p.tag, true)
}

func (z *ZAPConn) readLoop() {
	defer func() {
		close(z.readDone)
		z.pending.Range(func(key, _ interface{}) bool {
			z.fail(key.(uint32))
			return true
		})
	}()

	header := make([]byte, 4)
	for {
		msg, err := readZAPFrame(z.conn, header)
		if err != nil {
			if !z.closed.Load() {
				z.log.WithError(err).Debug("zap read loop ended")
			}
			return
		}
		requestID, payload, st, err := decodeZAPResponse(msg)
		if err != nil {
			z.log.WithError(err).Warn("dropping frame")
			continue
		}
		z.complete(requestID, payload, st)
	}
}

// Close closes the connection
func (z *ZAPConn) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	return z.conn.Close()
}

// zapListener is the server side of the ZAP transport.
type zapListener struct {
	listener net.Listener
	conns    sync.Map
	closed   atomic.Bool
	log      logrus.FieldLogger
}

func listenZAP(addr string, o *serverOptions) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &zapListener{
		listener: l,
		log:      o.logger.WithField("transport", TransportZAP),
	}, nil
}

// Serve implements Listener.
func (s *zapListener) Serve(ctx context.Context, in Inbound) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return errors.Wrap(err, "zap accept")
		}
		go s.handleConn(conn, in)
	}
}

type zapServerConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *zapServerConn) write(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(zapWriteTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(buf)
	return err
}

type zapResponder struct {
	conn      *zapServerConn
	requestID uint32
}

func (r *zapResponder) Respond(payload []byte, st Status) error {
	return r.conn.write(encodeZAPResponse(r.requestID, payload, st))
}

func (s *zapListener) handleConn(conn net.Conn, in Inbound) {
	defer conn.Close()
	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)
	if s.closed.Load() {
		return
	}

	sc := &zapServerConn{conn: conn}
	header := make([]byte, 4)
	for {
		msg, err := readZAPFrame(conn, header)
		if err != nil {
			return
		}
		if len(msg) < 7 || MessageType(msg[0]) != MsgRequest {
			continue
		}
		requestID := binary.BigEndian.Uint32(msg[1:5])
		methodLen := binary.BigEndian.Uint16(msg[5:7])
		if len(msg) < 7+int(methodLen) {
			continue
		}
		method := string(msg[7 : 7+methodLen])
		payload := msg[7+methodLen:]

		in.Arrive(method, payload, &zapResponder{conn: sc, requestID: requestID})
	}
}

// Close implements Listener.
func (s *zapListener) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.conns.Range(func(key, _ interface{}) bool {
		key.(net.Conn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr implements Listener.
func (s *zapListener) Addr() string {
	return s.listener.Addr().String()
}
