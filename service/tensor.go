// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package service

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/cqrpc"
)

// MethodRecvTensor fetches one tensor of the worker's table by key.
const MethodRecvTensor = "WorkerService/RecvTensor"

const (
	DefaultTensors     = 10
	DefaultTensorWidth = 10
)

// TensorProto is a flat tensor of doubles.
type TensorProto struct {
	DoubleVal []float64 `json:"double_val"`
}

type RecvTensorRequest struct {
	Key int64 `json:"key"`
}

type RecvTensorResponse struct {
	Tensor TensorProto `json:"tensor"`
}

// TensorTable is a fixed table of tensors built once at startup and only
// read afterwards, so lookups need no locking.
type TensorTable struct {
	tensors []TensorProto
}

// NewTensorTable builds n tensors of the given width with
// tensors[i].DoubleVal[j] = i*j.
func NewTensorTable(n, width int) *TensorTable {
	t := &TensorTable{tensors: make([]TensorProto, n)}
	for i := range t.tensors {
		vals := make([]float64, width)
		for j := range vals {
			vals[j] = float64(i * j)
		}
		t.tensors[i].DoubleVal = vals
	}
	return t
}

// Lookup returns a copy of the tensor stored under key.
func (t *TensorTable) Lookup(key int64) (TensorProto, error) {
	if key < 0 || key >= int64(len(t.tensors)) {
		return TensorProto{}, errors.Wrapf(ErrNotFound, "tensor %d", key)
	}
	src := t.tensors[key].DoubleVal
	vals := make([]float64, len(src))
	copy(vals, src)
	return TensorProto{DoubleVal: vals}, nil
}

// Len returns the number of tensors in the table.
func (t *TensorTable) Len() int {
	return len(t.tensors)
}

// Worker serves RecvTensor from a TensorTable.
type Worker struct {
	table *TensorTable
}

func NewWorker(table *TensorTable) *Worker {
	return &Worker{table: table}
}

// RecvTensor answers with the tensor for req.Key, or codes.NotFound.
func (w *Worker) RecvTensor(_ context.Context, req *RecvTensorRequest) (*RecvTensorResponse, error) {
	tensor, err := w.table.Lookup(req.Key)
	if errors.Is(err, ErrNotFound) {
		return nil, cqrpc.Errorf(codes.NotFound, "tensor %d not found", req.Key)
	}
	if err != nil {
		return nil, err
	}
	return &RecvTensorResponse{Tensor: tensor}, nil
}

// RegisterWorker registers the worker service on s.
func RegisterWorker(s *cqrpc.Server, w *Worker) error {
	return cqrpc.RegisterUnary(s, MethodRecvTensor, w.RecvTensor)
}

// WorkerClient is the typed client of the worker service.
type WorkerClient struct {
	conn *cqrpc.Conn
}

func NewWorkerClient(conn *cqrpc.Conn) *WorkerClient {
	return &WorkerClient{conn: conn}
}

// RecvTensor fetches the tensor stored under key.
func (c *WorkerClient) RecvTensor(ctx context.Context, key int64) (TensorProto, error) {
	var resp RecvTensorResponse
	if err := c.conn.Invoke(ctx, MethodRecvTensor, &RecvTensorRequest{Key: key}, &resp); err != nil {
		return TensorProto{}, errors.Wrapf(err, "recv tensor %d", key)
	}
	return resp.Tensor, nil
}
