// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/cqrpc"
)

func TestTensorTable(t *testing.T) {
	table := NewTensorTable(DefaultTensors, DefaultTensorWidth)
	require.Equal(t, DefaultTensors, table.Len())

	tensor, err := table.Lookup(3)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 3, 6, 9, 12, 15, 18, 21, 24, 27}, tensor.DoubleVal)

	// lookups hand out copies
	tensor.DoubleVal[0] = 100
	again, err := table.Lookup(3)
	require.NoError(t, err)
	require.Zero(t, again.DoubleVal[0])

	_, err = table.Lookup(999)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = table.Lookup(-1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCalc(t *testing.T) {
	ctx := context.Background()
	area, err := Calc{}.CalcArea(ctx, &Circle{Radius: 2})
	require.NoError(t, err)
	require.InDelta(t, 4*math.Pi, area.Value, 1e-9)

	circum, err := Calc{}.CalcCircum(ctx, &Circle{Radius: 2})
	require.NoError(t, err)
	require.InDelta(t, 4*math.Pi, circum.Value, 1e-9)

	_, err = Calc{}.CalcArea(ctx, &Circle{Radius: -1})
	require.Equal(t, codes.InvalidArgument, cqrpc.Code(err))
	_, err = Calc{}.CalcCircum(ctx, &Circle{Radius: math.NaN()})
	require.Equal(t, codes.InvalidArgument, cqrpc.Code(err))
}

// serve runs the worker and calc services on a loopback ZAP listener.
func serve(t *testing.T) *cqrpc.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	lis, err := cqrpc.Listen("127.0.0.1:0")
	require.NoError(t, err)
	srv := cqrpc.NewServer(lis)
	require.NoError(t, RegisterWorker(srv, NewWorker(NewTensorTable(DefaultTensors, DefaultTensorWidth))))
	require.NoError(t, RegisterCalc(srv, Calc{}))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	conn, err := cqrpc.Dial(ctx, srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		require.NoError(t, <-errc)
	})
	return conn
}

func TestWorkerRecvTensor(t *testing.T) {
	conn := serve(t)
	client := NewWorkerClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tensor, err := client.RecvTensor(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 3, 6, 9, 12, 15, 18, 21, 24, 27}, tensor.DoubleVal)

	for k := int64(0); k < DefaultTensors; k++ {
		tensor, err := client.RecvTensor(ctx, k)
		require.NoError(t, err)
		require.Len(t, tensor.DoubleVal, DefaultTensorWidth)
		require.Equal(t, float64(k*9), tensor.DoubleVal[9])
	}

	_, err = client.RecvTensor(ctx, 999)
	require.Equal(t, codes.NotFound, cqrpc.Code(err))
}

func TestCalcClient(t *testing.T) {
	conn := serve(t)
	client := NewCalcClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	area, err := client.CalcArea(ctx, 3)
	require.NoError(t, err)
	require.InDelta(t, 9*math.Pi, area, 1e-9)

	circum, err := client.CalcCircum(ctx, 3)
	require.NoError(t, err)
	require.InDelta(t, 6*math.Pi, circum, 1e-9)

	_, err = client.CalcArea(ctx, -2)
	require.Equal(t, codes.InvalidArgument, cqrpc.Code(err))
}
