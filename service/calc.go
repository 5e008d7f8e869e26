// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package service

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/cqrpc"
)

const (
	MethodCalcArea   = "Calc/CalcArea"
	MethodCalcCircum = "Calc/CalcCircum"
)

type Circle struct {
	Radius float64 `json:"radius"`
}

type Area struct {
	Value float64 `json:"value"`
}

type Circum struct {
	Value float64 `json:"value"`
}

// Calc computes circle measures. It is stateless.
type Calc struct{}

func (Calc) CalcArea(_ context.Context, c *Circle) (*Area, error) {
	if err := checkRadius(c.Radius); err != nil {
		return nil, err
	}
	return &Area{Value: math.Pi * c.Radius * c.Radius}, nil
}

func (Calc) CalcCircum(_ context.Context, c *Circle) (*Circum, error) {
	if err := checkRadius(c.Radius); err != nil {
		return nil, err
	}
	return &Circum{Value: 2 * math.Pi * c.Radius}, nil
}

func checkRadius(r float64) error {
	if r < 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		return cqrpc.Errorf(codes.InvalidArgument, "invalid radius %v", r)
	}
	return nil
}

// RegisterCalc registers both calc methods on s.
func RegisterCalc(s *cqrpc.Server, c Calc) error {
	if err := cqrpc.RegisterUnary(s, MethodCalcArea, c.CalcArea); err != nil {
		return err
	}
	return cqrpc.RegisterUnary(s, MethodCalcCircum, c.CalcCircum)
}

// CalcClient is the typed client of the calc service.
type CalcClient struct {
	conn *cqrpc.Conn
}

func NewCalcClient(conn *cqrpc.Conn) *CalcClient {
	return &CalcClient{conn: conn}
}

func (c *CalcClient) CalcArea(ctx context.Context, radius float64) (float64, error) {
	var area Area
	if err := c.conn.Invoke(ctx, MethodCalcArea, &Circle{Radius: radius}, &area); err != nil {
		return 0, errors.Wrapf(err, "calc area of %v", radius)
	}
	return area.Value, nil
}

func (c *CalcClient) CalcCircum(ctx context.Context, radius float64) (float64, error) {
	var circum Circum
	if err := c.conn.Invoke(ctx, MethodCalcCircum, &Circle{Radius: radius}, &circum); err != nil {
		return 0, errors.Wrapf(err, "calc circumference of %v", radius)
	}
	return circum.Value, nil
}
