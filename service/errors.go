// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package service holds the business backends served over cqrpc: the
// worker's tensor table and the circle calculator.
package service

import "github.com/pkg/errors"

// ErrNotFound is returned by TensorTable.Lookup for an unknown key.
var ErrNotFound = errors.New("not found")
