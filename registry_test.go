// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryLookupRelease(t *testing.T) {
	var r registry[string]

	a := r.register("a")
	b := r.register("b")
	require.NotEqual(t, a, b)
	require.Equal(t, 2, r.len())

	v, ok := r.lookup(a)
	require.True(t, ok)
	require.Equal(t, "a", v)

	require.NoError(t, r.release(a))
	_, ok = r.lookup(a)
	require.False(t, ok)
	require.Equal(t, 1, r.len())
}

func TestRegistryDoubleRelease(t *testing.T) {
	var r registry[int]
	tag := r.register(1)
	require.NoError(t, r.release(tag))

	err := r.release(tag)
	require.ErrorIs(t, err, ErrStaleTag)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestRegistryReuseBumpsGeneration(t *testing.T) {
	var r registry[int]
	old := r.register(1)
	require.NoError(t, r.release(old))

	fresh := r.register(2)
	require.Equal(t, old.index(), fresh.index())
	require.NotEqual(t, old.generation(), fresh.generation())

	_, ok := r.lookup(old)
	require.False(t, ok)
	require.ErrorIs(t, r.release(old), ErrStaleTag)

	v, ok := r.lookup(fresh)
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestRegistryUnknownTags(t *testing.T) {
	var r registry[int]
	_, ok := r.lookup(0)
	require.False(t, ok)

	r.register(1)
	_, ok = r.lookup(makeTag(0, 0))
	require.False(t, ok)
	_, ok = r.lookup(makeTag(42, 1))
	require.False(t, ok)
}

func TestTagString(t *testing.T) {
	require.Equal(t, "3#9", makeTag(3, 9).String())
}
