// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Tag is an opaque token correlating an asynchronous operation with its
// completion event. Tags handed out by a registry pack an arena index in
// the low 32 bits and a generation counter in the high 32 bits, so a
// released slot can be reused without its old tag becoming valid again.
type Tag uint64

func makeTag(index, gen uint32) Tag {
	return Tag(uint64(gen)<<32 | uint64(index))
}

func (t Tag) index() uint32 { return uint32(t) }

func (t Tag) generation() uint32 { return uint32(t >> 32) }

func (t Tag) String() string {
	return fmt.Sprintf("%d#%d", t.index(), t.generation())
}

type slot[T any] struct {
	gen   uint32
	used  bool
	value T
}

// registry maps generation-checked tags to in-flight instances. A tag is
// valid from register until release; any later use is a protocol violation.
type registry[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	live  int
}

func (r *registry[T]) register(v T) Tag {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot[T]{})
	}
	s := &r.slots[idx]
	// generation 0 is never issued, so the zero Tag is never valid
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.value = v
	r.live++
	return makeTag(idx, s.gen)
}

func (r *registry[T]) lookup(t Tag) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	s, ok := r.slotLocked(t)
	if !ok {
		return zero, false
	}
	return s.value, true
}

func (r *registry[T]) release(t Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slotLocked(t)
	if !ok {
		return errors.Wrapf(ErrStaleTag, "release %s", t)
	}
	var zero T
	s.used = false
	s.value = zero
	r.free = append(r.free, t.index())
	r.live--
	return nil
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

func (r *registry[T]) slotLocked(t Tag) (*slot[T], bool) {
	idx := t.index()
	if int(idx) >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[idx]
	if !s.used || s.gen != t.generation() {
		return nil, false
	}
	return s, true
}
