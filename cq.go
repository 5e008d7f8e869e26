// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"sync"
)

// Event reports that the asynchronous operation identified by Tag finished.
// OK is false when the operation did not complete normally (transport
// failure, cancelled call, server shutdown).
type Event struct {
	Tag Tag
	OK  bool
}

// CompletionQueue is an unbounded, blocking event sink shared between the
// transports (producers) and dispatch loops or call handles (consumers).
// Each pushed event is handed to exactly one consumer.
type CompletionQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	events   []Event
	shutdown bool
}

// NewCompletionQueue returns an empty, running queue.
func NewCompletionQueue() *CompletionQueue {
	cq := &CompletionQueue{}
	cq.cond = sync.NewCond(&cq.mu)
	return cq
}

// Push enqueues an event and wakes one waiting consumer. It never blocks on
// consumers. Events pushed after Shutdown are dropped and Push returns false.
func (cq *CompletionQueue) Push(tag Tag, ok bool) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.shutdown {
		return false
	}
	cq.events = append(cq.events, Event{Tag: tag, OK: ok})
	cq.cond.Signal()
	return true
}

// Next blocks until an event is available. The second result is false once
// the queue has been shut down and every pending event has been drained.
func (cq *CompletionQueue) Next() (Event, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	for len(cq.events) == 0 {
		if cq.shutdown {
			return Event{}, false
		}
		cq.cond.Wait()
	}
	ev := cq.events[0]
	cq.events[0] = Event{}
	cq.events = cq.events[1:]
	return ev, true
}

// Shutdown stops accepting events. Pending events are still returned by
// Next; after that every caller gets the terminal indicator. Safe to call
// more than once.
func (cq *CompletionQueue) Shutdown() {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.shutdown {
		return
	}
	cq.shutdown = true
	cq.cond.Broadcast()
}

// Len returns the number of undelivered events.
func (cq *CompletionQueue) Len() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.events)
}
