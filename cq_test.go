// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompletionQueueFIFO(t *testing.T) {
	cq := NewCompletionQueue()
	require.True(t, cq.Push(1, true))
	require.True(t, cq.Push(2, false))
	require.Equal(t, 2, cq.Len())

	ev, ok := cq.Next()
	require.True(t, ok)
	require.Equal(t, Event{Tag: 1, OK: true}, ev)

	ev, ok = cq.Next()
	require.True(t, ok)
	require.Equal(t, Event{Tag: 2, OK: false}, ev)
	require.Zero(t, cq.Len())
}

func TestCompletionQueueShutdownDrains(t *testing.T) {
	cq := NewCompletionQueue()
	cq.Push(7, true)
	cq.Shutdown()
	cq.Shutdown()

	require.False(t, cq.Push(8, true))

	ev, ok := cq.Next()
	require.True(t, ok)
	require.Equal(t, Tag(7), ev.Tag)

	_, ok = cq.Next()
	require.False(t, ok)
	_, ok = cq.Next()
	require.False(t, ok)
}

func TestCompletionQueueShutdownWakesWaiters(t *testing.T) {
	cq := NewCompletionQueue()
	const waiters = 4

	var wg sync.WaitGroup
	results := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := cq.Next()
			results <- ok
		}()
	}
	cq.Shutdown()
	wg.Wait()
	close(results)
	for ok := range results {
		require.False(t, ok)
	}
}

func TestCompletionQueueExactlyOnce(t *testing.T) {
	cq := NewCompletionQueue()
	const (
		producers = 8
		perProd   = 500
	)

	var consumers sync.WaitGroup
	seen := make(chan Tag, producers*perProd)
	for i := 0; i < 4; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				ev, ok := cq.Next()
				if !ok {
					return
				}
				seen <- ev.Tag
			}
		}()
	}

	var prods sync.WaitGroup
	for p := 0; p < producers; p++ {
		prods.Add(1)
		go func(p int) {
			defer prods.Done()
			for i := 0; i < perProd; i++ {
				cq.Push(Tag(p*perProd+i), true)
			}
		}(p)
	}
	prods.Wait()
	cq.Shutdown()
	consumers.Wait()
	close(seen)

	counts := make(map[Tag]int)
	for tag := range seen {
		counts[tag]++
	}
	require.Len(t, counts, producers*perProd)
	for tag, n := range counts {
		require.Equal(t, 1, n, "tag %d", tag)
	}
}
