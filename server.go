// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server serves unary calls from a Listener. Every registered method keeps
// at least one call instance armed; an instance that receives a call arms
// its successor before running the handler, so the server keeps accepting
// while calls are processed.
//
// All instances share one completion queue, drained by one or more
// dispatch loops (WithDispatchLoops).
type Server struct {
	lis  Listener
	opts *serverOptions
	log  logrus.FieldLogger

	cq    *CompletionQueue
	hub   *acceptHub
	calls registry[*callData]

	mu      sync.Mutex
	methods map[string]*methodEntry
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool

	// instances counts live call instances; drain waits for it.
	instances sync.WaitGroup
	// serving is set under mu, so Register and Serve agree on the method set.
	serving atomic.Bool
	closing atomic.Bool

	stats serverStats
}

type methodEntry struct {
	name    string
	handler Handler
	armed   atomix.Uint32

	mu       sync.Mutex
	live     int
	deferred int
}

type serverStats struct {
	created    atomix.Uint32
	processed  atomix.Uint32
	finished   atomix.Uint32
	aborted    atomix.Uint32
	violations atomix.Uint32
}

// Stats is a snapshot of server counters.
type Stats struct {
	Created    uint32
	Processed  uint32
	Finished   uint32
	Aborted    uint32
	Violations uint32
	// Live is the number of call instances not yet released.
	Live int
	// Armed is the number of instances waiting in StateCreate.
	Armed int
}

// NewServer creates a server on top of lis. Methods must be registered
// before Serve is called.
func NewServer(lis Listener, opts ...ServerOption) *Server {
	o := newServerOptions(opts)
	return &Server{
		lis:     lis,
		opts:    o,
		log:     o.logger,
		cq:      NewCompletionQueue(),
		hub:     newAcceptHub(o.maxBacklog),
		methods: make(map[string]*methodEntry),
		ctx:     context.Background(),
	}
}

// Register registers a raw handler for method ("Service/Method").
func (s *Server) Register(method string, h Handler) error {
	if method == "" || h == nil {
		return errors.New("cqrpc: register needs a method name and a handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving.Load() {
		return ErrServerRunning
	}
	if _, ok := s.methods[method]; ok {
		return errors.Errorf("cqrpc: method %s already registered", method)
	}
	s.methods[method] = &methodEntry{name: method, handler: h}
	s.hub.addMethod(method)
	return nil
}

// Serve arms one instance per method, starts the dispatch loops and serves
// the listener until ctx is cancelled, Stop is called or the listener
// fails. On return every call instance has been released. If Stop was
// called first, Serve shuts down right after starting.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.serving.Load() {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.serving.Store(true)
	if s.stopped {
		cancel()
	}
	s.ctx, s.cancel = ctx, cancel
	methods := make([]*methodEntry, 0, len(s.methods))
	for _, m := range s.methods {
		methods = append(methods, m)
	}
	s.mu.Unlock()
	sort.Slice(methods, func(i, j int) bool { return methods[i].name < methods[j].name })

	for _, m := range methods {
		m.mu.Lock()
		m.live++
		m.mu.Unlock()
		s.spawn(m)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.dispatchLoops; i++ {
		g.Go(func() error {
			s.dispatch()
			return nil
		})
	}
	g.Go(func() error {
		defer s.drain()
		return s.lis.Serve(gctx, s.hub)
	})
	s.log.WithFields(logrus.Fields{
		"addr":    s.lis.Addr(),
		"methods": len(methods),
		"loops":   s.opts.dispatchLoops,
	}).Info("server listening")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.log.WithField("addr", s.lis.Addr()).Info("server stopped")
	return err
}

// Stop makes a running Serve return. A Serve started after Stop returns as
// soon as it has started.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.lis.Addr()
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	st := Stats{
		Created:    s.stats.created.Load(),
		Processed:  s.stats.processed.Load(),
		Finished:   s.stats.finished.Load(),
		Aborted:    s.stats.aborted.Load(),
		Violations: s.stats.violations.Load(),
		Live:       s.calls.len(),
	}
	s.mu.Lock()
	for _, m := range s.methods {
		st.Armed += int(m.armed.Load())
	}
	s.mu.Unlock()
	return st
}

// dispatch routes completion events to the call instance addressed by
// their tag until the queue shuts down.
func (s *Server) dispatch() {
	for {
		ev, ok := s.cq.Next()
		if !ok {
			return
		}
		cd, found := s.calls.lookup(ev.Tag)
		if !found {
			s.violation(ev.Tag, "no call instance for tag")
			continue
		}
		cd.advance(ev.OK)
	}
}

// spawn creates and arms an instance. The caller has already counted it
// in m.live.
func (s *Server) spawn(m *methodEntry) {
	cd := &callData{srv: s, method: m, state: StateCreate}
	s.instances.Add(1)
	cd.tag = s.calls.register(cd)
	m.armed.Add(1)
	s.stats.created.Add(1)
	cd.arm()
}

// replenish arms a successor for an instance leaving StateCreate, or
// defers it while the method is at its in-flight cap.
func (s *Server) replenish(m *methodEntry) {
	if s.closing.Load() {
		return
	}
	m.mu.Lock()
	if s.opts.maxInFlight > 0 && m.live >= s.opts.maxInFlight {
		m.deferred++
		m.mu.Unlock()
		return
	}
	m.live++
	m.mu.Unlock()
	s.spawn(m)
}

// retire accounts for a released instance. replace asks for a successor
// of an instance that left without arming one; otherwise a deferred spawn,
// if any, takes the freed slot.
func (s *Server) retire(m *methodEntry, replace bool) {
	m.mu.Lock()
	m.live--
	spawn := false
	if !s.closing.Load() {
		switch {
		case replace:
			spawn = true
		case m.deferred > 0:
			m.deferred--
			spawn = true
		}
	}
	if spawn {
		m.live++
	}
	m.mu.Unlock()

	if spawn {
		s.spawn(m)
	}
	s.instances.Done()
}

// drain runs once the listener stopped: it cancels armed acceptors, waits
// for every instance to be released and shuts the queue down, which ends
// the dispatch loops.
func (s *Server) drain() {
	s.closing.Store(true)
	s.hub.close()
	if err := s.lis.Close(); err != nil {
		s.log.WithError(err).Debug("close listener")
	}
	s.instances.Wait()
	s.cq.Shutdown()
}

func (s *Server) observe(cd *callData, from, to CallState, ok, released bool) {
	if s.opts.hook == nil {
		return
	}
	s.opts.hook(Transition{
		Method:   cd.method.name,
		Tag:      cd.tag,
		From:     from,
		To:       to,
		OK:       ok,
		Released: released,
		Armed:    int(cd.method.armed.Load()),
	})
}

func (s *Server) violation(tag Tag, msg string) {
	s.stats.violations.Add(1)
	s.log.WithFields(logrus.Fields{
		"tag":   tag.String(),
		"error": ErrProtocolViolation.Error(),
	}).Error(msg)
}
