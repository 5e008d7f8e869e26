// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cqrpc

import (
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
)

// CallState is the serving state of one server call instance.
type CallState int

const (
	// StateCreate: armed, waiting for an inbound call.
	StateCreate CallState = iota
	// StateProcess: the handler is computing the response.
	StateProcess
	// StateFinish: the response was submitted, waiting for delivery.
	StateFinish
)

func (s CallState) String() string {
	switch s {
	case StateCreate:
		return "CREATE"
	case StateProcess:
		return "PROCESS"
	case StateFinish:
		return "FINISH"
	default:
		return "UNKNOWN"
	}
}

// Transition describes one step of a call instance, reported to the
// server's TransitionHook. A newly armed instance reports From == To ==
// StateCreate. The step that destroys an instance has Released set.
type Transition struct {
	Method   string
	Tag      Tag
	From     CallState
	To       CallState
	OK       bool
	Released bool
	// Armed is the number of instances of Method armed in StateCreate
	// right after the step.
	Armed int
}

// TransitionHook observes call instance transitions. It runs on the
// dispatch loop and must not block.
type TransitionHook func(Transition)

// callData serves one call of one method. It is created in StateCreate,
// addressed by its registry tag, and advanced only by the dispatch loop
// that dequeued its tag.
type callData struct {
	srv    *Server
	method *methodEntry
	tag    Tag
	state  CallState
	call   ServerCall
}

// arm performs the StateCreate action: ask the acceptor hub for the next
// inbound call of the method, tagged with this instance.
func (cd *callData) arm() {
	cd.srv.observe(cd, StateCreate, StateCreate, true, false)
	if err := cd.srv.hub.requestCall(cd.method.name, &cd.call, cd.srv.cq, cd.tag); err != nil {
		cd.method.armed.Add(^uint32(0))
		cd.log().WithError(err).Debug("arm acceptor failed")
		cd.release(StateCreate, false, false)
	}
}

// advance moves the instance one step on the completion of its pending
// operation.
func (cd *callData) advance(ok bool) {
	switch cd.state {
	case StateCreate:
		if !ok {
			// no call was received; only shutdown produces this
			cd.method.armed.Add(^uint32(0))
			cd.release(StateCreate, false, true)
			return
		}
		cd.process()
	case StateFinish:
		if !ok {
			cd.srv.stats.aborted.Add(1)
			cd.log().Warn("response not delivered")
		}
		cd.release(StateFinish, ok, false)
	default:
		cd.srv.violation(cd.tag, "event for call in state "+cd.state.String())
		cd.release(cd.state, false, false)
	}
}

func (cd *callData) process() {
	cd.state = StateProcess
	// The sibling is armed before this instance stops counting as an
	// acceptor in the observed transition.
	cd.srv.replenish(cd.method)
	cd.method.armed.Add(^uint32(0))
	cd.srv.observe(cd, StateCreate, StateProcess, true, false)

	resp, st := cd.invoke()
	cd.srv.stats.processed.Add(1)
	if st.Code != codes.OK {
		cd.log().WithField("status", st.String()).Info("call failed")
	}

	cd.state = StateFinish
	cd.srv.observe(cd, StateProcess, StateFinish, true, false)
	cd.call.Finish(resp, st, cd.tag)
}

func (cd *callData) invoke() (resp []byte, st Status) {
	defer func() {
		if r := recover(); r != nil {
			cd.log().WithField("panic", r).Error("handler panicked")
			resp, st = nil, Status{Code: codes.Internal, Message: "handler panicked"}
		}
	}()
	out, err := cd.method.handler(cd.srv.ctx, cd.call.Payload)
	st = statusFromError(err)
	if st.Code != codes.OK {
		return nil, st
	}
	return out, st
}

// release destroys the instance. The registry rejects a second release of
// the same tag, so a double release surfaces as a protocol violation.
func (cd *callData) release(from CallState, ok, replace bool) {
	if err := cd.srv.calls.release(cd.tag); err != nil {
		cd.srv.violation(cd.tag, err.Error())
		return
	}
	if from == StateFinish && ok {
		cd.srv.stats.finished.Add(1)
	} else if from != StateFinish {
		cd.srv.stats.aborted.Add(1)
	}
	cd.srv.observe(cd, from, from, ok, true)
	cd.srv.retire(cd.method, replace)
}

func (cd *callData) log() logrus.FieldLogger {
	fields := logrus.Fields{
		"method": cd.method.name,
		"tag":    cd.tag.String(),
		"state":  cd.state.String(),
	}
	if cd.call.Method != "" {
		fields["call"] = cd.call.ID.String()
	}
	return cd.srv.log.WithFields(fields)
}
