// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import (
	"context"
	"errors"
	"sync"
)

// State is a snapshot of the state of a connection.
//
// At most one of Connected, Failed, and Reset is ever true, and once one of
// them is set the others remain false. DataAvailable may change at any time
// until the connection is closed.
type State struct {
	Connected     bool // the connection was established
	Failed        bool // the connection attempt failed
	Reset         bool // the connection was reset
	DataAvailable bool // the service reported data to receive
	Closed        bool // the connection or its session was closed
}

// Terminal reports whether the connection has reached a terminal state.
func (s State) Terminal() bool { return s.Connected || s.Failed || s.Reset }

// errNotConnected is the cause reported when waiting for a connection that
// failed or was reset.
var errNotConnected = errors.New("connection failed or was reset")

// connState is the synchronized state of a connection. It is updated by the
// event loop and observed by application goroutines. The lock is never held
// across a call to the service.
type connState struct {
	μ       sync.Mutex
	changed chan struct{} // closed and replaced on each change
	flags   State
	dataGen uint64 // incremented by each data event
}

func newConnState() *connState {
	return &connState{changed: make(chan struct{})}
}

func (s *connState) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// wait blocks until ready reports true, then returns its error. The ready
// function is called with the lock held, initially and after each change.
// If ctx ends first, wait reports its error.
func (s *connState) wait(ctx context.Context, ready func() (bool, error)) error {
	for {
		s.μ.Lock()
		ok, err := ready()
		ch := s.changed
		s.μ.Unlock()
		if ok {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// awaitConnected blocks until the connection reaches a terminal state, is
// closed, or ctx ends. It succeeds only if the connection was established.
func (s *connState) awaitConnected(ctx context.Context) error {
	err := s.wait(ctx, func() (bool, error) {
		switch {
		case s.flags.Connected:
			return true, nil
		case s.flags.Failed, s.flags.Reset:
			return true, &Error{Op: "wait-connected", Kind: KindIO, Err: errNotConnected}
		case s.flags.Closed:
			return true, &Error{Op: "wait-connected", Kind: KindClosed}
		}
		return false, nil
	})
	if err != nil && ctx.Err() == err {
		return &Error{Op: "wait-connected", Kind: KindIO, Err: err}
	}
	return err
}

// awaitDataAvailable blocks until the service reports data, then returns the
// data generation observed. It also returns if the connection failed, was
// reset, or closed, or if ctx ends.
func (s *connState) awaitDataAvailable(ctx context.Context) (gen uint64, _ error) {
	err := s.wait(ctx, func() (bool, error) {
		switch {
		case s.flags.Closed:
			return true, &Error{Op: "recv-wait", Kind: KindClosed}
		case s.flags.DataAvailable:
			gen = s.dataGen
			return true, nil
		case s.flags.Failed:
			return true, &Error{Op: "recv-wait", Kind: KindConnFailed}
		case s.flags.Reset:
			return true, &Error{Op: "recv-wait", Kind: KindConnReset}
		}
		return false, nil
	})
	if err != nil && ctx.Err() == err {
		return 0, &Error{Op: "recv-wait", Kind: KindIO, Err: err}
	}
	return gen, err
}

// setTerminal sets the terminal flag selected by pick and wakes all waiters.
// It reports false without effect if the connection already reached a
// terminal state or is closed.
func (s *connState) setTerminal(pick func(*State) *bool) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.flags.Terminal() || s.flags.Closed {
		return false
	}
	*pick(&s.flags) = true
	s.broadcastLocked()
	return true
}

func (s *connState) setConnected() bool {
	return s.setTerminal(func(f *State) *bool { return &f.Connected })
}

func (s *connState) setFailed() bool {
	return s.setTerminal(func(f *State) *bool { return &f.Failed })
}

func (s *connState) setReset() bool {
	return s.setTerminal(func(f *State) *bool { return &f.Reset })
}

// setDataAvailable records a data event and wakes all waiters.
func (s *connState) setDataAvailable() {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.flags.DataAvailable = true
	s.dataGen++
	s.broadcastLocked()
}

// clearDataAvailable clears the data flag, unless another data event has
// arrived since generation gen was observed.
func (s *connState) clearDataAvailable(gen uint64) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.dataGen != gen {
		return false
	}
	s.flags.DataAvailable = false
	return true
}

// markClosed marks the connection closed and wakes all waiters.
func (s *connState) markClosed() {
	s.μ.Lock()
	defer s.μ.Unlock()
	if !s.flags.Closed {
		s.flags.Closed = true
		s.broadcastLocked()
	}
}

// snapshot returns a copy of the current flags.
func (s *connState) snapshot() State {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.flags
}
