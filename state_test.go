// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestStateTerminal(t *testing.T) {
	tests := []struct {
		name  string
		first func(*connState) bool
		want  State
	}{
		{"Connected", (*connState).setConnected, State{Connected: true}},
		{"Failed", (*connState).setFailed, State{Failed: true}},
		{"Reset", (*connState).setReset, State{Reset: true}},
	}
	setters := []func(*connState) bool{
		(*connState).setConnected, (*connState).setFailed, (*connState).setReset,
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newConnState()
			if !tc.first(s) {
				t.Fatal("First terminal transition was not applied")
			}
			for _, set := range setters {
				if set(s) {
					t.Error("Later terminal transition was applied")
				}
			}
			if diff := cmp.Diff(tc.want, s.snapshot()); diff != "" {
				t.Errorf("State (-want, +got):\n%s", diff)
			}
		})
	}

	t.Run("Closed", func(t *testing.T) {
		s := newConnState()
		s.markClosed()
		if s.setConnected() {
			t.Error("Terminal transition applied after close")
		}
	})
}

func TestAwaitConnected(t *testing.T) {
	defer leaktest.Check(t)()

	tests := []struct {
		name string
		set  func(*connState)
		want error
	}{
		{"Connected", func(s *connState) { s.setConnected() }, nil},
		{"Failed", func(s *connState) { s.setFailed() }, ErrIO},
		{"Reset", func(s *connState) { s.setReset() }, ErrIO},
		{"Closed", (*connState).markClosed, ErrClosed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newConnState()
			errc := make(chan error, 1)
			go func() { errc <- s.awaitConnected(context.Background()) }()

			// Data events do not satisfy the wait.
			s.setDataAvailable()
			select {
			case err := <-errc:
				t.Fatalf("Wait returned early: %v", err)
			case <-time.After(10 * time.Millisecond):
			}

			tc.set(s)
			if err := <-errc; !errors.Is(err, tc.want) || (tc.want == nil && err != nil) {
				t.Errorf("awaitConnected: got %v, want %v", err, tc.want)
			}
		})
	}

	t.Run("Context", func(t *testing.T) {
		s := newConnState()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := s.awaitConnected(ctx)
		if !errors.Is(err, ErrIO) || !errors.Is(err, context.Canceled) {
			t.Errorf("awaitConnected: got %v, want %v and %v", err, ErrIO, context.Canceled)
		}
	})
}

func TestAwaitDataAvailable(t *testing.T) {
	defer leaktest.Check(t)()

	s := newConnState()
	type result struct {
		gen uint64
		err error
	}
	done := make(chan result, 1)
	go func() {
		gen, err := s.awaitDataAvailable(context.Background())
		done <- result{gen, err}
	}()

	s.setConnected()
	select {
	case r := <-done:
		t.Fatalf("Wait returned early: %+v", r)
	case <-time.After(10 * time.Millisecond):
	}

	s.setDataAvailable()
	r := <-done
	if r.err != nil || r.gen != 1 {
		t.Fatalf("awaitDataAvailable: got %+v, want gen 1", r)
	}

	// A newer data event prevents the flag from being cleared.
	s.setDataAvailable()
	if s.clearDataAvailable(r.gen) {
		t.Error("Cleared data flag despite a newer event")
	}
	if !s.snapshot().DataAvailable {
		t.Error("Data flag is not set")
	}
	gen, err := s.awaitDataAvailable(context.Background())
	if err != nil || gen != 2 {
		t.Fatalf("awaitDataAvailable: got (%d, %v), want 2", gen, err)
	}
	if !s.clearDataAvailable(gen) {
		t.Error("Did not clear data flag")
	}
	if s.snapshot().DataAvailable {
		t.Error("Data flag is still set")
	}

	// Terminal failures end the wait when no data remain.
	s2 := newConnState()
	s2.setReset()
	if _, err := s2.awaitDataAvailable(context.Background()); !errors.Is(err, ErrConnReset) {
		t.Errorf("awaitDataAvailable after reset: got %v, want %v", err, ErrConnReset)
	}
	s2.markClosed()
	if _, err := s2.awaitDataAvailable(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("awaitDataAvailable after close: got %v, want %v", err, ErrClosed)
	}
}
