// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/ipc/peers"
	"github.com/creachadair/tcpclient/proto"
	"github.com/fortytw2/leaktest"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("bad thing")
	err := &Error{Op: "conn-send", Kind: KindConnReset, Err: cause}

	if !errors.Is(err, ErrConnReset) {
		t.Errorf("Is(%v, ErrConnReset): got false, want true", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Is(%v, cause): got false, want true", err)
	}
	if errors.Is(err, ErrConnFailed) {
		t.Errorf("Is(%v, ErrConnFailed): got true, want false", err)
	}
	if got, want := err.Error(), "conn-send: bad thing"; got != want {
		t.Errorf("Error: got %q, want %q", got, want)
	}
	if got, want := (&Error{Op: "conn-destroy", Kind: KindNotFound}).Error(), "conn-destroy: not found"; got != want {
		t.Errorf("Error: got %q, want %q", got, want)
	}
	if got := Kind(100).String(); got != "kind:100" {
		t.Errorf("Kind(100): got %q, want kind:100", got)
	}
}

func TestStatusKinds(t *testing.T) {
	tests := []struct {
		st   proto.Status
		want Kind
	}{
		{proto.OK, KindIO},
		{proto.NoMemory, KindNoMemory},
		{proto.IOFailure, KindIO},
		{proto.Invalid, KindInvalid},
		{proto.NotFound, KindNotFound},
		{proto.WouldBlock, KindWouldBlock},
		{proto.NotSupported, KindNotSupported},
		{proto.StatusConnFailed, KindConnFailed},
		{proto.StatusConnReset, KindConnReset},
		{proto.Status(999), KindIO},
	}
	for _, tc := range tests {
		if got := statusKind(tc.st); got != tc.want {
			t.Errorf("statusKind(%v): got %v, want %v", tc.st, got, tc.want)
		}
	}
}

func TestOpError(t *testing.T) {
	defer leaktest.Check(t)()

	if err := opError("x", nil); err != nil {
		t.Errorf("opError(nil): got %v, want nil", err)
	}

	// Statuses reported by the remote peer select the kind of the error.
	loc := peers.NewLocal()
	defer loc.Stop()
	loc.A.Handle(1, func(context.Context, *ipc.Request) ([]byte, error) {
		return nil, proto.WouldBlock.Err()
	})
	_, cerr := loc.B.Call(context.Background(), 1, nil)
	err := opError("conn-recv", cerr)
	if !errors.Is(err, ErrWouldBlock) {
		t.Errorf("opError: got %v, want %v", err, ErrWouldBlock)
	}

	// Methods the service does not know are reported as unsupported.
	_, cerr = loc.B.Call(context.Background(), 2, nil)
	if err := opError("conn-push", cerr); !errors.Is(err, ErrNotSupported) {
		t.Errorf("opError: got %v, want %v", err, ErrNotSupported)
	}

	// Failures of the channel are I/O errors.
	if err := opError("conn-send", errors.New("broken pipe")); !errors.Is(err, ErrIO) {
		t.Errorf("opError: got %v, want %v", err, ErrIO)
	}
}
