// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package proto_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/ipc/peers"
	"github.com/creachadair/tcpclient/proto"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestNames(t *testing.T) {
	tests := []struct {
		input fmtStringer
		want  string
	}{
		{proto.CallbackCreate, "callback-create"},
		{proto.ConnRecvWait, "conn-recv-wait"},
		{proto.Method(0), "method:0"},
		{proto.Method(99), "method:99"},
		{proto.EventConnected, "connected"},
		{proto.EventNewConn, "new-conn"},
		{proto.Event(1), "event:1"},
		{proto.OK, "ok"},
		{proto.WouldBlock, "would block"},
		{proto.Status(500), "status:500"},
	}
	for _, tc := range tests {
		if got := tc.input.String(); got != tc.want {
			t.Errorf("String %#v: got %q, want %q", tc.input, got, tc.want)
		}
	}
}

type fmtStringer interface{ String() string }

func TestIDs(t *testing.T) {
	enc := proto.EncodeIDs(1, 0x01020304)
	if diff := cmp.Diff([]byte{0, 0, 0, 1, 1, 2, 3, 4}, enc); diff != "" {
		t.Errorf("EncodeIDs (-want, +got):\n%s", diff)
	}
	ids, err := proto.DecodeIDs(enc)
	if err != nil {
		t.Fatalf("DecodeIDs: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]proto.ID{1, 0x01020304}, ids); diff != "" {
		t.Errorf("DecodeIDs (-want, +got):\n%s", diff)
	}
	if ids, err := proto.DecodeIDs([]byte{1, 2, 3}); err == nil {
		t.Errorf("DecodeIDs(short): got %v, want error", ids)
	}

	var id proto.ID
	if err := id.UnmarshalBinary(enc); err == nil {
		t.Errorf("UnmarshalBinary(two ids): got %v, want error", id)
	}
	if err := id.UnmarshalBinary(enc[4:]); err != nil {
		t.Errorf("UnmarshalBinary: unexpected error: %v", err)
	} else if id != 0x01020304 {
		t.Errorf("UnmarshalBinary: got %v, want %v", id, 0x01020304)
	}

	if n := proto.EventNewConn.NumIDs(); n != 2 {
		t.Errorf("NumIDs(new-conn): got %d, want 2", n)
	}
	if n := proto.EventData.NumIDs(); n != 1 {
		t.Errorf("NumIDs(data): got %d, want 1", n)
	}
}

func TestCount(t *testing.T) {
	var c proto.Count
	if err := c.UnmarshalBinary([]byte{0, 0, 1, 0}); err != nil {
		t.Fatalf("UnmarshalBinary: unexpected error: %v", err)
	} else if c != 256 {
		t.Errorf("Count: got %d, want 256", c)
	}
	if err := c.UnmarshalBinary([]byte{0, 1}); err == nil {
		t.Error("UnmarshalBinary(short): got nil, want error")
	}
	if err := c.UnmarshalBinary([]byte{0, 0, 0, 1, 9}); err == nil {
		t.Error("UnmarshalBinary(long): got nil, want error")
	}
}

func TestEndpoints(t *testing.T) {
	tests := []proto.EndpointPair{
		{Remote: netip.MustParseAddrPort("127.0.0.1:80")},
		{Local: netip.MustParseAddrPort("10.0.0.1:5000"), Remote: netip.MustParseAddrPort("[::1]:443")},
		{},
	}
	for _, want := range tests {
		data, err := want.MarshalBinary()
		if err != nil {
			t.Fatalf("Marshal %v: %v", want, err)
		}
		var got proto.EndpointPair
		if err := got.UnmarshalBinary(data); err != nil {
			t.Fatalf("Unmarshal %v: %v", want, err)
		}
		if got != want {
			t.Errorf("Endpoint pair: got %v, want %v", got, want)
		}
	}

	ep := netip.MustParseAddrPort("192.168.1.1:8080")
	data, err := proto.EncodeEndpoint(ep)
	if err != nil {
		t.Fatalf("EncodeEndpoint: %v", err)
	}
	if got, err := proto.DecodeEndpoint(data); err != nil || got != ep {
		t.Errorf("DecodeEndpoint: got (%v, %v), want %v", got, err, ep)
	}
	if got, err := proto.DecodeEndpoint(data[:len(data)-1]); err == nil {
		t.Errorf("DecodeEndpoint(truncated): got %v, want error", got)
	}
}

func TestStatus(t *testing.T) {
	defer leaktest.Check(t)()

	if err := proto.OK.Err(); err != nil {
		t.Errorf("OK.Err: got %v, want nil", err)
	}
	if got := proto.StatusOf(nil); got != proto.OK {
		t.Errorf("StatusOf(nil): got %v, want ok", got)
	}
	if got := proto.StatusOf(errors.New("boom")); got != proto.IOFailure {
		t.Errorf("StatusOf(other): got %v, want %v", got, proto.IOFailure)
	}
	if got := proto.StatusOf(proto.NotFound.Err()); got != proto.NotFound {
		t.Errorf("StatusOf(NotFound.Err): got %v, want %v", got, proto.NotFound)
	}

	// Status codes survive a round trip through a call.
	loc := peers.NewLocal()
	defer loc.Stop()
	loc.A.Handle(1, func(_ context.Context, req *ipc.Request) ([]byte, error) {
		return nil, proto.Status(req.Data[0]).Err()
	})

	ctx := context.Background()
	for _, want := range []proto.Status{proto.OK, proto.WouldBlock, proto.StatusConnReset} {
		_, err := loc.B.Call(ctx, 1, []byte{byte(want)})
		if got := proto.StatusOf(err); got != want {
			t.Errorf("Call status: got %v, want %v (err=%v)", got, want, err)
		}
	}
	_, err := loc.B.Call(ctx, 2, nil)
	if got := proto.StatusOf(err); got != proto.NotSupported {
		t.Errorf("Unknown method status: got %v, want %v", got, proto.NotSupported)
	}

	var ed ipc.ErrorData
	if !errors.As(proto.Invalid.Err(), &ed) {
		t.Fatal("Invalid.Err is not an ErrorData")
	}
	if diff := cmp.Diff(ipc.ErrorData{Code: uint16(proto.Invalid), Message: "invalid argument"}, ed,
		cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Invalid.Err (-want, +got):\n%s", diff)
	}
}
