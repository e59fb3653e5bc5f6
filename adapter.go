// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/proto"
)

// adapter issues the requests of the service contract over a peer. Each
// method performs a single exchange, and reports failures as *Error values
// classified by the status the service reported.
type adapter struct {
	peer *ipc.Peer
}

// open registers the client to receive events. It must succeed before any
// other request is issued.
func (a adapter) open(ctx context.Context) error {
	_, err := a.peer.Call(ctx, uint32(proto.CallbackCreate), nil)
	return opError("callback-create", err)
}

// createConnection asks the service to open a connection between the given
// endpoints, and returns the id the service assigned. If began != nil, it is
// called with the exchange once the request is sent.
func (a adapter) createConnection(ctx context.Context, pair proto.EndpointPair, began func(*ipc.Exchange)) (proto.ID, error) {
	const op = "conn-create"
	data, err := pair.MarshalBinary()
	if err != nil {
		return 0, &Error{Op: op, Kind: KindInvalid, Err: err}
	}
	rsp, err := a.upload(ctx, op, proto.ConnCreate, nil, data, true, began)
	if err != nil {
		return 0, err
	}
	return decodeID(op, rsp.Data)
}

// createListener asks the service to listen on a local endpoint, and returns
// the id the service assigned. The began hook is as for createConnection.
func (a adapter) createListener(ctx context.Context, local netip.AddrPort, began func(*ipc.Exchange)) (proto.ID, error) {
	const op = "listener-create"
	data, err := proto.EncodeEndpoint(local)
	if err != nil {
		return 0, &Error{Op: op, Kind: KindInvalid, Err: err}
	}
	rsp, err := a.upload(ctx, op, proto.ListenerCreate, nil, data, true, began)
	if err != nil {
		return 0, err
	}
	return decodeID(op, rsp.Data)
}

func (a adapter) destroyConnection(ctx context.Context, id proto.ID) error {
	return a.simple(ctx, proto.ConnDestroy, id)
}

func (a adapter) destroyListener(ctx context.Context, id proto.ID) error {
	return a.simple(ctx, proto.ListenerDestroy, id)
}

func (a adapter) sendFin(ctx context.Context, id proto.ID) error {
	return a.simple(ctx, proto.ConnSendFin, id)
}

func (a adapter) push(ctx context.Context, id proto.ID) error {
	return a.simple(ctx, proto.ConnPush, id)
}

func (a adapter) resetConn(ctx context.Context, id proto.ID) error {
	return a.simple(ctx, proto.ConnReset, id)
}

// send transfers data to the service for transmission on connection id. If
// the transfer fails, the request is abandoned.
func (a adapter) send(ctx context.Context, id proto.ID, data []byte) error {
	_, err := a.upload(ctx, proto.ConnSend.String(), proto.ConnSend, proto.EncodeIDs(id), data, false, nil)
	return err
}

// recv reads data received on connection id into buf, and returns the number
// of bytes the service delivered. If wait is true, the service blocks until
// data are available. If the transfer fails, the request is abandoned.
func (a adapter) recv(ctx context.Context, id proto.ID, buf []byte, wait bool) (int, error) {
	m := proto.ConnRecv
	if wait {
		m = proto.ConnRecvWait
	}
	op := m.String()

	x, err := a.peer.Begin(uint32(m), proto.EncodeIDs(id))
	if err != nil {
		return 0, opError(op, err)
	}
	nr, rerr := x.Read(ctx, buf)
	if rerr != nil {
		if !errors.Is(rerr, ipc.ErrExchangeDone) {
			x.Forget()
			return 0, opError(op, rerr)
		}
		// The service answered without sending data; its result explains why.
		if _, err := x.Wait(ctx); err != nil {
			return 0, opError(op, err)
		}
		return 0, opError(op, rerr)
	}

	rsp, err := x.Wait(ctx)
	if err != nil {
		return 0, opError(op, err)
	}
	var count proto.Count
	if err := count.UnmarshalBinary(rsp.Data); err != nil {
		return 0, &Error{Op: op, Kind: KindIO, Err: err}
	}
	return min(int(count), nr), nil
}

// upload performs a two-phase request: it sends a request for method m with
// the given parameters, then transfers data to the service and waits for the
// result.
//
// If the request cannot be sent, the transfer is not attempted. If the
// transfer fails and await is true, upload waits for the result of the
// request, and reports its error in preference to the transfer error. If
// await is false, the request is abandoned.
func (a adapter) upload(ctx context.Context, op string, m proto.Method, param, data []byte, await bool, began func(*ipc.Exchange)) (*ipc.Response, error) {
	x, err := a.peer.Begin(uint32(m), param)
	if err != nil {
		return nil, opError(op, err)
	}
	if began != nil {
		began(x)
	}
	if werr := x.Write(ctx, data); werr != nil {
		if await || errors.Is(werr, ipc.ErrExchangeDone) {
			if _, err := x.Wait(ctx); err != nil {
				return nil, opError(op, err)
			}
		} else {
			x.Forget()
		}
		return nil, opError(op, werr)
	}
	rsp, err := x.Wait(ctx)
	if err != nil {
		return nil, opError(op, err)
	}
	return rsp, nil
}

// simple performs a single round trip for method m with an id parameter.
func (a adapter) simple(ctx context.Context, m proto.Method, id proto.ID) error {
	_, err := a.peer.Call(ctx, uint32(m), proto.EncodeIDs(id))
	return opError(m.String(), err)
}

func decodeID(op string, data []byte) (proto.ID, error) {
	var id proto.ID
	if err := id.UnmarshalBinary(data); err != nil {
		return 0, &Error{Op: op, Kind: KindIO, Err: fmt.Errorf("invalid id in result: %w", err)}
	}
	return id, nil
}
