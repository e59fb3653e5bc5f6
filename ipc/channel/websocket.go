// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/gorilla/websocket"
)

// WebSocket constructs a channel that exchanges packets on conn, one packet
// per binary message. Text messages are ignored.
func WebSocket(conn *websocket.Conn) WSChannel {
	return WSChannel{c: conn, closed: new(atomic.Bool)}
}

// A WSChannel sends and receives packets on a WebSocket connection.
type WSChannel struct {
	c      *websocket.Conn
	closed *atomic.Bool
}

// Addr reports the remote network address of the connection.
func (c WSChannel) Addr() string { return c.c.RemoteAddr().String() }

// Send implements a method of the [ipc.Channel] interface.
func (c WSChannel) Send(pkt *ipc.Packet) error {
	w, err := c.c.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if _, err := pkt.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Recv implements a method of the [ipc.Channel] interface. A normal closure
// by the remote end is reported as io.EOF.
func (c WSChannel) Recv() (*ipc.Packet, error) {
	for {
		mt, r, err := c.c.NextReader()
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		} else if err != nil {
			if c.closed.Load() {
				return nil, net.ErrClosed
			}
			return nil, err
		} else if mt != websocket.BinaryMessage {
			continue
		}
		var pkt ipc.Packet
		if _, err := pkt.ReadFrom(r); err != nil {
			return nil, err
		}
		return &pkt, nil
	}
}

// Close implements a method of the [ipc.Channel] interface. It sends a close
// message to the remote end before closing the connection.
func (c WSChannel) Close() error {
	if c.closed.Swap(true) {
		return net.ErrClosed
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := c.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if errors.Is(werr, websocket.ErrCloseSent) {
		werr = nil
	}
	cerr := c.c.Close()
	if cerr != nil {
		return cerr
	}
	return werr
}
