// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/ipc/channel"
	"github.com/gorilla/websocket"
)

// A WSAccepter is an http.Handler that upgrades each request to a WebSocket
// and delivers the resulting channel to Accept. It implements the Accepter
// interface.
type WSAccepter struct {
	up    *websocket.Upgrader
	conns chan ipc.Channel

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSAccepter constructs a WSAccepter that uses up to upgrade connections.
// If up == nil, a default upgrader is used.
func NewWSAccepter(up *websocket.Upgrader) *WSAccepter {
	if up == nil {
		up = new(websocket.Upgrader)
	}
	return &WSAccepter{
		up:     up,
		conns:  make(chan ipc.Channel),
		closed: make(chan struct{}),
	}
}

// ServeHTTP implements the http.Handler interface. It blocks until the
// upgraded connection is accepted or the accepter closes.
func (w *WSAccepter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	select {
	case <-w.closed:
		http.Error(rw, "service is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := w.up.Upgrade(rw, req, nil)
	if err != nil {
		return // the upgrader has already replied
	}
	ch := channel.WebSocket(conn)
	select {
	case w.conns <- ch:
	case <-w.closed:
		ch.Close()
	case <-req.Context().Done():
		ch.Close()
	}
}

// Accept implements the Accepter interface. After Close, Accept reports
// net.ErrClosed.
func (w *WSAccepter) Accept(ctx context.Context) (ipc.Channel, error) {
	select {
	case ch := <-w.conns:
		return ch, nil
	case <-w.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops w from accepting further connections. It is safe to call Close
// more than once.
func (w *WSAccepter) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}
