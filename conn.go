// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/creachadair/tcpclient/proto"
)

// A Conn is a connection owned by the service. Its methods are safe for
// concurrent use by multiple goroutines.
type Conn struct {
	id    proto.ID
	s     *Session
	data  DataHandler
	arg   any
	state *connState

	destroyed atomic.Bool
}

func newConn(s *Session, id proto.ID, h DataHandler, arg any) *Conn {
	return &Conn{id: id, s: s, data: h, arg: arg, state: newConnState()}
}

// ID returns the service-assigned id of c.
func (c *Conn) ID() proto.ID { return c.id }

// Session returns the session that owns c.
func (c *Conn) Session() *Session { return c.s }

// UserData returns the user value associated with c.
func (c *Conn) UserData() any { return c.arg }

// State returns a snapshot of the state of c.
func (c *Conn) State() State { return c.state.snapshot() }

// WaitConnected blocks until c is established, fails, is reset, or closed, or
// until ctx ends. It reports nil only if c was established. A connection that
// failed or was reset reports an error of kind KindIO; use State to tell
// which.
func (c *Conn) WaitConnected(ctx context.Context) error {
	return c.state.awaitConnected(ctx)
}

// Send asks the service to transmit data on c.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if err := c.checkOpen("conn-send"); err != nil {
		return err
	}
	return c.s.rpc.send(ctx, c.id, data)
}

// SendFin asks the service to shut down the sending side of c.
func (c *Conn) SendFin(ctx context.Context) error {
	if err := c.checkOpen("conn-send-fin"); err != nil {
		return err
	}
	return c.s.rpc.sendFin(ctx, c.id)
}

// Push asks the service to transmit any data buffered for c.
func (c *Conn) Push(ctx context.Context) error {
	if err := c.checkOpen("conn-push"); err != nil {
		return err
	}
	return c.s.rpc.push(ctx, c.id)
}

// Reset asks the service to abort c.
func (c *Conn) Reset(ctx context.Context) error {
	if err := c.checkOpen("conn-reset"); err != nil {
		return err
	}
	return c.s.rpc.resetConn(ctx, c.id)
}

// Recv receives data from c into buf without blocking, and returns the number
// of bytes received. If the service has not reported data available, or has
// none to deliver, Recv reports an error matching ErrWouldBlock.
//
// Recv does not clear the data-available state when the service has nothing
// to deliver; use RecvWait to wait for more data.
func (c *Conn) Recv(ctx context.Context, buf []byte) (int, error) {
	const op = "conn-recv"
	st := c.state.snapshot()
	if st.Closed {
		return 0, &Error{Op: op, Kind: KindClosed}
	} else if !st.DataAvailable {
		return 0, &Error{Op: op, Kind: KindWouldBlock}
	}
	return c.s.rpc.recv(ctx, c.id, buf, false)
}

// RecvWait receives data from c into buf, blocking until data are available,
// and returns the number of bytes received. It reports an error if c fails,
// is reset, or closed, or if ctx ends before data arrive. A result of 0 bytes
// without error means the remote end will send no more data.
func (c *Conn) RecvWait(ctx context.Context, buf []byte) (int, error) {
	for {
		gen, err := c.state.awaitDataAvailable(ctx)
		if err != nil {
			return 0, err
		}
		nr, err := c.s.rpc.recv(ctx, c.id, buf, true)
		if !errors.Is(err, ErrWouldBlock) {
			return nr, err
		}

		// The data reported were consumed before we got to them. Unless more
		// arrived in the meantime, wait for the next data event.
		c.state.clearDataAvailable(gen)
		c.s.metrics.recvRetries.Add(1)
	}
}

// Write implements io.Writer by sending p on c.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.Send(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read implements io.Reader using RecvWait. It reports io.EOF when the remote
// end will send no more data.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	nr, err := c.RecvWait(context.Background(), p)
	if err == nil && nr == 0 {
		return 0, io.EOF
	}
	return nr, err
}

// Close removes c from its session and asks the service to destroy it. Any
// goroutines blocked on c are woken and report an error matching ErrClosed.
// Close is safe to call more than once; only the first call has any effect.
// If the session has already closed, Close does not contact the service.
func (c *Conn) Close() error {
	if c.destroyed.Swap(true) {
		return nil
	}
	c.s.conns.remove(c.id)
	c.state.markClosed()
	if c.s.isClosed() {
		return nil
	}
	return c.s.rpc.destroyConnection(context.Background(), c.id)
}

func (c *Conn) checkOpen(op string) error {
	if c.destroyed.Load() || c.s.isClosed() {
		return &Error{Op: op, Kind: KindClosed}
	}
	return nil
}
