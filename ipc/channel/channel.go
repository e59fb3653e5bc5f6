// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the ipc.Channel interface.
//
// A client session and its transport service exchange packets over a
// channel. Each channel reports the address of its remote end through an
// Addr method, which servers use to label the clients they log about.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/creachadair/tcpclient/ipc"
)

// Addr reports the remote address of ch, if it has an Addr method, or "".
func Addr(ch ipc.Channel) string {
	if a, ok := ch.(interface{ Addr() string }); ok {
		return a.Addr()
	}
	return ""
}

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa.
//
// The pair behaves like a socket: closing either end hangs up the link, after
// which sends and receives at both ends report net.ErrClosed.
func Direct() (A, B DirectChannel) {
	l := &link{hangup: make(chan struct{})}
	a2b := make(chan *ipc.Packet)
	b2a := make(chan *ipc.Packet)
	A = DirectChannel{l: l, out: a2b, in: b2a, name: "direct:A", closed: new(atomic.Bool)}
	B = DirectChannel{l: l, out: b2a, in: a2b, name: "direct:B", closed: new(atomic.Bool)}
	return
}

// link is the state shared by both ends of a direct pair.
type link struct {
	once   sync.Once
	hangup chan struct{} // closed when either end closes
}

func (l *link) close() { l.once.Do(func() { close(l.hangup) }) }

// A DirectChannel is one end of an in-memory pair constructed by Direct.
type DirectChannel struct {
	l      *link
	out    chan<- *ipc.Packet
	in     <-chan *ipc.Packet
	name   string
	closed *atomic.Bool
}

// Addr reports a label for the remote end of the pair.
func (d DirectChannel) Addr() string { return d.name }

// Send implements a method of the [ipc.Channel] interface.
func (d DirectChannel) Send(pkt *ipc.Packet) error {
	select {
	case <-d.l.hangup:
		return net.ErrClosed
	default:
	}
	select {
	case d.out <- pkt:
		return nil
	case <-d.l.hangup:
		return net.ErrClosed
	}
}

// Recv implements a method of the [ipc.Channel] interface.
func (d DirectChannel) Recv() (*ipc.Packet, error) {
	select {
	case pkt := <-d.in:
		return pkt, nil
	case <-d.l.hangup:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [ipc.Channel] interface. Closing an end
// that is already closed reports net.ErrClosed.
func (d DirectChannel) Close() error {
	if d.closed.Swap(true) {
		return net.ErrClosed
	}
	d.l.close()
	return nil
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// Conn constructs a channel that exchanges packets on conn. Its Addr method
// reports the remote address of conn.
func Conn(conn net.Conn) IOChannel {
	ch := IO(conn, conn)
	ch.conn = conn
	return ch
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r    *bufio.Reader
	w    *bufio.Writer
	c    io.Closer
	conn net.Conn // set by Conn
}

// Addr reports the remote address of the channel, or "" if it is unknown.
func (c IOChannel) Addr() string {
	if c.conn == nil {
		return ""
	} else if ra := c.conn.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return ""
}

// Send implements a method of the [ipc.Channel] interface.
func (c IOChannel) Send(pkt *ipc.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [ipc.Channel] interface.
func (c IOChannel) Recv() (*ipc.Packet, error) {
	var pkt ipc.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [ipc.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
