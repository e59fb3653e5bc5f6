// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package hostsvc

import (
	"context"
	"net"
	"slices"
	"sync"

	"github.com/creachadair/tcpclient/proto"
)

// hostConn is a connection served to a client. Received data are buffered
// until the client asks for them.
type hostConn struct {
	id proto.ID

	μ       sync.Mutex
	changed chan struct{} // closed and replaced when the state changes
	conn    net.Conn      // nil until established
	buf     []byte        // received and not yet delivered
	eof     bool          // the remote end will send no more data
	status  proto.Status  // OK while usable; otherwise why not
	local   bool          // closed or aborted by the client
}

func newHostConn(conn net.Conn) *hostConn {
	return &hostConn{changed: make(chan struct{}), conn: conn}
}

func (h *hostConn) broadcastLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// connected records the outcome of dialing. It reports false if the client
// destroyed the connection while it was being established, in which case
// conn is closed.
func (h *hostConn) connected(conn net.Conn, err error) bool {
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.local {
		if conn != nil {
			conn.Close()
		}
		return false
	}
	if err != nil {
		h.status = proto.StatusConnFailed
	} else {
		h.conn = conn
	}
	h.broadcastLocked()
	return true
}

// received appends data to the receive buffer.
func (h *hostConn) received(data []byte) {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.buf = append(h.buf, data...)
	h.broadcastLocked()
}

// ended records that reading ended with err. It reports false if the client
// closed the connection, in which case the error should not be reported.
func (h *hostConn) ended(err error) bool {
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.local {
		return false
	}
	if isEOF(err) {
		h.eof = true
	} else {
		h.status = proto.StatusConnReset
	}
	h.broadcastLocked()
	return true
}

// usable returns the network connection if it can carry data.
func (h *hostConn) usable() (net.Conn, error) {
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.status != proto.OK {
		return nil, h.status.Err()
	} else if h.conn == nil || h.local {
		return nil, proto.Invalid.Err()
	}
	return h.conn, nil
}

// close closes the connection on behalf of the client.
func (h *hostConn) close() {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.local = true
	if h.conn != nil {
		h.conn.Close()
	}
	h.broadcastLocked()
}

// abort resets the connection on behalf of the client. The remote end sees a
// reset rather than an orderly close.
func (h *hostConn) abort() error {
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.conn == nil || h.local {
		return proto.Invalid.Err()
	}
	h.local = true
	h.status = proto.StatusConnReset
	if tc, ok := h.conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	h.conn.Close()
	h.broadcastLocked()
	return nil
}

// take removes up to limit bytes from the receive buffer. It reports ready ==
// false if there is nothing to deliver yet. Once the buffer is drained after
// the remote end finished, take reports ready with no data.
func (h *hostConn) take(limit int) (data []byte, ready bool, err error) {
	h.μ.Lock()
	defer h.μ.Unlock()
	return h.takeLocked(limit)
}

func (h *hostConn) takeLocked(limit int) ([]byte, bool, error) {
	if len(h.buf) != 0 {
		n := min(limit, len(h.buf))
		data := slices.Clone(h.buf[:n])
		h.buf = h.buf[n:]
		return data, true, nil
	} else if h.eof {
		return nil, true, nil
	} else if h.status != proto.OK {
		return nil, true, h.status.Err()
	} else if h.local {
		return nil, true, proto.Invalid.Err()
	}
	return nil, false, nil
}

// takeWait is as take, but blocks until something is ready or ctx ends.
func (h *hostConn) takeWait(ctx context.Context, limit int) ([]byte, error) {
	for {
		h.μ.Lock()
		data, ready, err := h.takeLocked(limit)
		ch := h.changed
		h.μ.Unlock()
		if ready {
			return data, err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
