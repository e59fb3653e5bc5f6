// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package hostsvc

import (
	"context"
	"net"
	"sync"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/proto"
	"github.com/sirupsen/logrus"
)

// client is the state of the service for one client.
type client struct {
	svc    *Service
	log    logrus.FieldLogger
	peer   *ipc.Peer
	events *eventQueue
	ctx    context.Context // ends when the client exits
	cancel context.CancelFunc

	μ         sync.Mutex
	nextID    proto.ID
	conns     map[proto.ID]*hostConn
	listeners map[proto.ID]net.Listener
	started   bool // the event sender is running
	closed    bool
}

func newClient(s *Service, serial uint32) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		svc:       s,
		log:       s.log.WithField("client", serial),
		events:    newEventQueue(),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[proto.ID]*hostConn),
		listeners: make(map[proto.ID]net.Listener),
	}
}

// shutdown releases the resources of the client when its peer exits. It runs
// while the peer is exiting, so it must not call the peer.
func (c *client) shutdown(err error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.closed = true
	for id, lst := range c.listeners {
		lst.Close()
		delete(c.listeners, id)
	}
	for id, hc := range c.conns {
		hc.close()
		delete(c.conns, id)
	}
	c.cancel()
	c.events.close()
	if err != nil {
		c.log.WithError(err).Warn("client failed")
	} else {
		c.log.Debug("client disconnected")
	}
}

// emit queues an event for delivery to the client.
func (c *client) emit(ev proto.Event, ids ...proto.ID) { c.events.push(ev, ids...) }

func (c *client) callbackCreate(ctx context.Context, _ *ipc.Request) ([]byte, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return nil, proto.IOFailure.Err()
	} else if !c.started {
		c.started = true
		c.svc.tasks.Go(func() error {
			c.events.run(c.peer, c.log)
			return nil
		})
	}
	c.log.Debug("client registered")
	return nil, nil
}

// addConnLocked registers hc under a new id, and returns the id.
func (c *client) addConnLocked(hc *hostConn) proto.ID {
	c.nextID++
	hc.id = c.nextID
	c.conns[hc.id] = hc
	return hc.id
}

func (c *client) conn(id proto.ID) (*hostConn, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	hc, ok := c.conns[id]
	if !ok {
		return nil, proto.NotFound.Err()
	}
	return hc, nil
}

func (c *client) connCreate(ctx context.Context, _ []byte, data []byte) (proto.ID, error) {
	var pair proto.EndpointPair
	if err := pair.UnmarshalBinary(data); err != nil || !pair.Remote.IsValid() {
		return 0, proto.Invalid.Err()
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return 0, proto.IOFailure.Err()
	}
	hc := newHostConn(nil)
	id := c.addConnLocked(hc)
	replied := repliedChan(ctx)
	c.svc.tasks.Go(func() error {
		if c.awaitReply(replied) {
			c.dial(hc, pair)
		}
		return nil
	})
	return id, nil
}

// repliedChan returns a channel closed once the call in ctx has been answered.
// Events about an object must not reach the client before the reply that
// tells it the object's id.
func repliedChan(ctx context.Context) <-chan struct{} {
	if call := ipc.ContextCall(ctx); call != nil {
		return call.Replied()
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// awaitReply waits for replied to close, and reports false if the client
// shut down first.
func (c *client) awaitReply(replied <-chan struct{}) bool {
	select {
	case <-replied:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// dial establishes the outbound connection for hc, and reports the outcome to
// the client.
func (c *client) dial(hc *hostConn, pair proto.EndpointPair) {
	log := c.log.WithField("conn", hc.id)
	d := net.Dialer{Timeout: c.svc.dialTimeout}
	if pair.Local.IsValid() && (!pair.Local.Addr().IsUnspecified() || pair.Local.Port() != 0) {
		d.LocalAddr = net.TCPAddrFromAddrPort(pair.Local)
	}
	conn, err := d.DialContext(c.ctx, "tcp", pair.Remote.String())
	if !hc.connected(conn, err) {
		return // destroyed while dialing
	}
	if err != nil {
		log.WithError(err).Debugf("connect to %v failed", pair.Remote)
		c.emit(proto.EventConnFailed, hc.id)
		return
	}
	log.Debugf("connected %v -> %v", conn.LocalAddr(), conn.RemoteAddr())
	c.emit(proto.EventConnected, hc.id)
	c.read(hc)
}

// read copies data received on hc into its buffer, and reports events to the
// client, until the connection ends.
func (c *client) read(hc *hostConn) {
	buf := make([]byte, 32<<10)
	for {
		nr, err := hc.conn.Read(buf)
		if nr > 0 {
			hc.received(buf[:nr])
			c.emit(proto.EventData, hc.id)
		}
		if err == nil {
			continue
		} else if hc.ended(err) {
			if isEOF(err) {
				c.emit(proto.EventData, hc.id)
			} else {
				c.log.WithField("conn", hc.id).WithError(err).Debug("connection reset")
				c.emit(proto.EventConnReset, hc.id)
			}
		}
		return
	}
}

func (c *client) connDestroy(_ context.Context, id proto.ID) error {
	c.μ.Lock()
	hc, ok := c.conns[id]
	delete(c.conns, id)
	c.μ.Unlock()
	if !ok {
		return proto.NotFound.Err()
	}
	hc.close()
	return nil
}

func (c *client) listenerCreate(ctx context.Context, _ []byte, data []byte) (proto.ID, error) {
	ep, err := proto.DecodeEndpoint(data)
	if err != nil || !ep.IsValid() {
		return 0, proto.Invalid.Err()
	}
	lst, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(ep))
	if err != nil {
		c.log.WithError(err).Debugf("listen on %v failed", ep)
		return 0, proto.IOFailure.Err()
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		lst.Close()
		return 0, proto.IOFailure.Err()
	}
	c.nextID++
	id := c.nextID
	c.listeners[id] = lst
	replied := repliedChan(ctx)
	c.svc.tasks.Go(func() error {
		if c.awaitReply(replied) {
			c.accept(id, lst)
		}
		return nil
	})
	c.log.WithField("listener", id).Debugf("listening on %v", lst.Addr())
	return id, nil
}

// accept registers each connection accepted by lst and reports it to the
// client, until lst closes.
func (c *client) accept(lid proto.ID, lst net.Listener) {
	for {
		conn, err := lst.Accept()
		if err != nil {
			return
		}
		c.μ.Lock()
		if c.closed {
			c.μ.Unlock()
			conn.Close()
			return
		}
		hc := newHostConn(conn)
		cid := c.addConnLocked(hc)
		c.μ.Unlock()

		c.log.WithFields(logrus.Fields{"listener": lid, "conn": cid}).Debugf("accepted %v", conn.RemoteAddr())
		c.emit(proto.EventNewConn, lid, cid)
		c.svc.tasks.Go(func() error {
			c.read(hc)
			return nil
		})
	}
}

func (c *client) listenerDestroy(_ context.Context, id proto.ID) error {
	c.μ.Lock()
	lst, ok := c.listeners[id]
	delete(c.listeners, id)
	c.μ.Unlock()
	if !ok {
		return proto.NotFound.Err()
	}
	return lst.Close()
}

func (c *client) connSend(ctx context.Context, id proto.ID, data []byte) ([]byte, error) {
	hc, err := c.conn(id)
	if err != nil {
		return nil, err
	}
	conn, err := hc.usable()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		return nil, proto.IOFailure.Err()
	}
	return nil, nil
}

func (c *client) connSendFin(_ context.Context, id proto.ID) error {
	hc, err := c.conn(id)
	if err != nil {
		return err
	}
	conn, err := hc.usable()
	if err != nil {
		return err
	}
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		return proto.NotSupported.Err()
	} else if err := cw.CloseWrite(); err != nil {
		return proto.IOFailure.Err()
	}
	return nil
}

// connPush has nothing to do, since writes are not delayed.
func (c *client) connPush(_ context.Context, id proto.ID) error {
	hc, err := c.conn(id)
	if err != nil {
		return err
	}
	_, err = hc.usable()
	return err
}

func (c *client) connReset(_ context.Context, id proto.ID) error {
	hc, err := c.conn(id)
	if err != nil {
		return err
	}
	return hc.abort()
}

func (c *client) connRecv(_ context.Context, id proto.ID, limit int) ([]byte, proto.Count, error) {
	hc, err := c.conn(id)
	if err != nil {
		return nil, 0, err
	}
	data, ready, err := hc.take(limit)
	if err != nil {
		return nil, 0, err
	} else if !ready {
		return nil, 0, proto.WouldBlock.Err()
	}
	return data, proto.Count(len(data)), nil
}

func (c *client) connRecvWait(ctx context.Context, id proto.ID, limit int) ([]byte, proto.Count, error) {
	hc, err := c.conn(id)
	if err != nil {
		return nil, 0, err
	}
	data, err := hc.takeWait(ctx, limit)
	if err != nil {
		return nil, 0, err
	}
	return data, proto.Count(len(data)), nil
}
