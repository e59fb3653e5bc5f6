// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package fakesvc implements an in-memory transport service for tests. The
// service keeps per-connection buffers instead of network connections, and
// lets the test emit events and inject failures directly.
package fakesvc

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/ipc/channel"
	"github.com/creachadair/tcpclient/ipc/handler"
	"github.com/creachadair/tcpclient/proto"
)

// A Request records a request received by the service.
type Request struct {
	Method proto.Method
	ID     proto.ID // the target id, for requests that name one
}

func (r Request) String() string {
	if r.ID == 0 {
		return r.Method.String()
	}
	return fmt.Sprintf("%v(%v)", r.Method, r.ID)
}

// Service is an in-memory transport service.
type Service struct {
	peer *ipc.Peer

	μ         sync.Mutex
	changed   chan struct{} // closed and replaced when buffered data change
	nextID    proto.ID
	fail      map[proto.Method]proto.Status
	script    map[proto.Method][]proto.Status
	hold      map[proto.Method]chan struct{}
	reqs      []Request
	conns     map[proto.ID]*fakeConn
	listeners map[proto.ID]netip.AddrPort
}

type fakeConn struct {
	pair  proto.EndpointPair
	input []byte // data waiting to be received by the client
	eof   bool   // no more data will be added to input
	sent  []byte // data sent by the client
}

// New constructs a running service and returns it along with the channel a
// client should use to reach it.
func New() (*Service, ipc.Channel) {
	s := &Service{
		changed:   make(chan struct{}),
		fail:      make(map[proto.Method]proto.Status),
		script:    make(map[proto.Method][]proto.Status),
		hold:      make(map[proto.Method]chan struct{}),
		conns:     make(map[proto.ID]*fakeConn),
		listeners: make(map[proto.ID]netip.AddrPort),
	}
	cli, svc := channel.Direct()
	s.peer = ipc.NewPeer().
		Handle(uint32(proto.CallbackCreate), s.guard(proto.CallbackCreate, func(context.Context, *ipc.Request) ([]byte, error) {
			return nil, nil
		})).
		Handle(uint32(proto.ConnCreate), s.guard(proto.ConnCreate, handler.Upload(s.connCreate))).
		Handle(uint32(proto.ConnDestroy), s.guard(proto.ConnDestroy, handler.ParamError(s.connDestroy))).
		Handle(uint32(proto.ListenerCreate), s.guard(proto.ListenerCreate, handler.Upload(s.listenerCreate))).
		Handle(uint32(proto.ListenerDestroy), s.guard(proto.ListenerDestroy, handler.ParamError(s.listenerDestroy))).
		Handle(uint32(proto.ConnSend), s.guard(proto.ConnSend, handler.Upload(s.connSend))).
		Handle(uint32(proto.ConnSendFin), s.guard(proto.ConnSendFin, handler.ParamError(s.checkConn))).
		Handle(uint32(proto.ConnPush), s.guard(proto.ConnPush, handler.ParamError(s.checkConn))).
		Handle(uint32(proto.ConnReset), s.guard(proto.ConnReset, handler.ParamError(s.checkConn))).
		Handle(uint32(proto.ConnRecv), s.guard(proto.ConnRecv, handler.Download(s.connRecv))).
		Handle(uint32(proto.ConnRecvWait), s.guard(proto.ConnRecvWait, handler.Download(s.connRecvWait))).
		Start(svc)
	return s, cli
}

// Stop closes the channel to the client and waits for the service to exit.
func (s *Service) Stop() error { return s.peer.Stop() }

// Peer returns the service end of the channel.
func (s *Service) Peer() *ipc.Peer { return s.peer }

// Fail causes subsequent requests for m to fail with status st, before any
// data are transferred. If st == proto.OK, requests for m succeed again.
func (s *Service) Fail(m proto.Method, st proto.Status) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if st == proto.OK {
		delete(s.fail, m)
	} else {
		s.fail[m] = st
	}
}

// FailNext causes the next len(sts) requests for m to fail with the given
// statuses in order. A status of proto.OK lets the corresponding request
// proceed normally. Statuses set by FailNext take precedence over Fail.
func (s *Service) FailNext(m proto.Method, sts ...proto.Status) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.script[m] = append(s.script[m], sts...)
}

// Hold causes subsequent requests for m to block after they are recorded,
// until the returned release function is called or the request is cancelled.
// Release is safe to call more than once.
func (s *Service) Hold(m proto.Method) (release func()) {
	ch := make(chan struct{})
	s.μ.Lock()
	s.hold[m] = ch
	s.μ.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.μ.Lock()
			defer s.μ.Unlock()
			if s.hold[m] == ch {
				delete(s.hold, m)
			}
			close(ch)
		})
	}
}

// ReuseID causes the next connection or listener created to be assigned id,
// even if it is in use. Later objects are numbered after it.
func (s *Service) ReuseID(id proto.ID) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.nextID = id - 1
}

// Requests returns the requests received by the service, in order.
func (s *Service) Requests() []Request {
	s.μ.Lock()
	defer s.μ.Unlock()
	return slices.Clone(s.reqs)
}

// Emit sends an event with the given ids to the client, and returns the
// status the client reported for it.
func (s *Service) Emit(ctx context.Context, ev proto.Event, ids ...proto.ID) proto.Status {
	return s.EmitRaw(ctx, uint32(ev), proto.EncodeIDs(ids...))
}

// EmitRaw sends an event with arbitrary method and data to the client, and
// returns the status the client reported for it.
func (s *Service) EmitRaw(ctx context.Context, method uint32, data []byte) proto.Status {
	_, err := s.peer.Call(ctx, method, data)
	return proto.StatusOf(err)
}

// Feed adds data to be received by the client on connection id. It does not
// emit an event.
func (s *Service) Feed(id proto.ID, data string) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if c, ok := s.conns[id]; ok {
		c.input = append(c.input, data...)
		s.broadcastLocked()
	}
}

// EOF marks the end of the data to be received by the client on connection
// id. Once the buffered data are consumed, receives report 0 bytes.
func (s *Service) EOF(id proto.ID) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if c, ok := s.conns[id]; ok {
		c.eof = true
		s.broadcastLocked()
	}
}

// Sent returns the data sent by the client on connection id.
func (s *Service) Sent(id proto.ID) string {
	s.μ.Lock()
	defer s.μ.Unlock()
	if c, ok := s.conns[id]; ok {
		return string(c.sent)
	}
	return ""
}

// Endpoints returns the endpoints requested for connection id.
func (s *Service) Endpoints(id proto.ID) (proto.EndpointPair, bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return proto.EndpointPair{}, false
	}
	return c.pair, true
}

// AddConn registers a connection the client did not request, as for a
// connection accepted by a listener, and returns its id.
func (s *Service) AddConn(pair proto.EndpointPair) proto.ID {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.addConnLocked(pair)
}

func (s *Service) addConnLocked(pair proto.EndpointPair) proto.ID {
	s.nextID++
	s.conns[s.nextID] = &fakeConn{pair: pair}
	return s.nextID
}

func (s *Service) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// guard wraps h to record each request and to apply injected failures.
func (s *Service) guard(m proto.Method, h ipc.Handler) ipc.Handler {
	return func(ctx context.Context, req *ipc.Request) ([]byte, error) {
		r := Request{Method: m}
		if len(req.Data) == 4 {
			r.ID.UnmarshalBinary(req.Data)
		}
		s.μ.Lock()
		s.reqs = append(s.reqs, r)
		st := s.fail[m]
		if next := s.script[m]; len(next) != 0 {
			st, s.script[m] = next[0], next[1:]
		}
		held := s.hold[m]
		s.μ.Unlock()

		if held != nil {
			select {
			case <-held:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if st != proto.OK {
			return nil, st.Err()
		}
		return h(ctx, req)
	}
}

func (s *Service) connCreate(_ context.Context, _ []byte, data []byte) (proto.ID, error) {
	var pair proto.EndpointPair
	if err := pair.UnmarshalBinary(data); err != nil {
		return 0, proto.Invalid.Err()
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.addConnLocked(pair), nil
}

func (s *Service) connDestroy(_ context.Context, id proto.ID) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if _, ok := s.conns[id]; !ok {
		return proto.NotFound.Err()
	}
	delete(s.conns, id)
	s.broadcastLocked()
	return nil
}

func (s *Service) listenerCreate(_ context.Context, _ []byte, data []byte) (proto.ID, error) {
	ep, err := proto.DecodeEndpoint(data)
	if err != nil {
		return 0, proto.Invalid.Err()
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	s.nextID++
	s.listeners[s.nextID] = ep
	return s.nextID, nil
}

func (s *Service) listenerDestroy(_ context.Context, id proto.ID) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if _, ok := s.listeners[id]; !ok {
		return proto.NotFound.Err()
	}
	delete(s.listeners, id)
	return nil
}

func (s *Service) connSend(_ context.Context, id proto.ID, data []byte) ([]byte, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, proto.NotFound.Err()
	}
	c.sent = append(c.sent, data...)
	return nil, nil
}

func (s *Service) checkConn(_ context.Context, id proto.ID) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if _, ok := s.conns[id]; !ok {
		return proto.NotFound.Err()
	}
	return nil
}

// takeLocked removes up to limit bytes from the input of connection id. It reports
// ready == false if there is nothing to deliver yet.
func (s *Service) takeLocked(id proto.ID, limit int) (data []byte, ready bool, err error) {
	c, ok := s.conns[id]
	if !ok {
		return nil, true, proto.NotFound.Err()
	} else if len(c.input) == 0 {
		return nil, c.eof, nil
	}
	n := min(limit, len(c.input))
	data = slices.Clone(c.input[:n])
	c.input = c.input[n:]
	return data, true, nil
}

func (s *Service) connRecv(_ context.Context, id proto.ID, limit int) ([]byte, proto.Count, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	data, ready, err := s.takeLocked(id, limit)
	if err != nil {
		return nil, 0, err
	} else if !ready {
		return nil, 0, proto.WouldBlock.Err()
	}
	return data, proto.Count(len(data)), nil
}

func (s *Service) connRecvWait(ctx context.Context, id proto.ID, limit int) ([]byte, proto.Count, error) {
	for {
		s.μ.Lock()
		data, ready, err := s.takeLocked(id, limit)
		ch := s.changed
		s.μ.Unlock()
		if err != nil {
			return nil, 0, err
		} else if ready {
			return data, proto.Count(len(data)), nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}
