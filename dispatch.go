// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/proto"
	"github.com/sirupsen/logrus"
)

// eventLoop receives events from the service and dispatches them in arrival
// order. Each event is answered with the status of its handling before the
// next is processed. The loop exits when the channel to the service ends.
func (s *Session) eventLoop() error {
	ctx := context.Background()
	for {
		call, err := s.peer.Accept(ctx)
		if err != nil {
			s.hangup(err)
			return nil
		}
		st := s.dispatch(call)
		call.Reply(nil, st.Err())
	}
}

// An eventHandler handles an event whose id arguments have been decoded and
// checked. It returns the status reported to the service.
type eventHandler func(s *Session, log logrus.FieldLogger, ev proto.Event, ids []proto.ID) proto.Status

var eventTable = map[proto.Event]eventHandler{
	proto.EventConnected:  (*Session).onTerminal,
	proto.EventConnFailed: (*Session).onTerminal,
	proto.EventConnReset:  (*Session).onTerminal,
	proto.EventData:       (*Session).onData,
	proto.EventUrgentData: (*Session).onUrgentData,
	proto.EventNewConn:    (*Session).onNewConn,
}

// dispatch handles a single event call and returns its status.
func (s *Session) dispatch(call *ipc.Call) proto.Status {
	s.metrics.eventsIn.Add(1)
	ev := proto.Event(call.MethodID)
	log := s.log.WithField("event", ev)

	h, ok := eventTable[ev]
	if !ok {
		log.Warn("unknown event")
		return proto.NotSupported
	}
	ids, err := proto.DecodeIDs(call.Data)
	if err != nil || len(ids) != ev.NumIDs() {
		log.WithError(err).Warnf("invalid event arguments (%d bytes)", len(call.Data))
		return proto.Invalid
	}
	st := h(s, log, ev, ids)
	if st == proto.NotFound {
		s.metrics.eventsStale.Add(1)
		log.WithField("id", ids[0]).Debug("event for unknown id")
	}
	return st
}

// findConn returns the live connection with the given id. If there is none,
// findConn waits for answered creations to register and looks once more,
// since the id may have been assigned by one of them.
func (s *Session) findConn(id proto.ID) (*Conn, bool) {
	if c, err := s.conns.lookup(id); err == nil {
		return c, true
	} else if !s.awaitAnswered() {
		return nil, false
	}
	c, err := s.conns.lookup(id)
	return c, err == nil
}

// findListener is the listener counterpart of findConn.
func (s *Session) findListener(id proto.ID) (*Listener, bool) {
	if l, err := s.listeners.lookup(id); err == nil {
		return l, true
	} else if !s.awaitAnswered() {
		return nil, false
	}
	l, err := s.listeners.lookup(id)
	return l, err == nil
}

// onTerminal handles the connected, conn-failed, and conn-reset events.
func (s *Session) onTerminal(log logrus.FieldLogger, ev proto.Event, ids []proto.ID) proto.Status {
	c, ok := s.findConn(ids[0])
	if !ok {
		return proto.NotFound
	}
	log = log.WithField("conn", c.id)

	var set bool
	switch ev {
	case proto.EventConnected:
		set = c.state.setConnected()
	case proto.EventConnFailed:
		set = c.state.setFailed()
	case proto.EventConnReset:
		set = c.state.setReset()
	}
	if !set {
		log.Warnf("ignored %v event in state %+v", ev, c.state.snapshot())
	} else {
		log.Debug("state changed")
	}
	return proto.OK
}

// onData handles a data event. The data handler of the connection, if any, is
// called before the event is answered.
func (s *Session) onData(log logrus.FieldLogger, _ proto.Event, ids []proto.ID) proto.Status {
	c, ok := s.findConn(ids[0])
	if !ok {
		return proto.NotFound
	}
	c.state.setDataAvailable()
	if c.data != nil {
		s.notifyData(log.WithField("conn", c.id), c)
	}
	return proto.OK
}

func (s *Session) notifyData(log logrus.FieldLogger, c *Conn) {
	defer func() {
		if x := recover(); x != nil {
			log.Errorf("data handler panicked: %v", x)
		}
	}()
	c.data.DataAvailable(c)
}

// onUrgentData handles an urgent-data event. Urgent data are not supported,
// so the event is refused whether or not the connection exists.
func (s *Session) onUrgentData(log logrus.FieldLogger, _ proto.Event, ids []proto.ID) proto.Status {
	log.WithField("conn", ids[0]).Debug("urgent data not supported")
	return proto.NotSupported
}

// onNewConn handles a new-conn event for a connection accepted by a listener.
// The new connection is registered with the session, and handed to the
// accept handler of the listener if it has one.
func (s *Session) onNewConn(log logrus.FieldLogger, _ proto.Event, ids []proto.ID) proto.Status {
	lid, cid := ids[0], ids[1]
	l, ok := s.findListener(lid)
	if !ok {
		return proto.NotFound
	}
	log = log.WithFields(logrus.Fields{"listener": lid, "conn": cid})

	c := newConn(s, cid, l.cfg.Data, l.cfg.DataArg)
	if !s.conns.insert(cid, c) {
		log.Warn("duplicate connection id")
		return proto.Invalid
	}
	// An accepted connection is established when it is reported.
	c.state.setConnected()

	if l.cfg.Accept != nil {
		s.spawnAccept(log, l, c)
	} else {
		log.Debug("accepted connection")
	}
	return proto.OK
}

// errorIsClosed reports whether err means the channel closed normally.
func errorIsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
