// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package hostsvc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/proto"
	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

type event struct {
	kind proto.Event
	ids  []proto.ID
}

// eventQueue delivers events to a client one at a time in the order they
// were pushed. Each event is answered before the next is sent.
type eventQueue struct {
	μ      sync.Mutex
	q      *queue.Queue // of event
	ready  chan struct{} // buffered 1; signaled by push
	done   chan struct{} // closed by close
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		q:     queue.New(),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// push adds an event to the queue. It has no effect after close.
func (e *eventQueue) push(kind proto.Event, ids ...proto.ID) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.closed {
		return
	}
	e.q.Add(event{kind: kind, ids: ids})
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

// close stops the queue. Events not yet delivered are discarded.
func (e *eventQueue) close() {
	e.μ.Lock()
	defer e.μ.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}

// run delivers queued events to the client via peer, until the queue closes.
func (e *eventQueue) run(peer *ipc.Peer, log logrus.FieldLogger) {
	for {
		e.μ.Lock()
		if e.closed {
			e.μ.Unlock()
			return
		} else if e.q.Length() == 0 {
			e.μ.Unlock()
			select {
			case <-e.ready:
			case <-e.done:
			}
			continue
		}
		ev := e.q.Remove().(event)
		e.μ.Unlock()

		_, err := peer.Call(context.Background(), uint32(ev.kind), proto.EncodeIDs(ev.ids...))
		if st := proto.StatusOf(err); st != proto.OK {
			log.WithField("event", ev.kind).Debugf("event %v: client reported %v", ev.ids, st)
		}
	}
}

func isEOF(err error) bool { return errors.Is(err, io.EOF) }
