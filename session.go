// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import (
	"context"
	"expvar"
	"io"
	"net"
	"net/netip"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/ipc/channel"
	"github.com/creachadair/tcpclient/proto"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Options are optional settings for a session. A nil *Options is ready for
// use and provides default values.
type Options struct {
	// If set, the session writes its logs here. By default logs are discarded.
	Logger logrus.FieldLogger

	// If true, log every packet exchanged with the service at debug level.
	LogPackets bool
}

func (o *Options) logger() logrus.FieldLogger {
	if o == nil || o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		return l
	}
	return o.Logger
}

func (o *Options) logPackets() bool { return o != nil && o.LogPackets }

// serials assigns session serial numbers, for logs.
var serials atomix.Uint32

// A Session is a client's link to the transport service. Its methods are safe
// for concurrent use by multiple goroutines.
type Session struct {
	serial    uint32
	peer      *ipc.Peer
	rpc       adapter
	log       logrus.FieldLogger
	metrics   *sessionMetrics
	conns     registry[*Conn]
	listeners registry[*Listener]
	tasks     *taskgroup.Group // spawned accept handlers
	loopDone  func() error     // wait for the event loop to exit

	μ       sync.Mutex
	closed  bool                        // the session closed or hung up
	creates map[*pendingCreate]struct{} // creations in flight
}

// Open starts a session on a channel to the service, and registers with the
// service to receive events. If registration fails, the channel is closed.
func Open(ctx context.Context, ch ipc.Channel, opts *Options) (*Session, error) {
	serial := serials.Add(1)
	s := &Session{
		serial:  serial,
		log:     opts.logger().WithField("session", serial),
		tasks:   taskgroup.New(nil),
		creates: make(map[*pendingCreate]struct{}),
	}
	s.metrics = newSessionMetrics(s)

	s.peer = ipc.NewPeer().Detach().AcceptCalls()
	if opts.logPackets() {
		s.peer.LogPackets(func(pkt ipc.PacketInfo) { s.log.Debug(pkt.String()) })
	}
	s.peer.Start(ch)
	s.metrics.emap.Set("peer", s.peer.Metrics())
	s.rpc = adapter{peer: s.peer}
	s.loopDone = taskgroup.Go(s.eventLoop).Wait

	if err := s.rpc.open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.log.Debug("session open")
	return s, nil
}

// Dial connects to the service at addr and opens a session on the resulting
// channel. The address may be a WebSocket URL ("ws://..." or "wss://..."),
// a host:port for TCP, or the path of a Unix-domain socket.
func Dial(ctx context.Context, addr string, opts *Options) (*Session, error) {
	network, target := ipc.SplitAddress(addr)
	var ch ipc.Channel
	if network == "ws" {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			return nil, &Error{Op: "dial", Kind: KindIO, Err: err}
		}
		ch = channel.WebSocket(conn)
	} else {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, target)
		if err != nil {
			return nil, &Error{Op: "dial", Kind: KindIO, Err: err}
		}
		ch = channel.Conn(conn)
	}
	return Open(ctx, ch, opts)
}

// Close closes the channel to the service and waits for the event loop and
// any running accept handlers to finish. All connections of the session are
// closed; the service releases them when the channel closes. Close must not
// be called from a DataHandler or an AcceptHandler.
func (s *Session) Close() error {
	s.μ.Lock()
	s.closed = true
	s.μ.Unlock()

	err := s.peer.Stop()
	s.loopDone()
	s.closeConns()
	s.tasks.Wait()
	return err
}

// Metrics returns a map of metrics for the session, including the metrics of
// its channel peer.
func (s *Session) Metrics() *expvar.Map { return s.metrics.emap }

// Conns returns the live connections of the session, in the order they were
// created.
func (s *Session) Conns() []*Conn { return s.conns.list() }

// Listeners returns the live listeners of the session, in the order they
// were created.
func (s *Session) Listeners() []*Listener { return s.listeners.list() }

// Connect asks the service to open a connection between the given endpoints.
// It returns as soon as the service accepts the request; use WaitConnected to
// wait for the connection to be established. The handler h, if non-nil, is
// notified when data are available, and arg is the user value of the
// connection.
func (s *Session) Connect(ctx context.Context, pair proto.EndpointPair, h DataHandler, arg any) (*Conn, error) {
	const op = "conn-create"
	if s.isClosed() {
		return nil, &Error{Op: op, Kind: KindClosed}
	}
	pc := s.beginCreate()
	defer s.endCreate(pc)

	id, err := s.rpc.createConnection(ctx, pair, pc.attach)
	if err != nil {
		return nil, err
	}
	c := newConn(s, id, h, arg)
	if !s.conns.insert(id, c) {
		// The id belongs to a live connection, so this one cannot be used.
		if err := s.rpc.destroyConnection(ctx, id); err != nil {
			s.log.WithError(err).WithField("conn", id).Debug("destroy duplicate")
		}
		return nil, &Error{Op: op, Kind: KindInvalid, Err: errDuplicateID(id)}
	}
	s.log.WithField("conn", id).Debugf("connecting %v", pair)
	return c, nil
}

// Listen asks the service to accept connections on a local endpoint.
func (s *Session) Listen(ctx context.Context, local netip.AddrPort, cfg ListenConfig) (*Listener, error) {
	const op = "listener-create"
	if s.isClosed() {
		return nil, &Error{Op: op, Kind: KindClosed}
	}
	pc := s.beginCreate()
	defer s.endCreate(pc)

	id, err := s.rpc.createListener(ctx, local, pc.attach)
	if err != nil {
		return nil, err
	}
	l := &Listener{id: id, s: s, cfg: cfg}
	if !s.listeners.insert(id, l) {
		if err := s.rpc.destroyListener(ctx, id); err != nil {
			s.log.WithError(err).WithField("listener", id).Debug("destroy duplicate")
		}
		return nil, &Error{Op: op, Kind: KindInvalid, Err: errDuplicateID(id)}
	}
	s.log.WithField("listener", id).Debugf("listening on %v", local)
	return l, nil
}

// A pendingCreate tracks a connection or listener creation in flight.
type pendingCreate struct {
	s        *Session
	answered <-chan struct{} // set once the request is sent
	done     chan struct{}   // closed when the result is registered or dropped
}

// attach records the exchange carrying the creation request.
func (pc *pendingCreate) attach(x *ipc.Exchange) {
	pc.s.μ.Lock()
	defer pc.s.μ.Unlock()
	pc.answered = x.Answered()
}

// beginCreate records that a connection or listener creation is in flight.
// The caller must call endCreate when its result has been registered.
func (s *Session) beginCreate() *pendingCreate {
	pc := &pendingCreate{s: s, done: make(chan struct{})}
	s.μ.Lock()
	defer s.μ.Unlock()
	s.creates[pc] = struct{}{}
	return pc
}

func (s *Session) endCreate(pc *pendingCreate) {
	s.μ.Lock()
	defer s.μ.Unlock()
	delete(s.creates, pc)
	close(pc.done)
}

// awaitAnswered waits for creations whose responses have already arrived to
// register their results, and reports whether there were any.
//
// The service answers a creation before it reports events for the new id, so
// an event for an id the session does not know can only refer to a creation
// that has been answered. Creations still waiting for the service are not
// waited for.
func (s *Session) awaitAnswered() bool {
	var wait []chan struct{}
	s.μ.Lock()
	for pc := range s.creates {
		if pc.answered == nil {
			continue
		}
		select {
		case <-pc.answered:
			wait = append(wait, pc.done)
		default:
		}
	}
	s.μ.Unlock()
	for _, ch := range wait {
		<-ch
	}
	return len(wait) != 0
}

func (s *Session) isClosed() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.closed
}

// hangup marks the session closed after its channel ends, and wakes every
// goroutine blocked on a connection.
func (s *Session) hangup(err error) {
	s.μ.Lock()
	wasClosed := s.closed
	s.closed = true
	s.μ.Unlock()

	s.closeConns()
	if wasClosed {
		s.log.Debug("session closed")
	} else if err != nil && !errorIsClosed(err) {
		s.log.WithError(err).Error("service channel failed")
	} else {
		s.log.Info("service hung up")
	}
}

// closeConns marks every live connection closed, waking its waiters.
func (s *Session) closeConns() {
	for _, c := range s.conns.list() {
		c.state.markClosed()
	}
}

type errDuplicateID proto.ID

func (e errDuplicateID) Error() string { return "duplicate id " + proto.ID(e).String() }
