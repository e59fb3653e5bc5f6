// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package ipc

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/eapache/queue"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Handler processes a request from the remote peer. A handler can obtain
// the peer from its context argument using ContextPeer, and the inbound call
// (for bulk transfers) using ContextCall.
//
// By default, the error reported by a handler is returned to the caller with
// error code 0 and the text of the error as its message. A handler may return
// a value of concrete type ErrorData or *ErrorData to control the error code,
// message, and auxiliary error data.
type Handler func(context.Context, *Request) ([]byte, error)

// A PacketHandler processes a packet from the remote peer. Any error reported
// by a packet handler is protocol fatal.
type PacketHandler func(context.Context, *Packet) error

// A PacketLogger logs a packet exchanged with the remote peer.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet and a flag indicating whether the packet was
// sent or received.
type PacketInfo struct {
	*Packet      // the packet being logged
	Sent    bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) String() string {
	if p.Sent {
		return fmt.Sprintf("send %v", p.Packet)
	}
	return fmt.Sprintf("recv %v", p.Packet)
}

// A Peer is one end of a call channel. A zero-valued Peer is ready for use,
// but must not be copied after any method has been called.
//
// Call Start with a channel to start the service routine for the peer. Once
// started, a peer runs until Stop is called, the channel closes, or a protocol
// fatal error occurs. Use Wait to wait for the peer to exit and report its
// status.
//
// Inbound calls are dispatched to the handler registered for their method.
// If the peer accepts calls (see AcceptCalls), calls with no handler are
// queued in arrival order and delivered by Accept instead.
type Peer struct {
	in  interface{ Recv() (*Packet, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch    Channel
		plog  PacketLogger // copy of plog for outbound packets
		stats *peerMetrics
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err   error                        // protocol fatal error
	done  chan struct{}                // closed when the peer fails
	ocall map[uint32]*outbound         // outbound calls pending responses
	nexto uint32                       // next unused outbound call ID
	icall map[uint32]*Call             // inbound calls in progress
	imux  map[uint32]Handler           // methodID → handler
	pmux  map[PacketType]PacketHandler // packetType → packet handler
	plog  PacketLogger
	base  func() context.Context // return a new base context
	stats *peerMetrics

	accept bool          // queue calls with no handler
	inbox  *queue.Queue  // of *Call, in arrival order
	ready  chan struct{} // signaled when inbox becomes non-empty

	onExit func(error)
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer { return new(Peer) }

// Start starts the peer running on the given channel. The peer runs until the
// channel closes or a protocol fatal error occurs. Start does not block; call
// Wait to wait for the peer to exit and report its status.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.in != nil {
		panic("peer is already started")
	}

	g := taskgroup.New(nil)
	p.in = ch
	p.tasks = g
	p.err = nil
	p.done = make(chan struct{})
	p.ocall = make(map[uint32]*outbound)
	p.nexto = 0
	p.icall = make(map[uint32]*Call)
	p.inbox = queue.New()
	p.ready = make(chan struct{}, 1)
	if p.base == nil {
		p.base = context.Background
	}
	if p.stats == nil {
		p.stats = rootMetrics
	}
	p.out.Lock()
	p.out.ch = ch
	p.out.plog = p.plog
	p.out.stats = p.stats
	p.out.Unlock()

	in, m := p.in, p.stats
	g.Go(func() error {
		for {
			pkt, err := in.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			m.packetRecv.Add(1)
			if err := p.dispatchPacket(pkt); err != nil {
				p.fail(err)
				return nil
			}
		}
	})

	return p
}

// Metrics returns a metrics map for the peer. It is safe for the caller to add
// additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map { return p.metrics().emap }

// Detach gives p its own metrics, so that its activity no longer updates the
// metrics shared by other peers. It returns p to permit chaining.
func (p *Peer) Detach() *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.stats = newPeerMetrics()
	p.out.Lock()
	p.out.stats = p.stats
	p.out.Unlock()
	return p
}

func (p *Peer) metrics() *peerMetrics {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.stats == nil {
		return rootMetrics
	}
	return p.stats
}

// Stop closes the channel and terminates the peer. It blocks until the peer
// has exited and returns its status. After Stop completes it is safe to
// restart the peer with a new channel.
func (p *Peer) Stop() error { p.closeOut(); return p.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the peer was running.
func (p *Peer) waitTasks() bool {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until p terminates and reports the error that cause it to stop.
// After Wait completes it is safe to restart the peer with a new channel.
//
// If p is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol failure.
func (p *Peer) Wait() error {
	if !p.waitTasks() {
		return nil // the peer is not running
	}

	// Clean up peer state so it can be garbage collected.
	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()
	p.ocall = nil
	p.icall = nil
	p.inbox = nil

	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// failure reports the protocol fatal error for p, if any.
func (p *Peer) failure() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.err
}

// SendPacket sends a packet to the remote peer. Any error is protocol fatal.
// Any packet type can be sent, including reserved types. The caller is
// responsible for ensuring such packets have a valid payload.
func (p *Peer) SendPacket(ptype PacketType, payload []byte) error {
	return p.sendOut(&Packet{
		Type:    ptype,
		Payload: payload,
	})
}

// Call sends a call to the remote peer for the specified method and data, and
// blocks until ctx ends or until the response is received. If ctx ends before
// the peer replies, the call will be automatically cancelled. An error
// reported by Call has concrete type *CallError.
func (p *Peer) Call(ctx context.Context, method uint32, data []byte) (*Response, error) {
	x, err := p.Begin(method, data)
	if err != nil {
		return nil, err
	}
	return x.Wait(ctx)
}

// Begin sends a request for the specified method and data to the remote peer,
// and returns an exchange for the call without waiting for the response.
// The caller must eventually either Wait for the exchange or Forget it.
// An error reported by Begin has concrete type *CallError.
func (p *Peer) Begin(method uint32, data []byte) (*Exchange, error) {
	m := p.metrics()
	m.callOut.Add(1)

	// Phase 1: Check for fatal errors and acquire state.
	p.μ.Lock()
	if err := p.err; err != nil {
		p.μ.Unlock()
		m.callOutErr.Add(1)
		return nil, callError(err)
	} else if p.ocall == nil {
		p.μ.Unlock()
		m.callOutErr.Add(1)
		return nil, callError(net.ErrClosed)
	}
	p.nexto++
	id := p.nexto
	oc := newOutbound()
	p.ocall[id] = oc
	p.μ.Unlock()

	// Send the request to the remote peer. Note we MUST NOT hold the state lock
	// while doing this, as that will block the receiver from dispatching packets.
	err := p.sendOut(&Packet{
		Type: PacketRequest,
		Payload: Request{
			RequestID: id,
			MethodID:  method,
			Data:      data,
		}.Encode(),
	})

	// Phase 2: Check for an error in the send, and update state if it failed.
	p.μ.Lock()
	defer p.μ.Unlock()
	if err != nil {
		if p.ocall != nil {
			p.releaseIDLocked(id)
		}
		m.callOutErr.Add(1)
		return nil, callError(err)
	}
	m.callPending.Add(1)
	return &Exchange{p: p, id: id, oc: oc, m: m}, nil
}

// resultCoder is an extension interface an error may implement to override the
// result code reported for the error.
type resultCoder interface{ ResultCode() ResultCode }

// Handle registers a handler for the specified method ID. It is safe to call
// this while the peer is running. Passing a nil Handler removes any handler
// for the specified ID. Handle returns p to permit chaining.
//
// As a special case, if methodID == 0 the handler is called for any request
// with a method ID that does not have a more specific handler registered.
func (p *Peer) Handle(methodID uint32, handler Handler) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.imux == nil {
		p.imux = make(map[uint32]Handler)
	}
	if handler == nil {
		delete(p.imux, methodID)
	} else {
		p.imux[methodID] = handler
	}
	return p
}

// AcceptCalls directs p to queue inbound calls that have no registered
// handler, rather than rejecting them as unknown methods. Queued calls are
// delivered in arrival order by Accept. AcceptCalls returns p to permit
// chaining.
func (p *Peer) AcceptCalls() *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.accept = true
	return p
}

// Accept blocks until an inbound call is queued, ctx ends, or the peer stops.
// Calls are delivered in the order the remote peer sent them. The caller must
// answer each call with its Reply method.
//
// When the peer has stopped because its channel closed, Accept reports
// net.ErrClosed; if the peer failed, it reports the protocol fatal error.
func (p *Peer) Accept(ctx context.Context) (*Call, error) {
	for {
		p.μ.Lock()
		if p.inbox != nil && p.inbox.Length() != 0 {
			c := p.inbox.Remove().(*Call)
			p.stats.callWaiting.Add(-1)
			if p.inbox.Length() != 0 {
				p.signalLocked()
			}
			p.μ.Unlock()
			return c, nil
		}
		err, ready, done := p.err, p.ready, p.done
		p.μ.Unlock()

		if err != nil {
			if treatErrorAsSuccess(err) {
				return nil, net.ErrClosed
			}
			return nil, err
		} else if ready == nil {
			return nil, net.ErrClosed // not started
		}
		select {
		case <-ready:
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Peer) signalLocked() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// HandlePacket registers a callback that will be invoked whenever the remote
// peer sends a packet with the specified type. This method will panic if a
// reserved packet type is specified. Passing a nil callback removes any
// handler for the specified packet type. HandlePacket returns p to permit
// chaining.
//
// Packet handlers are invoked synchronously with the processing of packets
// sent by the remote peer. If a packet handler panics or reports an error, it
// is protocol fatal and will terminate the peer.
func (p *Peer) HandlePacket(ptype PacketType, handler PacketHandler) *Peer {
	if ptype <= maxReservedType {
		panic(fmt.Sprintf("cannot handle reserved packet type %d", ptype))
	}

	p.μ.Lock()
	defer p.μ.Unlock()
	if p.pmux == nil {
		p.pmux = make(map[PacketType]PacketHandler)
	}
	if handler == nil {
		delete(p.pmux, ptype)
	} else {
		p.pmux[ptype] = handler
	}
	return p
}

// LogPackets registers a callback that will be invoked for each packet
// exchanged with the remote peer, regardless of type, including packets to be
// discarded.
//
// Passing a nil callback disables packet logging. The packet logger is invoked
// synchronously with dispatch, prior to sending or calling a packet handler.
func (p *Peer) LogPackets(log PacketLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.plog = log
	p.out.Lock()
	p.out.plog = log
	p.out.Unlock()
	return p
}

// OnExit registers a callback to be invoked when the peer terminates. The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (p *Peer) OnExit(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

// NewContext registers a function that will be called to create a new base
// context for inbound calls and packet handlers. If it is not set a
// background context is used.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if base == nil {
		p.base = context.Background
	} else {
		p.base = base
	}
	return p
}

// fail terminates all pending calls and updates the failure status.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	defer p.μ.Unlock()

	// Terminate all incomplete pending (outbound) calls.
	for _, oc := range p.ocall {
		oc.close()
	}
	p.ocall = nil

	// Terminate all incomplete active (inbound) calls, including those queued
	// and not yet accepted.
	for _, c := range p.icall {
		c.cancel()
	}
	p.icall = nil
	p.stats.callWaiting.Add(-int64(p.inbox.Length()))
	p.inbox = queue.New()

	p.err = err
	close(p.done)
	if p.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		p.onExit(err)
	}
}

func (p *Peer) sendRsp(rsp *Response) {
	p.μ.Lock()
	delete(p.icall, rsp.RequestID)
	err := p.err
	p.μ.Unlock()

	if err != nil {
		return
	}

	if err := p.sendOut(&Packet{
		Type:    PacketResponse,
		Payload: rsp.Encode(),
	}); err != nil {
		p.closeOut()
	}
}

func (p *Peer) sendTransferReply(rsp TransferReply) error {
	return p.sendOut(&Packet{
		Type:    PacketTransferReply,
		Payload: rsp.Encode(),
	})
}

// sendCancel sends a cancellation for id to the remote peer.
func (p *Peer) sendCancel(id uint32) {
	if err := p.sendOut(&Packet{
		Type:    PacketCancel,
		Payload: Cancel{RequestID: id}.Encode(),
	}); err != nil {
		p.closeOut() // protocol fatal
	}
}

// dispatchRequestLocked dispatches an inbound request to its handler, or
// queues it for Accept. It reports an error back to the caller for duplicate
// request ID or unknown method.
func (p *Peer) dispatchRequestLocked(req *Request) (err error) {
	p.stats.callIn.Add(1)
	defer func() {
		if err != nil {
			p.stats.callInErr.Add(1)
		}
	}()

	// Report duplicate request ID without failing the existing call.
	if _, ok := p.icall[req.RequestID]; ok {
		return p.sendOut(&Packet{
			Type: PacketResponse,
			Payload: Response{
				RequestID: req.RequestID,
				Code:      CodeDuplicateID,
			}.Encode(),
		})
	}

	handler, ok := p.imux[req.MethodID]
	if !ok {
		const wildcardID = 0
		handler, ok = p.imux[wildcardID]
	}
	if !ok && !p.accept {
		return p.sendOut(&Packet{
			Type: PacketResponse,
			Payload: Response{
				RequestID: req.RequestID,
				Code:      CodeUnknownMethod,
			}.Encode(),
		})
	}

	c := p.newCallLocked(req)
	p.icall[req.RequestID] = c

	if !ok {
		p.inbox.Add(c)
		p.signalLocked()
		p.stats.callQueued.Add(1)
		p.stats.callWaiting.Add(1)
		return nil
	}

	// Start a goroutine to service the request. The call handles cancellation
	// and response delivery.
	p.stats.callActive.Add(1)
	m := p.stats
	p.tasks.Go(func() error {
		defer m.callActive.Add(-1)

		data, err := func() (_ []byte, err error) {
			// Ensure a panic out of the handler is turned into a graceful response.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return handler(c.ctx, &c.Request)
		}()
		c.Reply(data, err)
		return nil
	})
	return nil
}

// dispatchPacket routes an inbound packet from the remote peer.
// Any error it reports is protocol fatal.
func (p *Peer) dispatchPacket(pkt *Packet) error {
	p.μ.Lock()
	plog := p.plog
	p.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: false})
	}
	if pkt.Protocol != 0 {
		p.stats.packetDropped.Add(1)
		return nil // unknown protocol version
	}
	switch pkt.Type {
	case PacketRequest:
		var req Request
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		return p.dispatchRequestLocked(&req)

	case PacketCancel:
		var req Cancel
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid cancel packet: %w", err)
		}
		p.stats.cancelIn.Add(1)
		p.μ.Lock()
		defer p.μ.Unlock()

		// If there is a call in flight for this request, signal it to stop.
		// The call will figure out how to reply and clean up.
		if c, ok := p.icall[req.RequestID]; ok {
			c.cancel()
		}
		return nil

	case PacketResponse:
		var rsp Response
		if err := rsp.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()

		oc, ok := p.ocall[rsp.RequestID]
		if !ok {
			// Silently discard response for unknown request ID.
			return nil
		}

		p.releaseIDLocked(rsp.RequestID)
		oc.deliver(&rsp) // does not block

	case PacketTransfer:
		var x Transfer
		if err := x.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid transfer packet: %w", err)
		}
		p.stats.transferIn.Add(1)
		p.μ.Lock()
		c, ok := p.icall[x.RequestID]
		p.μ.Unlock()
		if !ok {
			return p.sendTransferReply(TransferReply{RequestID: x.RequestID, Code: CodeUnknownRequest})
		}
		select {
		case c.xfer <- &x:
		default:
			// The call has not consumed its previous transfer.
			return p.sendTransferReply(TransferReply{RequestID: x.RequestID, Code: CodeDuplicateID})
		}

	case PacketTransferReply:
		var rsp TransferReply
		if err := rsp.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid transfer reply packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		if oc := p.ocall[rsp.RequestID]; oc != nil {
			oc.transferred(&rsp)
		}

	default:
		p.μ.Lock()
		handler, ok := p.pmux[pkt.Type]
		p.μ.Unlock()
		if !ok {
			p.stats.packetDropped.Add(1)
			break // ignore the packet
		}

		pctx := context.WithValue(p.base(), peerContextKey{}, p)
		return func() (err error) {
			// Ensure a panic out of a packet handler is turned into a protocol fatal.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("packet handler panicked (recovered): %v", x)
				}
			}()
			return handler(pctx, pkt)
		}()
	}
	return nil
}

// releaseIDLocked releases the call state for the specified outbound request id.
func (p *Peer) releaseIDLocked(id uint32) {
	delete(p.ocall, id)
	if len(p.ocall) == 0 {
		p.nexto = 0
	}
}

// sendOut sends pkt to the remote peer. It does not acquire p.μ, so it is
// safe to call with p.μ held.
func (p *Peer) sendOut(pkt *Packet) error {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return net.ErrClosed
	}
	p.out.stats.packetSent.Add(1)
	if p.out.plog != nil {
		p.out.plog(PacketInfo{Packet: pkt, Sent: true})
	}
	return p.out.ch.Send(pkt)
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

func callError(err error) *CallError { return &CallError{Err: err} }

// resultError constructs the error for an unsuccessful result.
func resultError(rsp *Response) *CallError {
	if rsp.Code == CodeCanceled {
		return &CallError{Err: context.Canceled, Response: rsp}
	}
	ce := &CallError{Response: rsp}
	if rsp.Code == CodeServiceError {
		// Try to decode the error data, but if that fails use the string from
		// the failure message so the caller has a way to debug.
		if err := ce.ErrorData.Decode(rsp.Data); err != nil {
			ce.Message = err.Error()
		}
	}
	return ce
}

// CallError is the concrete type of errors reported by the Call and Begin
// methods of a Peer, and by the methods of an Exchange. For service errors,
// the Err field is nil and the ErrorData contains the error details. For
// errors arising from a response or transfer reply, the Response field
// contains the complete result.
type CallError struct {
	ErrorData
	Err      error     // nil for service errors
	Response *Response // set if a the error came from a call response
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	} else if c.Response.Code == CodeServiceError {
		return fmt.Sprintf("service error: %v", c.ErrorData.Error())
	}
	return fmt.Sprintf("request %d: %s", c.Response.RequestID, c.Response.Code.String())
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil if
// none is defined. The context passed to a method Handler has this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}
