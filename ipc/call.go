// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrExchangeDone is reported by the transfer methods of an Exchange whose
// call has already received its response, or whose remote handler finished
// before the transfer reached it.
var ErrExchangeDone = errors.New("exchange already completed")

// outbound is the delivery state for an outbound call.
type outbound struct {
	rsp  chan *Response      // buffered 1; closed after delivery or failure
	xfer chan *TransferReply // buffered 1; closed with rsp
	done chan struct{}       // closed with rsp
}

func newOutbound() *outbound {
	return &outbound{
		rsp:  make(chan *Response, 1),
		xfer: make(chan *TransferReply, 1),
		done: make(chan struct{}),
	}
}

// deliver sends rsp and closes o. The caller must hold the peer lock, and must
// have removed o from the pending set. It is a no-op if o == nil.
func (o *outbound) deliver(rsp *Response) {
	if o != nil {
		o.rsp <- rsp
		o.close()
	}
}

// close closes o without a response. The caller must hold the peer lock.
func (o *outbound) close() {
	if o != nil {
		close(o.rsp)
		close(o.xfer)
		close(o.done)
	}
}

// transferred delivers a transfer reply to o, or discards it if an earlier
// reply has not been consumed. The caller must hold the peer lock.
func (o *outbound) transferred(rsp *TransferReply) {
	select {
	case o.xfer <- rsp:
	default:
	}
}

// An Exchange is an outbound call in progress. An exchange may perform any
// number of bulk transfers, one at a time, before its response arrives. The
// methods of an Exchange must not be used concurrently.
type Exchange struct {
	p  *Peer
	id uint32
	oc *outbound
	m  *peerMetrics

	settled bool      // Wait or Forget has completed
	rsp     *Response // the cached result of Wait
	err     error
}

// ID reports the request ID of the call.
func (x *Exchange) ID() uint32 { return x.id }

// Answered returns a channel that is closed once the response for the call
// has arrived, or the call has ended without one. Packets from the remote
// peer are processed in order, so a response that preceded any later inbound
// packet on the channel is already reflected here.
func (x *Exchange) Answered() <-chan struct{} { return x.oc.done }

// Write transfers data to the remote handler for the call, and blocks until
// the handler acknowledges it or ctx ends. If the call has already received
// its response, Write reports ErrExchangeDone.
func (x *Exchange) Write(ctx context.Context, data []byte) error {
	_, err := x.transfer(ctx, Transfer{
		RequestID: x.id,
		Dir:       TransferWrite,
		Limit:     uint32(len(data)),
		Data:      data,
	})
	return err
}

// Read asks the remote handler for up to len(buf) bytes of data for the call,
// and blocks until they arrive or ctx ends. It returns the number of bytes
// copied into buf. If the call has already received its response, Read
// reports ErrExchangeDone.
func (x *Exchange) Read(ctx context.Context, buf []byte) (int, error) {
	rsp, err := x.transfer(ctx, Transfer{
		RequestID: x.id,
		Dir:       TransferRead,
		Limit:     uint32(len(buf)),
	})
	if err != nil {
		return 0, err
	} else if len(rsp.Data) > len(buf) {
		return 0, callError(fmt.Errorf("transfer returned %d bytes, limit is %d", len(rsp.Data), len(buf)))
	}
	return copy(buf, rsp.Data), nil
}

func (x *Exchange) transfer(ctx context.Context, req Transfer) (*TransferReply, error) {
	p := x.p
	p.μ.Lock()
	oc, live := p.ocall[x.id]
	err := p.err
	p.μ.Unlock()
	if err != nil {
		return nil, callError(fmt.Errorf("call terminated: %w", err))
	} else if !live || oc != x.oc {
		return nil, callError(ErrExchangeDone)
	}

	x.m.transferOut.Add(1)
	if err := p.sendOut(&Packet{
		Type:    PacketTransfer,
		Payload: req.Encode(),
	}); err != nil {
		return nil, callError(err)
	}

	select {
	case rsp, ok := <-x.oc.xfer:
		if !ok {
			if err := p.failure(); err != nil {
				return nil, callError(fmt.Errorf("call terminated: %w", err))
			}
			return nil, callError(ErrExchangeDone)
		} else if rsp.Code == CodeUnknownRequest {
			// The remote call finished before the transfer reached it, and its
			// response is on the way.
			return nil, callError(ErrExchangeDone)
		} else if rsp.Code != CodeSuccess {
			x.m.transferErr.Add(1)
			return nil, resultError(&Response{
				RequestID: rsp.RequestID,
				Code:      rsp.Code,
				Data:      rsp.Data,
			})
		}
		return rsp, nil
	case <-ctx.Done():
		return nil, callError(ctx.Err())
	}
}

// Wait blocks until the response for the call arrives or ctx ends. If ctx
// ends before the peer replies, the call is cancelled. An error reported by
// Wait has concrete type *CallError. Once Wait has returned, subsequent calls
// report the same result.
func (x *Exchange) Wait(ctx context.Context) (*Response, error) {
	if x.settled {
		return x.rsp, x.err
	}
	x.rsp, x.err = x.wait(ctx)
	x.settled = true
	x.m.callPending.Add(-1)
	if x.err != nil {
		x.m.callOutErr.Add(1)
	}
	return x.rsp, x.err
}

func (x *Exchange) wait(ctx context.Context) (*Response, error) {
	p, id, pc := x.p, x.id, x.oc.rsp

	var watchdog *time.Timer
	defer func() {
		if watchdog != nil {
			watchdog.Stop()
		}
	}()

	done := ctx.Done()
	for {
		select {
		case <-done:
			// The local context ended, try to cancel the request. This may
			// complete the call (if the peer replies) or may not. In the case
			// where it does not, set a watchdog to ensure we do not wait forever
			// for the peer to answer the cancellation.
			//
			// We do not need a watchdog if the channel failed, as the peer will
			// close all the pending calls when it exits.
			p.sendCancel(id)

			// N.B. We "pin" request IDs with nil entries when a call times out,
			// until the peer either explicitly responds, or the channel closes.
			// The id may be reused once this call is released, so the watchdog
			// must only touch the entry belonging to this exchange.
			watchdog = time.AfterFunc(50*time.Millisecond, func() {
				p.μ.Lock()
				defer p.μ.Unlock()
				if p.ocall[id] == x.oc {
					x.m.cancelExpired.Add(1)
					p.ocall[id] = nil
					x.oc.deliver(&Response{RequestID: id, Code: CodeCanceled})
				}
			})

			// Stop checking the local context so the call can complete.
			done = nil

		case rsp, ok := <-pc:
			if !ok {
				// The peer closed the channel while the call was pending.
				err := p.failure()
				if err == nil {
					err = ErrExchangeDone
				}
				return nil, callError(fmt.Errorf("call terminated: %w", err))
			} else if rsp.Code == CodeSuccess {
				return rsp, nil
			}
			return nil, resultError(rsp)
		}
	}
}

// Forget abandons the call. If the response has not yet arrived, Forget asks
// the remote peer to cancel the call; the response will be discarded when it
// arrives. Forget has no effect if Wait has already returned.
func (x *Exchange) Forget() {
	if x.settled {
		return
	}
	x.settled = true
	x.err = callError(context.Canceled)
	x.m.callPending.Add(-1)

	p := x.p
	p.μ.Lock()
	oc, live := p.ocall[x.id]
	p.μ.Unlock()
	if live && oc == x.oc {
		p.sendCancel(x.id)
	}
}

// A Call is an inbound call from the remote peer. A call is passed to its
// method handler through the context, or delivered by Accept for methods
// with no handler. Each call must be answered exactly once, by its handler
// returning or by the Reply method.
type Call struct {
	Request

	peer    *Peer
	ctx     context.Context
	cancel  context.CancelFunc
	xfer    chan *Transfer // buffered 1
	replied atomic.Bool
	sent    chan struct{} // closed after the reply is sent
}

func (p *Peer) newCallLocked(req *Request) *Call {
	pctx := context.WithValue(p.base(), peerContextKey{}, p)
	ctx, cancel := context.WithCancel(pctx)
	c := &Call{
		Request: *req,
		peer:    p,
		cancel:  cancel,
		xfer:    make(chan *Transfer, 1),
		sent:    make(chan struct{}),
	}
	c.ctx = context.WithValue(ctx, callContextKey{}, c)
	return c
}

type callContextKey struct{}

// ContextCall returns the inbound Call associated with the given context, or
// nil if none is defined. The context passed to a method Handler has this
// value.
func ContextCall(ctx context.Context) *Call {
	if v := ctx.Value(callContextKey{}); v != nil {
		return v.(*Call)
	}
	return nil
}

// Context returns the context of the call. It ends when the caller cancels
// the call, when the call is answered, or when the peer stops.
func (c *Call) Context() context.Context { return c.ctx }

// Peer returns the peer that received c.
func (c *Call) Peer() *Peer { return c.peer }

// Reply answers the call with the given data and error. If err == nil the
// call succeeds with data as its result; otherwise the error is reported to
// the caller as described for Handler. Only the first Reply for a call has
// any effect; Reply reports whether it was the first.
func (c *Call) Reply(data []byte, err error) bool {
	if c.replied.Swap(true) {
		return false
	}
	rsp := &Response{RequestID: c.RequestID}
	if err == nil {
		rsp.Code = CodeSuccess
		rsp.Data = data
	} else if c.ctx.Err() != nil && errors.Is(err, c.ctx.Err()) {
		rsp.Code = CodeCanceled
	} else {
		rsp.Code, rsp.Data = errorResult(err)
	}
	if rsp.Code != CodeSuccess {
		c.peer.metrics().callInErr.Add(1)
	}
	c.cancel()
	c.peer.sendRsp(rsp)
	close(c.sent)
	return true
}

// Replied returns a channel that is closed once the reply to c has been
// handed to the channel, or dropped because the peer has failed. Packets sent
// after that point reach the remote peer after the reply.
func (c *Call) Replied() <-chan struct{} { return c.sent }

// errorResult returns the result code and data reported to the caller for a
// failed call.
func errorResult(err error) (ResultCode, []byte) {
	var rc resultCoder
	var edp *ErrorData
	var ed ErrorData

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCanceled, nil
	} else if errors.As(err, &rc) {
		return rc.ResultCode(), nil
	} else if errors.As(err, &edp) {
		return CodeServiceError, edp.Encode()
	} else if errors.As(err, &ed) {
		return CodeServiceError, ed.Encode()
	}
	return CodeServiceError, ErrorData{Message: err.Error()}.Encode()
}

// AcceptWrite blocks until the caller transfers data to the call, and returns
// the data. It reports an error if ctx ends, or if the call is cancelled
// before a transfer arrives.
func (c *Call) AcceptWrite(ctx context.Context) ([]byte, error) {
	x, err := c.nextTransfer(ctx, TransferWrite)
	if err != nil {
		return nil, err
	}
	if err := c.peer.sendTransferReply(TransferReply{
		RequestID: c.RequestID,
		Code:      CodeSuccess,
	}); err != nil {
		return nil, err
	}
	return x.Data, nil
}

// AnswerRead blocks until the caller asks to read data from the call, then
// calls fill with the maximum number of bytes the caller will accept, and
// transfers the data it returns. Data beyond the limit are discarded. If fill
// reports an error, it is reported to the caller as described for Handler,
// and AnswerRead returns that error.
func (c *Call) AnswerRead(ctx context.Context, fill func(limit int) ([]byte, error)) error {
	x, err := c.nextTransfer(ctx, TransferRead)
	if err != nil {
		return err
	}
	rsp := TransferReply{RequestID: c.RequestID}
	data, ferr := fill(int(x.Limit))
	if ferr != nil {
		rsp.Code, rsp.Data = errorResult(ferr)
	} else {
		if len(data) > int(x.Limit) {
			data = data[:x.Limit]
		}
		rsp.Code, rsp.Data = CodeSuccess, data
	}
	if err := c.peer.sendTransferReply(rsp); err != nil {
		return err
	}
	return ferr
}

func (c *Call) nextTransfer(ctx context.Context, dir TransferDir) (*Transfer, error) {
	select {
	case x := <-c.xfer:
		if x.Dir != dir {
			c.peer.sendTransferReply(TransferReply{
				RequestID: c.RequestID,
				Code:      CodeServiceError,
				Data:      ErrorData{Message: fmt.Sprintf("unexpected %v transfer", x.Dir)}.Encode(),
			})
			return nil, fmt.Errorf("got %v transfer, want %v", x.Dir, dir)
		}
		return x, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}
