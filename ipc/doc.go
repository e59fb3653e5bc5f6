// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package ipc implements the asynchronous call channel between a client and
// the network service that owns its connections.
//
// Two peers exchange binary packets over a shared reliable channel. Either
// peer may issue calls to the other; each call is a request carrying a numeric
// method ID and opaque data, answered by exactly one response. While a call is
// pending, the caller may also exchange bulk data with the handler in either
// direction, without waiting for the call to complete.
//
// # Peers
//
// The core type defined by this package is the [Peer]. Peers concurrently
// initiate and service calls with another peer over a [Channel].
//
//	p := ipc.NewPeer().Start(ch)
//
// The peer runs until [Peer.Stop] is called, the channel is closed by the
// remote peer, or a protocol fatal error occurs. Call [Peer.Wait] to wait for
// the peer to exit and return its status.
//
// # Outbound Calls
//
// To issue a call and wait for its result, use [Peer.Call]:
//
//	rsp, err := p.Call(ctx, methodID, data)
//
// To exchange bulk data with the handler before the result arrives, use
// [Peer.Begin] to obtain an [Exchange]:
//
//	x, err := p.Begin(methodID, header)
//	if err != nil {
//	   return err
//	}
//	if err := x.Write(ctx, payload); err != nil {
//	   x.Forget()
//	   return err
//	}
//	rsp, err := x.Wait(ctx)
//
// An Exchange that is not waited for must be forgotten, which asks the remote
// peer to cancel it. Errors reported by calls have concrete type [*CallError].
//
// # Inbound Calls
//
// Register a [Handler] for a method with [Peer.Handle]. Each handler runs in
// its own goroutine; the handler may use [ContextPeer] to call back to the
// remote peer, and [ContextCall] to reach the [Call] for bulk transfers.
//
// A peer that must observe inbound calls in the order they were sent can use
// [Peer.AcceptCalls] instead. Calls for methods with no handler are then
// queued and delivered by [Peer.Accept], and answered with [Call.Reply].
//
// # Metrics
//
// Peers maintain a collection of metrics while running. Use [Peer.Metrics] to
// obtain an [expvar.Map] of the metrics exported by the peer. By default,
// metrics are shared globally among all peers; [Peer.Detach] gives a peer its
// own metrics.
//
// The metrics currently exported by peers include:
//
//   - packets_received: counter of packets received
//   - packets_sent: counter of packets sent
//   - packets_dropped: counter of packets received and discarded
//   - calls_in: counter of inbound call requests received
//   - calls_in_failed: counter of inbound call requests resulting in errors
//   - calls_queued: counter of inbound calls queued for Accept
//   - calls_active: gauge of inbound calls currently active
//   - calls_out: counter of outbound call requests sent
//   - calls_out_failed: counter of outbound call requests resulting in errors
//   - cancels_in: counter of cancellation requests received
//   - calls_pending: gauge of outbound calls currently pending
//   - transfers_in: counter of bulk transfers received
//   - transfers_out: counter of bulk transfers sent
package ipc
