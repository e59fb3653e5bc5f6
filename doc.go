// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package tcpclient drives connections owned by a remote transport service.
//
// The service runs the network stack; the client reaches it only through an
// asynchronous call channel (see package ipc). A [Session] hides that channel
// behind a connection and listener API, and runs an event loop that applies
// the notifications the service pushes back: a connection was established,
// failed, or reset; data are available; a listener accepted a connection.
//
// # Sessions
//
// Open a session on an existing channel with [Open], or connect to a service
// by address with [Dial]:
//
//	s, err := tcpclient.Dial(ctx, "localhost:7070", nil)
//	if err != nil {
//	   log.Fatalf("Dial: %v", err)
//	}
//	defer s.Close()
//
// # Connections
//
// [Session.Connect] asks the service to open a connection, and returns as
// soon as the service has accepted the request. Use [Conn.WaitConnected] to
// wait for the connection to be established:
//
//	c, err := s.Connect(ctx, proto.EndpointPair{Remote: addr}, nil, nil)
//	if err != nil {
//	   return err
//	}
//	defer c.Close()
//	if err := c.WaitConnected(ctx); err != nil {
//	   return err
//	}
//
// [Conn.Recv] does not block: it reports [ErrWouldBlock] unless the service
// has said data are available. [Conn.RecvWait] blocks until data arrive. A
// [DataHandler] attached to a connection is called by the event loop each
// time the service reports data.
//
// # Listeners
//
// [Session.Listen] asks the service to listen on a local endpoint. Each
// accepted connection is registered with the session. If the listener has an
// [AcceptHandler], the handler runs in its own goroutine, and the connection
// is closed when the handler returns.
//
// # Errors
//
// Operations report errors of concrete type [*Error], whose Kind classifies
// the failure. Use errors.Is with the sentinel for a kind, for example:
//
//	n, err := c.Recv(ctx, buf)
//	if errors.Is(err, tcpclient.ErrWouldBlock) {
//	   // try again later
//	}
package tcpclient
