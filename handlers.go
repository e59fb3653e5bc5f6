// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

// A DataHandler is notified when the service reports data available on a
// connection. DataAvailable is called synchronously by the event loop of the
// session, so it delays the processing of later events until it returns. It
// may receive from the connection, but must not close the session.
type DataHandler interface {
	DataAvailable(*Conn)
}

// DataFunc adapts a function to a DataHandler.
type DataFunc func(*Conn)

// DataAvailable implements the DataHandler interface.
func (f DataFunc) DataAvailable(c *Conn) { f(c) }

// An AcceptHandler handles a connection accepted by a listener. NewConn runs
// in its own goroutine, and the connection is closed when it returns.
type AcceptHandler interface {
	NewConn(*Listener, *Conn)
}

// AcceptFunc adapts a function to an AcceptHandler.
type AcceptFunc func(*Listener, *Conn)

// NewConn implements the AcceptHandler interface.
func (f AcceptFunc) NewConn(l *Listener, c *Conn) { f(l, c) }

// ListenConfig configures a listener.
type ListenConfig struct {
	// If set, Accept is called for each connection accepted by the listener.
	// Otherwise, accepted connections are registered with the session for the
	// application to find with Session.Conns.
	Accept AcceptHandler

	// AcceptArg is the user value of the listener.
	AcceptArg any

	// Data and DataArg are the data handler and user value for connections
	// accepted by the listener.
	Data    DataHandler
	DataArg any
}
