// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import (
	"errors"
	"fmt"
	"net"

	"code.hybscloud.com/iox"
	"github.com/creachadair/tcpclient/proto"
)

// Kind classifies the errors reported by a session.
type Kind int

// Error kinds.
const (
	KindNoMemory     Kind = iota + 1 // the service exhausted its resources
	KindIO                           // the channel or the service failed
	KindInvalid                      // invalid argument
	KindNotFound                     // unknown connection or listener
	KindWouldBlock                   // nothing is ready for a non-blocking receive
	KindNotSupported                 // the operation is not supported
	KindConnFailed                   // the connection failed
	KindConnReset                    // the connection was reset
	KindClosed                       // the connection or session is closed
)

// Sentinel errors for each Kind. An *Error matches the sentinel for its kind
// under errors.Is.
var (
	ErrNoMemory     = errors.New("resources exhausted")
	ErrIO           = errors.New("i/o failure")
	ErrInvalid      = errors.New("invalid argument")
	ErrNotFound     = errors.New("not found")
	ErrWouldBlock   = iox.ErrWouldBlock
	ErrNotSupported = errors.New("not supported")
	ErrConnFailed   = errors.New("connection failed")
	ErrConnReset    = errors.New("connection reset")
	ErrClosed       = net.ErrClosed
)

var kindErrors = [...]error{
	KindNoMemory:     ErrNoMemory,
	KindIO:           ErrIO,
	KindInvalid:      ErrInvalid,
	KindNotFound:     ErrNotFound,
	KindWouldBlock:   ErrWouldBlock,
	KindNotSupported: ErrNotSupported,
	KindConnFailed:   ErrConnFailed,
	KindConnReset:    ErrConnReset,
	KindClosed:       ErrClosed,
}

// sentinel returns the sentinel error for k, or nil if k is not valid.
func (k Kind) sentinel() error {
	if k > 0 && int(k) < len(kindErrors) {
		return kindErrors[k]
	}
	return nil
}

func (k Kind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("kind:%d", int(k))
}

// Error is the concrete type of errors reported by sessions, connections, and
// listeners.
type Error struct {
	Op   string // the operation that failed, e.g., "conn-send"
	Kind Kind   // the classification of the failure
	Err  error  // the underlying cause, or nil
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

// Unwrap returns the underlying cause of e.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel error for the kind of e.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// opError returns an *Error for a failed call to the service, classified by
// the status the service reported. It returns nil if err == nil.
func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: statusKind(proto.StatusOf(err)), Err: err}
}

var statusKinds = [...]Kind{
	proto.NoMemory:         KindNoMemory,
	proto.IOFailure:        KindIO,
	proto.Invalid:          KindInvalid,
	proto.NotFound:         KindNotFound,
	proto.WouldBlock:       KindWouldBlock,
	proto.NotSupported:     KindNotSupported,
	proto.StatusConnFailed: KindConnFailed,
	proto.StatusConnReset:  KindConnReset,
}

// statusKind maps a failure status to an error kind. Unrecognized statuses
// are treated as I/O failures.
func statusKind(st proto.Status) Kind {
	if int(st) < len(statusKinds) && statusKinds[st] != 0 {
		return statusKinds[st]
	}
	return KindIO
}
