// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package proto defines the contract between a client session and the
// transport service that owns its connections: the request methods the
// client calls, the events the service pushes back, the status codes that
// travel in service errors, and the encodings of ids and endpoints.
//
// Requests and events are ipc calls. A method or event kind is the method ID
// of the call. Connection and listener ids are [ID] values, encoded as
// big-endian uint32. Status codes travel as the code of an [ipc.ErrorData] in
// a service error response; a successful call has status [OK].
package proto

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/packet"
)

// Method is the method ID of a request from the client to the service.
type Method uint32

// Request methods. Methods marked two-phase perform one bulk transfer after
// the request is sent and before the response arrives.
const (
	CallbackCreate  Method = 1 + iota // register the client to receive events
	ConnCreate                        // two-phase: write EndpointPair; result ID
	ConnDestroy                       // param ID
	ListenerCreate                    // two-phase: write endpoint; result ID
	ListenerDestroy                   // param ID
	ConnSend                          // two-phase: param ID, write payload
	ConnSendFin                       // param ID
	ConnPush                          // param ID
	ConnReset                         // param ID
	ConnRecv                          // two-phase: param ID, read data; result Count
	ConnRecvWait                      // like ConnRecv, but block until data arrive

	maxMethod = ConnRecvWait
)

var methodNames = [...]string{
	CallbackCreate:  "callback-create",
	ConnCreate:      "conn-create",
	ConnDestroy:     "conn-destroy",
	ListenerCreate:  "listener-create",
	ListenerDestroy: "listener-destroy",
	ConnSend:        "conn-send",
	ConnSendFin:     "conn-send-fin",
	ConnPush:        "conn-push",
	ConnReset:       "conn-reset",
	ConnRecv:        "conn-recv",
	ConnRecvWait:    "conn-recv-wait",
}

func (m Method) String() string {
	if m >= CallbackCreate && m <= maxMethod {
		return methodNames[m]
	}
	return fmt.Sprintf("method:%d", uint32(m))
}

// Event is the method ID of an event call from the service to the client.
// Event IDs do not overlap request methods.
type Event uint32

// Event kinds. Each event carries one connection ID, except EventNewConn,
// which carries a listener ID followed by the ID of the new connection.
const (
	EventConnected  Event = 101 + iota // the connection is established
	EventConnFailed                    // the connection attempt failed
	EventConnReset                     // the connection was reset by the peer
	EventData                          // data are available to receive
	EventUrgentData                    // urgent data are available (unsupported)
	EventNewConn                       // a listener accepted a connection

	minEvent = EventConnected
	maxEvent = EventNewConn
)

var eventNames = [...]string{
	EventConnected - minEvent:  "connected",
	EventConnFailed - minEvent: "conn-failed",
	EventConnReset - minEvent:  "conn-reset",
	EventData - minEvent:       "data",
	EventUrgentData - minEvent: "urgent-data",
	EventNewConn - minEvent:    "new-conn",
}

func (e Event) String() string {
	if e >= minEvent && e <= maxEvent {
		return eventNames[e-minEvent]
	}
	return fmt.Sprintf("event:%d", uint32(e))
}

// NumIDs reports the number of IDs carried by an event of kind e.
func (e Event) NumIDs() int {
	if e == EventNewConn {
		return 2
	}
	return 1
}

// ID is a service-assigned connection or listener identifier.
type ID uint32

func (id ID) String() string { return fmt.Sprint(uint32(id)) }

// MarshalBinary encodes id as a big-endian uint32. It never fails.
func (id ID) MarshalBinary() ([]byte, error) { return EncodeIDs(id), nil }

// UnmarshalBinary decodes a big-endian uint32 into id.
func (id *ID) UnmarshalBinary(data []byte) error {
	ids, err := DecodeIDs(data)
	if err != nil {
		return err
	} else if len(ids) != 1 {
		return fmt.Errorf("got %d ids, want 1", len(ids))
	}
	*id = ids[0]
	return nil
}

// EncodeIDs encodes a sequence of IDs.
func EncodeIDs(ids ...ID) []byte {
	var b packet.Builder
	b.Grow(4 * len(ids))
	for _, id := range ids {
		b.Uint32(uint32(id))
	}
	return b.Bytes()
}

// DecodeIDs decodes a sequence of IDs encoded by EncodeIDs.
func DecodeIDs(data []byte) ([]ID, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid id list (%d bytes)", len(data))
	}
	s := packet.NewScanner(data)
	ids := make([]ID, 0, len(data)/4)
	for s.Len() != 0 {
		v, err := s.Uint32()
		if err != nil {
			return nil, err
		}
		ids = append(ids, ID(v))
	}
	return ids, nil
}

// Count is the number of bytes delivered by a receive.
type Count uint32

// MarshalBinary encodes c as a big-endian uint32. It never fails.
func (c Count) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Uint32(uint32(c))
	return b.Bytes(), nil
}

// UnmarshalBinary decodes a big-endian uint32 into c.
func (c *Count) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	v, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("invalid count: %w", err)
	} else if err := s.Done(); err != nil {
		return fmt.Errorf("invalid count: %w", err)
	}
	*c = Count(v)
	return nil
}

// Status is the outcome of a request or event, as reported by its callee.
type Status uint16

// Status codes.
const (
	OK               Status = iota // success
	NoMemory                       // resources exhausted
	IOFailure                      // the channel or the network failed
	Invalid                        // invalid argument
	NotFound                       // no such connection or listener
	WouldBlock                     // no data available for a non-blocking receive
	NotSupported                   // the operation is not supported
	StatusConnFailed               // the connection failed
	StatusConnReset                // the connection was reset

	maxStatus = StatusConnReset
)

var statusNames = [...]string{
	OK:               "ok",
	NoMemory:         "no memory",
	IOFailure:        "i/o failure",
	Invalid:          "invalid argument",
	NotFound:         "not found",
	WouldBlock:       "would block",
	NotSupported:     "not supported",
	StatusConnFailed: "connection failed",
	StatusConnReset:  "connection reset",
}

func (s Status) String() string {
	if s <= maxStatus {
		return statusNames[s]
	}
	return fmt.Sprintf("status:%d", uint16(s))
}

// Err returns the error a callee reports to convey s, or nil if s == OK.
func (s Status) Err() error {
	if s == OK {
		return nil
	}
	return ipc.ErrorData{Code: uint16(s), Message: s.String()}
}

// StatusOf reports the status conveyed by err. A nil error is OK, a service
// error carries its status in its code if it is nonzero, an unknown method is NotSupported,
// and any other error is an IOFailure.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	var ce *ipc.CallError
	if errors.As(err, &ce) && ce.Err == nil && ce.Response != nil {
		switch ce.Response.Code {
		case ipc.CodeServiceError:
			if ce.Code != 0 {
				return Status(ce.Code)
			}
		case ipc.CodeUnknownMethod:
			return NotSupported
		}
		return IOFailure
	}
	var ed ipc.ErrorData
	if errors.As(err, &ed) && ed.Code != 0 {
		return Status(ed.Code)
	}
	var edp *ipc.ErrorData
	if errors.As(err, &edp) && edp.Code != 0 {
		return Status(edp.Code)
	}
	return IOFailure
}

// EndpointPair is the local and remote endpoints of a connection. A zero
// local endpoint lets the service choose.
type EndpointPair struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func (e EndpointPair) String() string { return fmt.Sprintf("%v->%v", e.Local, e.Remote) }

// MarshalBinary encodes the local endpoint followed by the remote endpoint.
func (e EndpointPair) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	if err := appendEndpoint(&b, e.Local); err != nil {
		return nil, err
	} else if err := appendEndpoint(&b, e.Remote); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// UnmarshalBinary decodes an endpoint pair encoded by MarshalBinary.
func (e *EndpointPair) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	local, err := scanEndpoint(s)
	if err != nil {
		return fmt.Errorf("local endpoint: %w", err)
	}
	remote, err := scanEndpoint(s)
	if err != nil {
		return fmt.Errorf("remote endpoint: %w", err)
	}
	if err := s.Done(); err != nil {
		return err
	}
	e.Local, e.Remote = local, remote
	return nil
}

// EncodeEndpoint encodes a single endpoint.
func EncodeEndpoint(ep netip.AddrPort) ([]byte, error) {
	var b packet.Builder
	if err := appendEndpoint(&b, ep); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeEndpoint decodes a single endpoint encoded by EncodeEndpoint.
func DecodeEndpoint(data []byte) (netip.AddrPort, error) {
	s := packet.NewScanner(data)
	ep, err := scanEndpoint(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return ep, s.Done()
}

// An endpoint is a length-prefixed address (empty for the zero address)
// followed by a uint16 port.
func appendEndpoint(b *packet.Builder, ep netip.AddrPort) error {
	addr, err := ep.Addr().MarshalBinary()
	if err != nil {
		return err
	}
	b.VPut(addr)
	b.Uint16(ep.Port())
	return nil
}

func scanEndpoint(s *packet.Scanner) (netip.AddrPort, error) {
	raw, err := packet.VGet[[]byte](s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	var addr netip.Addr
	if err := addr.UnmarshalBinary(raw); err != nil {
		return netip.AddrPort{}, err
	}
	port, err := s.Uint16()
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, port), nil
}
