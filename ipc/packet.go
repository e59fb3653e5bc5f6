package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Packet is the parsed format of a call channel packet.
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [8]byte{'C', 'P', p.Protocol, byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
// The protocol version is not checked here; the peer discards packets with a
// version it does not understand.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if m := string(buf[:2]); m != "CP" {
		return int64(nr), fmt.Errorf("invalid protocol magic %q", m)
	}

	p.Protocol = buf[2]
	p.Type = PacketType(buf[3])
	p.Payload = nil

	if psize := binary.BigEndian.Uint32(buf[4:]); psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay fmt.Stringer
	switch p.Type {
	case PacketRequest:
		var req Request
		if req.Decode(p.Payload) == nil {
			pay = req
		}
	case PacketCancel:
		var can Cancel
		if can.Decode(p.Payload) == nil {
			pay = can
		}
	case PacketResponse:
		var rsp Response
		if rsp.Decode(p.Payload) == nil {
			pay = rsp
		}
	case PacketTransfer:
		var x Transfer
		if x.Decode(p.Payload) == nil {
			pay = x
		}
	case PacketTransferReply:
		var x TransferReply
		if x.Decode(p.Payload) == nil {
			pay = x
		}
	}
	if pay == nil {
		return fmt.Sprintf("Packet(CP%v, %v, %v)", p.Protocol, p.Type, p.Payload)
	}
	return fmt.Sprintf("Packet(CP%v, %v, %v)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of a packet.
//
// Packet type values from 0 to 127 inclusive are reserved by the protocol.
// Values from 128 to 255 are available to the implementation.
type PacketType byte

const (
	PacketRequest       PacketType = 2 // The initial request for a call
	PacketCancel        PacketType = 3 // A cancellation signal for a pending call
	PacketResponse      PacketType = 4 // The final response from a call
	PacketTransfer      PacketType = 5 // The bulk data phase of a pending call
	PacketTransferReply PacketType = 6 // The callee's answer to a transfer

	maxReservedType = 127
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketCancel:
		return "CANCEL"
	case PacketResponse:
		return "RESPONSE"
	case PacketTransfer:
		return "TRANSFER"
	case PacketTransferReply:
		return "TRANSFER_REPLY"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// Request is the payload format for a request packet.
type Request struct {
	RequestID uint32
	MethodID  uint32
	Data      []byte
}

// Encode encodes the request data in binary format.
func (r Request) Encode() []byte {
	buf := make([]byte, 8+len(r.Data)) // 4 request ID, 4 method ID
	binary.BigEndian.PutUint32(buf[0:], r.RequestID)
	binary.BigEndian.PutUint32(buf[4:], r.MethodID)
	copy(buf[8:], r.Data)
	return buf
}

// Decode decodes data into a request payload.
func (r *Request) Decode(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("short request payload (%d bytes)", len(data))
	}
	r.RequestID = binary.BigEndian.Uint32(data[0:])
	r.MethodID = binary.BigEndian.Uint32(data[4:])
	r.Data = tail(data[8:])
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%v, Method=%v, Data=%v)", r.RequestID, r.MethodID, abbrev(r.Data))
}

// Response is the payload format for a response packet.
type Response struct {
	RequestID uint32
	Code      ResultCode
	Data      []byte
}

// Encode encodes the response data in binary format.
func (r Response) Encode() []byte { return encodeResult(r.RequestID, r.Code, r.Data) }

// Decode decodes data into a response payload.
func (r *Response) Decode(data []byte) (err error) {
	r.RequestID, r.Code, r.Data, err = decodeResult("response", data)
	return
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	return fmt.Sprintf("Response(ID=%v, Code=%v, %s)", r.RequestID, r.Code, resultData(r.Code, r.Data))
}

// TransferDir is the direction of a bulk transfer, from the caller's view.
type TransferDir byte

const (
	TransferWrite TransferDir = 1 // caller sends data to the callee
	TransferRead  TransferDir = 2 // caller asks the callee for data
)

func (d TransferDir) String() string {
	switch d {
	case TransferWrite:
		return "WRITE"
	case TransferRead:
		return "READ"
	default:
		return fmt.Sprintf("DIR:%d", byte(d))
	}
}

// Transfer is the payload format for a transfer packet. A transfer belongs to
// a request the caller has sent but whose response has not yet arrived.
//
// For a write, Data holds the bytes sent and Limit is len(Data). For a read,
// Data is empty and Limit is the most bytes the caller will accept.
type Transfer struct {
	RequestID uint32
	Dir       TransferDir
	Limit     uint32
	Data      []byte
}

// Encode encodes the transfer in binary format.
func (x Transfer) Encode() []byte {
	buf := make([]byte, 9+len(x.Data)) // 4 request ID, 1 direction, 4 limit
	binary.BigEndian.PutUint32(buf[0:], x.RequestID)
	buf[4] = byte(x.Dir)
	binary.BigEndian.PutUint32(buf[5:], x.Limit)
	copy(buf[9:], x.Data)
	return buf
}

// Decode decodes data into a transfer payload.
func (x *Transfer) Decode(data []byte) error {
	if len(data) < 9 {
		return fmt.Errorf("short transfer payload (%d bytes)", len(data))
	}
	x.RequestID = binary.BigEndian.Uint32(data[0:])
	x.Dir = TransferDir(data[4])
	if x.Dir != TransferWrite && x.Dir != TransferRead {
		return fmt.Errorf("invalid transfer direction %d", x.Dir)
	}
	x.Limit = binary.BigEndian.Uint32(data[5:])
	x.Data = tail(data[9:])
	if x.Dir == TransferRead && len(x.Data) != 0 {
		return fmt.Errorf("read transfer carries %d bytes of data", len(x.Data))
	}
	return nil
}

// String returns a human-friendly rendering of the transfer.
func (x Transfer) String() string {
	return fmt.Sprintf("Transfer(ID=%v, %v, Limit=%d, Data=%v)", x.RequestID, x.Dir, x.Limit, abbrev(x.Data))
}

// TransferReply is the payload format for the callee's answer to a transfer.
// For an accepted read, Data holds the bytes delivered.
type TransferReply struct {
	RequestID uint32
	Code      ResultCode
	Data      []byte
}

// Encode encodes the reply in binary format.
func (r TransferReply) Encode() []byte { return encodeResult(r.RequestID, r.Code, r.Data) }

// Decode decodes data into a transfer reply payload.
func (r *TransferReply) Decode(data []byte) (err error) {
	r.RequestID, r.Code, r.Data, err = decodeResult("transfer reply", data)
	return
}

// String returns a human-friendly rendering of the reply.
func (r TransferReply) String() string {
	return fmt.Sprintf("TransferReply(ID=%v, Code=%v, %s)", r.RequestID, r.Code, resultData(r.Code, r.Data))
}

func encodeResult(id uint32, code ResultCode, data []byte) []byte {
	buf := make([]byte, 5+len(data)) // 4 request ID, 1 code
	binary.BigEndian.PutUint32(buf[0:], id)
	buf[4] = byte(code)
	copy(buf[5:], data)
	return buf
}

func decodeResult(what string, data []byte) (uint32, ResultCode, []byte, error) {
	if len(data) < 5 {
		return 0, 0, nil, fmt.Errorf("short %s payload (%d bytes)", what, len(data))
	}
	code := ResultCode(data[4])
	if code > maxResultCode {
		return 0, 0, nil, fmt.Errorf("invalid result code %d", code)
	}
	return binary.BigEndian.Uint32(data[0:]), code, tail(data[5:]), nil
}

func resultData(code ResultCode, data []byte) string {
	if code == CodeServiceError {
		var ed ErrorData
		if ed.Decode(data) == nil {
			return fmt.Sprintf("ErrorData(Code=%d, [%d bytes], %q)", ed.Code, len(ed.Data), ed.Message)
		}
	}
	return "Data=" + abbrev(data)
}

func abbrev(data []byte) string {
	if len(data) > 16 {
		return fmt.Sprintf("%+v ...", data[:16])
	}
	return fmt.Sprintf("%+v", data)
}

func tail(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return data
}

// ResultCode describes the result status of a completed call or transfer.
// All result codes not defined here are reserved for future use.
type ResultCode byte

const (
	CodeSuccess        ResultCode = 0 // Call completed succesfully
	CodeUnknownMethod  ResultCode = 1 // Requested an unknown method
	CodeDuplicateID    ResultCode = 2 // Duplicate request ID
	CodeCanceled       ResultCode = 3 // Call was canceled
	CodeServiceError   ResultCode = 4 // Call failed due to a service error
	CodeUnknownRequest ResultCode = 5 // Transfer for a request not in flight

	maxResultCode = CodeUnknownRequest
)

func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeUnknownMethod:
		return "UNKNOWN_METHOD"
	case CodeDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	case CodeCanceled:
		return "CANCELED"
	case CodeServiceError:
		return "SERVICE_ERROR"
	case CodeUnknownRequest:
		return "UNKNOWN_REQUEST"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// Cancel is the payload format for a cancel request packet.
type Cancel struct {
	RequestID uint32
}

// Encode encodes the cancel request data in binary format.
func (c Cancel) Encode() []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], c.RequestID)
	return buf[:]
}

// Decode decodes data into a cancel payload.
func (c *Cancel) Decode(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid cancel payload (%d bytes)", len(data))
	}
	c.RequestID = binary.BigEndian.Uint32(data)
	return nil
}

// String returns a human-friendly rendering of the cancellation.
func (c Cancel) String() string { return fmt.Sprintf("Cancel(ID=%v)", c.RequestID) }

// ErrorData is the data format for a service error response or transfer
// reply.
type ErrorData struct {
	Code    uint16
	Message string
	Data    []byte
}

// Error implements the error interface, allowing an ErrorData value to be used
// as an error. Handlers use it to control the error code and auxiliary data
// reported to the caller.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error data in binary format.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, 65535)
	mlen := len(msg)

	buf := make([]byte, 4+mlen+len(e.Data)) // 2 code, 2 length
	binary.BigEndian.PutUint16(buf[0:], e.Code)
	binary.BigEndian.PutUint16(buf[2:], uint16(mlen))
	copy(buf[4:], msg)
	copy(buf[4+mlen:], e.Data)
	return buf
}

// truncate returns the longest prefix of s no longer than n bytes that does
// not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up over continuation bytes (10xxxxxx).
	for n > 0 && s[n-1]&0xc0 == 0x80 {
		n--
	}

	// Then drop the lead byte (11xxxxxx) of the partial encoding, if any.
	if n > 0 && s[n-1]&0xc0 == 0xc0 {
		n--
	}
	return s[:n]
}

// Decode decodes data into an error data payload. An empty input decodes as
// empty details.
func (e *ErrorData) Decode(data []byte) error {
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	} else if len(data) < 4 {
		return fmt.Errorf("invalid error data (%d bytes)", len(data))
	}

	mlen := int(binary.BigEndian.Uint16(data[2:]))
	if 4+mlen > len(data) {
		return fmt.Errorf("error message truncated (%d > %d bytes)", 4+mlen, len(data))
	}
	e.Code = binary.BigEndian.Uint16(data[0:])
	e.Message = string(data[4 : 4+mlen])
	e.Data = tail(data[4+mlen:])
	return nil
}
