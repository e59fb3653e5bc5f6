// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet encodes and decodes the binary payloads carried by requests,
// transfers, and events.
//
// Fixed-width integers are big-endian. Variable-length strings carry a
// [Vint30] length prefix.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// A Builder accumulates encoded values. The zero value is an empty builder
// ready for use.
type Builder struct {
	buf []byte
}

// Bool appends a single byte, 1 for true and 0 for false.
func (b *Builder) Bool(ok bool) { b.buf = append(b.buf, value.Cond[byte](ok, 1, 0)) }

// Put appends raw bytes to b without framing.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// Uint16 appends v in big-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Vint30 appends v in [Vint30] format.
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// VPut appends vs with a [Vint30] length prefix.
func (b *Builder) VPut(vs []byte) {
	b.Grow(VLen(len(vs)))
	b.Vint30(uint32(len(vs)))
	b.buf = append(b.buf, vs...)
}

// Len reports the number of bytes accumulated so far.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes returns the accumulated bytes. The slice aliases the builder's buffer
// and is only valid until the next modification of b.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset empties b, retaining its storage.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow ensures b can accept n more bytes without reallocating.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner decodes values from the front of an input. Methods report
// [io.ErrUnexpectedEOF] when the input ends inside a value.
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner returns a [Scanner] reading from input. The scanner retains
// slices of input, which the caller must not modify while it is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// Byte decodes a single byte.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	out := s.rest[0]
	s.advance(1)
	return out, nil
}

// Bool decodes a single byte as a Boolean (non-zero is true).
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	return b != 0, err
}

// Uint16 decodes a big-endian uint16.
func (s *Scanner) Uint16() (uint16, error) {
	if len(s.rest) < 2 {
		return 0, fmt.Errorf("value truncated (%d < 2 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint16(s.rest)
	s.advance(2)
	return out, nil
}

// Uint32 decodes a big-endian uint32.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("value truncated (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint32(s.rest)
	s.advance(4)
	return out, nil
}

// Vint30 decodes a [Vint30]. It reports [io.EOF] if the input is empty.
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	nb := int(s.rest[0]%4) + 1
	if len(s.rest) < nb {
		return 0, io.ErrUnexpectedEOF
	}
	var w uint32
	for i := nb - 1; i >= 0; i-- {
		w = (w * 256) + uint32(s.rest[i])
	}
	s.advance(nb)
	return int(w >> 2), nil
}

// Len reports the number of unconsumed input bytes.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset of the next unconsumed input byte.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns the unconsumed input. The caller must not modify it.
func (s *Scanner) Rest() []byte { return s.rest }

// Done reports an error if any input remains unconsumed.
func (s *Scanner) Done() error {
	if len(s.rest) != 0 {
		return fmt.Errorf("extra data at offset %d (%d bytes)", s.offset, len(s.rest))
	}
	return nil
}

func (s *Scanner) advance(n int) { s.rest = s.rest[n:]; s.offset += n }

// VGet decodes a string with a [Vint30] length prefix. A slice result aliases
// the scanner input.
func VGet[Str ~string | ~[]byte](s *Scanner) (out Str, err error) {
	nb, err := s.Vint30()
	if err == io.EOF {
		return out, io.ErrUnexpectedEOF
	} else if err != nil {
		return out, err
	}
	return Get[Str](s, nb)
}

// Get decodes exactly n raw bytes. A slice result aliases the scanner input.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	if len(s.rest) < n {
		return Str(s.rest), fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := Str(s.rest[:n])
	s.advance(n)
	return out, nil
}

// VLen reports the size of an n-byte string with its [Vint30] length prefix.
func VLen(n int) int { return Vint30(n).Size() + n }

// Vint30 is an unsigned 30-bit integer with a self-framing encoding of 1 to 4
// bytes. The value is shifted left two bits and the low two bits record the
// number of bytes after the first; the result is stored little-endian.
//
//   - v < 64 uses 1 byte
//   - v < 16384 uses 2 bytes
//   - v < 4194304 uses 3 bytes
//   - v < 1073741824 uses 4 bytes
type Vint30 uint32

// MaxVint30 is the largest value a Vint30 can hold.
const MaxVint30 = 1<<30 - 1

// Size reports the encoded length of v, or -1 if v is out of range.
func (v Vint30) Size() int {
	switch {
	case v < (1 << 6):
		return 1
	case v < (1 << 14):
		return 2
	case v < (1 << 22):
		return 3
	case v < (1 << 30):
		return 4
	default:
		return -1
	}
}

// Append appends the encoding of v to buf. It panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic("value out of range")
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}
