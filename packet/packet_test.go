// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"errors"
	"io"
	"testing"

	"github.com/creachadair/tcpclient/packet"
	"github.com/google/go-cmp/cmp"
)

func TestVint30(t *testing.T) {
	tests := []struct {
		input packet.Vint30
		want  string
	}{
		{0, "\x00"},
		{1, "\x04"},
		{63, "\xfc"},

		{64, "\x01\x01"},
		{500, "\xd1\x07"},
		{16383, "\xfd\xff"},

		{16384, "\x02\x00\x01"},
		{1048576, "\x02\x00\x40"},

		{62830181, "\x97\xd9\xfa\x0e"},
		{1073741823, "\xff\xff\xff\xff"}, // maximum supported value
	}

	var packed []byte
	for _, tc := range tests {
		got := tc.input.Append(nil)
		if string(got) != tc.want {
			t.Errorf("Encode %d: got %v, want %v", tc.input, got, []byte(tc.want))
		}
		if n := tc.input.Size(); n != len(tc.want) {
			t.Errorf("Size %d: got %d, want %d", tc.input, n, len(tc.want))
		}
		packed = tc.input.Append(packed)
	}

	// The encoding is self-framing, so the concatenation decodes in order.
	s := packet.NewScanner(packed)
	for i, tc := range tests {
		got, err := s.Vint30()
		if err != nil {
			t.Fatalf("Index %d: invalid encoding at offset %d: %v", i, s.Offset(), err)
		} else if packet.Vint30(got) != tc.input {
			t.Errorf("Index %d: got %v, want %v", i, got, tc.input)
		}
	}
	if err := s.Done(); err != nil {
		t.Errorf("Done: unexpected error: %v", err)
	}
	if _, err := s.Vint30(); err != io.EOF {
		t.Errorf("Vint30 at end: got %v, want %v", err, io.EOF)
	}
}

func TestBuilder(t *testing.T) {
	var b packet.Builder
	b.Bool(true)
	b.Put(5, 9)
	b.Uint16(5000)
	b.Uint32(0xfc009a01)
	b.VPut([]byte("pear"))

	const want = "\x01\x05\x09\x13\x88\xfc\x00\x9a\x01\x10pear"
	if string(b.Bytes()) != want {
		t.Errorf("Bytes = %q, want %q", b.Bytes(), want)
	}

	s := packet.NewScanner(b.Bytes())
	check(t, "Bool", s.Bool, true)
	check(t, "Byte 1", s.Byte, 5)
	check(t, "Byte 2", s.Byte, 9)
	check(t, "Uint16", s.Uint16, 5000)
	check(t, "Uint32", s.Uint32, 0xfc009a01)
	check(t, "VBytes", func() ([]byte, error) { return packet.VGet[[]byte](s) }, []byte("pear"))
	if err := s.Done(); err != nil {
		t.Errorf("Done: %v", err)
	}

	b.Reset()
	if b.Len() != 0 {
		t.Errorf("After Reset: Len = %d, want 0", b.Len())
	}
}

func TestTruncated(t *testing.T) {
	tests := []struct {
		name  string
		input string
		scan  func(*packet.Scanner) error
	}{
		{"Byte", "", func(s *packet.Scanner) error { _, err := s.Byte(); return err }},
		{"Uint16", "\x01", func(s *packet.Scanner) error { _, err := s.Uint16(); return err }},
		{"Uint32", "\x01\x02\x03", func(s *packet.Scanner) error { _, err := s.Uint32(); return err }},
		{"Vint30", "\x01", func(s *packet.Scanner) error { _, err := s.Vint30(); return err }},
		{"VGetEmpty", "", func(s *packet.Scanner) error { _, err := packet.VGet[string](s); return err }},
		{"VGetShort", "\x10ab", func(s *packet.Scanner) error { _, err := packet.VGet[string](s); return err }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.scan(packet.NewScanner(tc.input))
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("Got error %v, want %v", err, io.ErrUnexpectedEOF)
			}
		})
	}
}

func check[T any](t *testing.T, label string, f func() (T, error), want T) {
	t.Helper()

	got, err := f()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", label, err)
	} else if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("%s result (-got, +want):\n%s", label, diff)
	}
}
