// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package nexbuf

import (
	"encoding/binary"
	"fmt"
)

// maxBufferLength caps length prefixes of buffers; larger values are treated as corruption.
const maxBufferLength = 0x10000000

// Reader is a cursor over a byte slice.
type Reader struct {
	data []byte
	pos  int
	err  error
}

// NewReader creates a Reader starting at the first byte of data. The slice is not copied.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first error encountered while reading, or nil.
func (r *Reader) Err() error {
	return r.err
}

// Offset is the current cursor position.
func (r *Reader) Offset() int {
	return r.pos
}

// Len is the amount of unread bytes.
func (r *Reader) Len() int {
	return len(r.data) - r.pos
}

// Remaining returns a copy of all unread bytes and moves the cursor to the end.
func (r *Reader) Remaining() []byte {
	return r.ReadBytes(r.Len())
}

// take advances the cursor by n bytes and returns the skipped window, or nil after a failure.
func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.Len() {
		r.err = &OutOfBoundsError{Offset: r.pos, Want: n, Have: r.Len()}
		return nil
	}

	window := r.data[r.pos : r.pos+n]
	r.pos += n
	return window
}

func (r *Reader) ReadU8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) ReadU16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) ReadU32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) ReadU64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// ReadBytes returns a copy of the next n bytes.
func (r *Reader) ReadBytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadBuffer reads a uint32 length prefixed byte sequence.
func (r *Reader) ReadBuffer() []byte {
	n := r.ReadU32()
	if r.err != nil {
		return nil
	}
	if n >= maxBufferLength {
		r.err = &OutOfBoundsError{Offset: r.pos - 4, Want: int(n), Have: r.Len()}
		return nil
	}
	return r.ReadBytes(int(n))
}

// ReadString reads a uint16 length prefixed string and strips its NUL terminator.
func (r *Reader) ReadString() string {
	n := r.ReadU16()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	if len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// ReadCustomType checks the type name of an embedded custom type and returns a Reader
// limited to its body. The outer cursor is moved past the body.
func (r *Reader) ReadCustomType(name string) (*Reader, error) {
	gotName := r.ReadString()
	outerLen := r.ReadU32()
	innerLen := r.ReadU32()
	if r.err != nil {
		return nil, r.err
	}

	if gotName != name {
		return nil, fmt.Errorf("nexbuf: custom type %q expected, got %q", name, gotName)
	}
	if outerLen != innerLen+4 {
		return nil, fmt.Errorf("nexbuf: custom type %q has inconsistent lengths %d and %d", name, outerLen, innerLen)
	}

	body := r.take(int(innerLen))
	if body == nil {
		return nil, r.err
	}
	return NewReader(body), nil
}
