// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package nexbuf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Writer appends primitives to an owned, growing buffer.
type Writer struct {
	buf []byte
	err error
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the written data. The slice aliases the Writer's buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len is the amount of written bytes.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Err returns the first encoding error, e.g., an overlong string.
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteU16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteU32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteU64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// WriteBytes appends raw bytes without any length prefix.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteBuffer appends a uint32 length prefix followed by b.
func (w *Writer) WriteBuffer(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.WriteBytes(b)
}

// WriteString appends a uint16 length prefix, the string and a NUL terminator.
func (w *Writer) WriteString(s string) {
	if len(s)+1 > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("nexbuf: string of %d bytes exceeds the uint16 length prefix", len(s))
		}
		return
	}

	w.WriteU16(uint16(len(s) + 1))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// WriteCustomType appends a named custom type whose body is produced by body.
func (w *Writer) WriteCustomType(name string, body func(w *Writer)) {
	w.WriteString(name)

	lengthAt := len(w.buf)
	w.WriteU32(0)
	w.WriteU32(0)

	start := len(w.buf)
	body(w)
	size := uint32(len(w.buf) - start)

	binary.LittleEndian.PutUint32(w.buf[lengthAt:], size+4)
	binary.LittleEndian.PutUint32(w.buf[lengthAt+4:], size)
}
