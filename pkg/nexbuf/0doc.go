// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package nexbuf provides cursor based readers and writers for the little-endian
// primitive encoding shared by PRUDP handshakes and NEX RPC bodies.
//
// Integers are little-endian. Strings are prefixed by a uint16 length which
// includes a terminating NUL byte. Buffers are prefixed by a uint32 length.
// Custom types are a type name string followed by two uint32 lengths and the
// type's body.
//
// A Reader never silently truncates: the first read beyond the end of the data
// records an *OutOfBoundsError, every following read returns zero values, and
// Err reports the first failure.
package nexbuf
