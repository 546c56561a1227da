// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package nexbuf

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds is matched by every *OutOfBoundsError, errors.Is(err, ErrOutOfBounds).
var ErrOutOfBounds = errors.New("nexbuf: read out of bounds")

// OutOfBoundsError describes a read exceeding the available data.
type OutOfBoundsError struct {
	// Offset is the cursor position at which the read was attempted.
	Offset int
	// Want is the amount of requested bytes.
	Want int
	// Have is the amount of remaining bytes.
	Have int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("nexbuf: reading %d bytes at offset %d exceeds data, %d bytes left", e.Want, e.Offset, e.Have)
}

func (e *OutOfBoundsError) Is(target error) bool {
	return target == ErrOutOfBounds
}
