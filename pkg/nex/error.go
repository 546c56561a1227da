// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package nex

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout completes calls without a response within the call timeout, and
	// every call still pending when its Service is torn down.
	ErrTimeout = errors.New("nex: call timed out")

	// ErrNoConnection completes calls issued while the connection is down.
	ErrNoConnection = errors.New("nex: no connection")
)

// FailureBit is set in every error code or result code denoting a failure.
const FailureBit uint32 = 0x80000000

// IsFailure checks the FailureBit of a result code.
func IsFailure(code uint32) bool {
	return code&FailureBit != 0
}

// ServerError is an error code reported by the server.
type ServerError struct {
	Code uint32
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("nex: server reported error %#08x", e.Code)
}
