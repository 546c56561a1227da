// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package nex implements the RPC layer on top of a PRUDP connection.
//
// A Service queues outgoing calls from any goroutine and processes them in Update,
// which must only be called from one goroutine at a time, e.g., the scheduler. Each
// request is framed as
//
//	[length u32][protocol|0x80 u8][call ID u32][method ID u32][arguments]
//
// and answered either with a success or an error frame:
//
//	[length u32][protocol u8][1 u8][call ID u32][method ID u32][result]
//	[length u32][protocol u8][0 u8][error code u32][call ID u32]
//
// Each call is represented by a PendingCall, which completes exactly once: with the
// result, a server reported error code, a timeout or the lack of a connection.
// Server-initiated requests are dispatched to a RequestHandler per protocol.
package nex
