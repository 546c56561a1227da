// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package login implements the Kerberos-like login of a NEX client.
//
// A client first connects to an authentication server with the bootstrap key. Its Login
// call names the secure server as a StationURL, and RequestTicket yields a ticket for
// it. The ticket is signed and encrypted with a key derived from the account's password
// and carries the session key of the secure connection as well as an opaque secure
// ticket. Both are presented in the secure server's handshake, after which RegisterEx
// announces the client's own station.
package login
