// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package prudp implements the client side of PRUDP, a reliable and encrypted
// transport on top of UDP datagrams.
//
// A Connection performs a SYN/CON handshake, numbers and retransmits reliable
// DATA packets until they are acknowledged, reorders incoming packets by their
// sequence ID, reassembles fragmented payloads, and keeps the session alive with
// PING packets. Payloads are RC4 encrypted, either with the well-known bootstrap
// key or with a session key negotiated by the authentication server.
//
// Connections are not safe for concurrent use. They are driven by periodically
// calling Update with the current time, which also polls the underlying Conduit.
package prudp
