// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import "time"

// Timing bundles all intervals and retry limits of a Connection. Zero fields are
// replaced by their defaults.
type Timing struct {
	// HandshakeInterval between resending an unanswered SYN or CON.
	HandshakeInterval time.Duration
	// HandshakeRetries is the amount of handshake packets sent before giving up.
	HandshakeRetries int

	// RetransmitInterval between resending an unacknowledged reliable packet.
	RetransmitInterval time.Duration
	// RetransmitCeiling is the amount of resends before the connection is dropped.
	RetransmitCeiling int

	// KeepAliveInterval of silence after which a PING is sent.
	KeepAliveInterval time.Duration
	// PingRetryInterval between resending an unacknowledged PING.
	PingRetryInterval time.Duration
	// PingRetryCeiling is the amount of unacknowledged PINGs before the connection is dropped.
	PingRetryCeiling int
}

// DefaultTiming returns the well-established PRUDP timing.
func DefaultTiming() Timing {
	return Timing{
		HandshakeInterval:  1200 * time.Millisecond,
		HandshakeRetries:   5,
		RetransmitInterval: 2300 * time.Millisecond,
		RetransmitCeiling:  7,
		KeepAliveInterval:  20 * time.Second,
		PingRetryInterval:  1500 * time.Millisecond,
		PingRetryCeiling:   10,
	}
}

func (t Timing) withDefaults() Timing {
	def := DefaultTiming()
	if t.HandshakeInterval <= 0 {
		t.HandshakeInterval = def.HandshakeInterval
	}
	if t.HandshakeRetries <= 0 {
		t.HandshakeRetries = def.HandshakeRetries
	}
	if t.RetransmitInterval <= 0 {
		t.RetransmitInterval = def.RetransmitInterval
	}
	if t.RetransmitCeiling <= 0 {
		t.RetransmitCeiling = def.RetransmitCeiling
	}
	if t.KeepAliveInterval <= 0 {
		t.KeepAliveInterval = def.KeepAliveInterval
	}
	if t.PingRetryInterval <= 0 {
		t.PingRetryInterval = def.PingRetryInterval
	}
	if t.PingRetryCeiling <= 0 {
		t.PingRetryCeiling = def.PingRetryCeiling
	}
	return t
}
