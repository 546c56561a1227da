// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/instrument"
)

// Update processes every pending datagram and handles all timers: handshake
// resends, retransmissions of unacknowledged packets and keep-alive pings.
func (c *Connection) Update(now time.Time) {
	if c.state == StateDisconnected {
		return
	}

	for c.state != StateDisconnected {
		datagram, err := c.conduit.Poll()
		if err != nil {
			c.logger().WithError(err).Warn("Polling conduit failed")
			c.disconnect("conduit")
			return
		}
		if datagram == nil {
			break
		}

		c.handleDatagram(datagram, now)
	}

	switch c.state {
	case StateConnecting:
		c.updateHandshake(now)
	case StateConnected:
		c.updateRetransmissions(now)
		if c.state == StateConnected {
			c.updatePing(now)
		}
	}
}

func (c *Connection) updateHandshake(now time.Time) {
	if c.handshake == nil || now.Sub(c.handshakeAt) < c.timing.HandshakeInterval {
		return
	}

	if c.handshakeTries >= c.timing.HandshakeRetries {
		c.logger().WithField("tries", c.handshakeTries).Warn("Peer does not answer the handshake")
		c.disconnect("handshake-timeout")
		return
	}

	c.logger().WithFields(log.Fields{
		"type": c.handshake.Type,
		"try":  c.handshakeTries + 1,
	}).Debug("Resending handshake packet")
	c.resendHandshake(now)
}

func (c *Connection) updateRetransmissions(now time.Time) {
	for seq, r := range c.awaitingAck {
		if now.Sub(r.sentAt) < c.timing.RetransmitInterval {
			continue
		}

		r.retries++
		if r.retries > c.timing.RetransmitCeiling {
			c.logger().WithFields(log.Fields{
				"seq":     seq,
				"retries": r.retries - 1,
			}).Warn("Packet was never acknowledged")
			c.disconnect("retransmit-ceiling")
			return
		}

		c.logger().WithFields(log.Fields{
			"seq":   seq,
			"retry": r.retries,
		}).Debug("Retransmitting unacknowledged packet")

		if err := c.conduit.Send(r.datagram); err != nil {
			c.logger().WithError(err).Warn("Retransmitting datagram failed")
		}
		r.sentAt = now
		c.retransmitted++
		instrument.Retransmission()
	}
}

func (c *Connection) updatePing(now time.Time) {
	if c.unackedPings > 0 {
		if now.Sub(c.pingAt) < c.timing.PingRetryInterval {
			return
		}

		if c.unackedPings >= c.timing.PingRetryCeiling {
			c.logger().WithField("pings", c.unackedPings).Warn("Peer stopped answering pings")
			c.disconnect("ping-timeout")
			return
		}

		c.sendPing(FlagNeedAck, c.pingSequenceID, nil)
		c.unackedPings++
		c.pingAt = now
		return
	}

	if now.Sub(c.pingAt) >= c.timing.KeepAliveInterval {
		c.pingSequenceID++
		c.logger().WithField("seq", c.pingSequenceID).Trace("Sending keep-alive ping")

		c.sendPing(FlagNeedAck, c.pingSequenceID, nil)
		c.unackedPings++
		c.pingAt = now
	}
}
