// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import (
	"errors"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/instrument"
)

// staleDistance marks sequence IDs which lie behind the expected one.
const staleDistance = 0xC000

// handleDatagram splits a datagram into its packets and processes them. A broken
// packet discards the rest of the datagram.
func (c *Connection) handleDatagram(datagram []byte, now time.Time) {
	for len(datagram) > 0 && c.state != StateDisconnected {
		n, err := FrameLength(datagram)
		if err != nil {
			c.reject(err, "length")
			return
		}

		p, err := Decode(datagram[:n], c.settings)
		datagram = datagram[n:]
		if err != nil {
			reason := "malformed"
			switch {
			case errors.Is(err, ErrChecksum):
				reason = "checksum"
			case errors.Is(err, ErrSignature):
				reason = "signature"
			}
			c.reject(err, reason)
			return
		}

		c.received++
		c.lastReceive = now
		instrument.PacketReceived(p.Type.String())

		if reserved := p.ReservedFlags(); reserved != 0 {
			c.logger().WithFields(log.Fields{
				"packet":   p,
				"reserved": reserved,
			}).Debug("Packet carries reserved flags")
		}

		if p.Type != TypeCon && p.SessionID != c.remoteSessionID {
			c.drop(p, "session")
			continue
		}

		c.handlePacket(p, now)
	}
}

// reject an undecodable datagram.
func (c *Connection) reject(err error, reason string) {
	c.dropped++
	instrument.PacketDropped(reason)

	c.logger().WithError(err).Warn("Dropping invalid datagram")

	if c.strict && (reason == "checksum" || reason == "signature") {
		c.disconnect("invalid-" + reason)
	}
}

// drop a decoded packet which is not acceptable in the current state.
func (c *Connection) drop(p *Packet, reason string) {
	c.dropped++
	instrument.PacketDropped(reason)

	c.logger().WithFields(log.Fields{
		"packet": p,
		"reason": reason,
	}).Debug("Dropping packet")
}

func (c *Connection) handlePacket(p *Packet, now time.Time) {
	switch p.Type {
	case TypeSyn:
		c.handleSyn(p, now)
	case TypeCon:
		c.handleCon(p, now)
	case TypeData:
		c.handleData(p)
	case TypePing:
		c.handlePing(p)
	case TypeDisconnect:
		c.logger().Debug("Peer sent DISCONNECT")
		c.disconnect("peer")
	}
}

func (c *Connection) handleSyn(p *Packet, now time.Time) {
	if !p.Has(FlagAck) {
		c.logger().WithField("packet", p).Warn("Received SYN without ACK flag")
		c.drop(p, "unexpected")
		return
	}
	if c.hasSynAck || p.ConnectionSignature == 0 {
		c.drop(p, "unexpected")
		return
	}

	c.hasSynAck = true
	c.remoteSignature = p.ConnectionSignature
	c.localSessionID = uint8(randomUint32())
	c.localSignature = randomUint32()

	c.logger().WithField("remote-signature", c.remoteSignature).Debug("Received SYN, sending CON")
	c.startHandshake(c.conPacket(), now)
}

func (c *Connection) handleCon(p *Packet, now time.Time) {
	if !c.hasSynAck || c.hasConAck {
		c.drop(p, "unexpected")
		return
	}
	if !p.Has(FlagAck) {
		c.logger().WithField("packet", p).Warn("Received CON without ACK flag")
		c.drop(p, "unexpected")
		return
	}

	c.hasConAck = true
	c.handshake = nil
	c.remoteSessionID = p.SessionID
	c.state = StateConnected
	c.pingAt = now
	instrument.Handshake("established")

	c.logger().WithFields(log.Fields{
		"local-session":  c.localSessionID,
		"remote-session": c.remoteSessionID,
	}).Info("Connection established")
}

func (c *Connection) handleData(p *Packet) {
	if p.Has(FlagAck) {
		c.acknowledge(p.SequenceID)
		return
	}

	if p.Has(FlagNeedAck) {
		c.sendDataAck(p.SequenceID)
	}

	if len(p.Payload) == 0 {
		return
	}

	if uint16(p.SequenceID-c.incomingSequenceID) >= staleDistance {
		c.drop(p, "stale")
		return
	}

	i := c.reorderIndex(p.SequenceID)
	if i < len(c.reorder) && c.reorder[i].SequenceID == p.SequenceID {
		c.drop(p, "duplicate")
		return
	}

	c.reorder = append(c.reorder, nil)
	copy(c.reorder[i+1:], c.reorder[i:])
	c.reorder[i] = p
}

// reorderIndex is the position of seq within the reorder queue, ordered by the
// distance to the expected sequence ID.
func (c *Connection) reorderIndex(seq uint16) int {
	dist := seq - c.incomingSequenceID
	return sort.Search(len(c.reorder), func(i int) bool {
		return c.reorder[i].SequenceID-c.incomingSequenceID >= dist
	})
}

func (c *Connection) handlePing(p *Packet) {
	if p.Has(FlagAck) {
		if c.unackedPings > 0 && p.SequenceID == c.pingSequenceID {
			c.logger().WithField("unacked", c.unackedPings).Trace("Received PING acknowledgement")
			c.unackedPings = 0
		} else {
			c.drop(p, "unexpected")
		}
		return
	}

	if p.Has(FlagNeedAck) {
		c.sendPing(FlagAck, p.SequenceID, p.Payload)
	}
}

// Drain returns the next payload in sequence order, if one is complete. Fragmented
// payloads are returned once every fragment down to index zero is present.
func (c *Connection) Drain() (payload []byte, ok bool) {
	if len(c.reorder) == 0 || c.reorder[0].SequenceID != c.incomingSequenceID {
		return nil, false
	}

	chain := -1
	for i, p := range c.reorder {
		if p.SequenceID != c.incomingSequenceID+uint16(i) {
			break
		}
		if p.FragmentIndex == 0 {
			chain = i + 1
			break
		}
	}
	if chain < 0 {
		return nil, false
	}

	for _, p := range c.reorder[:chain] {
		c.settings.Cipher.Inbound.Transform(p.Payload, p.Payload)
		payload = append(payload, p.Payload...)
	}

	c.reorder = append(c.reorder[:0], c.reorder[chain:]...)
	c.incomingSequenceID += uint16(chain)
	return payload, true
}
