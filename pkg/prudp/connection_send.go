// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import (
	"crypto/hmac"
	"crypto/md5"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/instrument"
	"github.com/nexcore/nexcore/pkg/nexbuf"
)

// ErrNotConnected is returned when sending on a Connection which is not connected.
var ErrNotConnected = errors.New("prudp: connection is not established")

// transmit encodes and sends a packet. The datagram is returned for retransmissions.
func (c *Connection) transmit(p *Packet) []byte {
	datagram, err := Encode(p, c.settings)
	if err != nil {
		c.logger().WithError(err).WithField("packet", p).Error("Encoding packet failed")
		return nil
	}

	c.send(datagram, p)
	return datagram
}

func (c *Connection) send(datagram []byte, p *Packet) {
	if err := c.conduit.Send(datagram); err != nil {
		c.logger().WithError(err).WithField("packet", p).Warn("Sending datagram failed")
		return
	}

	c.sent++
	instrument.PacketSent(p.Type.String())

	c.logger().WithField("packet", p).Trace("Sent packet")
}

func (c *Connection) nextSequenceID() (seq uint16) {
	seq = c.outgoingSequenceID
	c.outgoingSequenceID++
	return
}

// SendReliable splits payload into DATA packets, which are sent and retransmitted
// until the peer acknowledges them. The fragment indices count down to zero.
func (c *Connection) SendReliable(payload []byte, now time.Time) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}

	fragments := (len(payload) + c.maxFragmentSize - 1) / c.maxFragmentSize
	if fragments == 0 {
		fragments = 1
	}
	if fragments > maxFragments {
		return fmt.Errorf("prudp: payload of %d bytes needs %d fragments, at most %d are possible",
			len(payload), fragments, maxFragments)
	}

	for i := 0; i < fragments; i++ {
		start := i * c.maxFragmentSize
		end := min(start+c.maxFragmentSize, len(payload))

		// Encode encrypts in place, the caller's payload must stay untouched.
		chunk := make([]byte, end-start)
		copy(chunk, payload[start:end])

		p := &Packet{
			Source:        clientVPort,
			Destination:   serverVPort,
			Type:          TypeData,
			Flags:         FlagReliable | FlagNeedAck,
			SessionID:     c.localSessionID,
			SequenceID:    c.nextSequenceID(),
			FragmentIndex: uint8(fragments - 1 - i),
			Payload:       chunk,
		}

		datagram := c.transmit(p)
		if datagram == nil {
			return fmt.Errorf("prudp: encoding fragment %d failed", p.FragmentIndex)
		}
		c.awaitingAck[p.SequenceID] = &retransmission{datagram: datagram, sentAt: now}
	}

	return nil
}

// acknowledge removes a reliable packet from the retransmission table.
func (c *Connection) acknowledge(seq uint16) {
	if _, ok := c.awaitingAck[seq]; !ok {
		c.logger().WithField("seq", seq).Debug("Received acknowledgement for unknown packet")
		return
	}
	delete(c.awaitingAck, seq)
}

func (c *Connection) sendDataAck(seq uint16) {
	c.transmit(&Packet{
		Source:      clientVPort,
		Destination: serverVPort,
		Type:        TypeData,
		Flags:       FlagAck,
		SessionID:   c.localSessionID,
		SequenceID:  seq,
	})
}

func (c *Connection) sendPing(flags Flags, seq uint16, payload []byte) {
	c.transmit(&Packet{
		Source:      clientVPort,
		Destination: serverVPort,
		Type:        TypePing,
		Flags:       flags,
		SessionID:   c.localSessionID,
		Signature:   c.remoteSignature,
		SequenceID:  seq,
		Payload:     payload,
	})
}

// startHandshake sends a SYN or CON packet, which is resent until answered.
func (c *Connection) startHandshake(p *Packet, now time.Time) {
	c.handshake = p
	c.handshakeTries = 0
	c.resendHandshake(now)
}

func (c *Connection) resendHandshake(now time.Time) {
	c.handshakeTries++
	c.handshakeAt = now
	c.transmit(c.handshake)
}

// conPacket builds the CON packet answering the peer's SYN.
func (c *Connection) conPacket() *Packet {
	p := &Packet{
		Source:              clientVPort,
		Destination:         serverVPort,
		Type:                TypeCon,
		Flags:               FlagReliable | FlagNeedAck,
		SessionID:           c.localSessionID,
		Signature:           c.remoteSignature,
		SequenceID:          conSequenceID,
		ConnectionSignature: c.localSignature,
	}

	if c.secure != nil {
		w := nexbuf.NewWriter()
		w.WriteBuffer(c.secure.SecureTicket)
		w.WriteBuffer(SealConnectRequest(c.secure.SessionKey, c.secure.UserPID, c.secure.ServerCID, randomUint32()))
		p.Payload = w.Bytes()

		c.logger().WithFields(log.Fields{
			"user-pid":   c.secure.UserPID,
			"server-cid": c.secure.ServerCID,
		}).Debug("Embedding secure ticket into CON")
	}

	return p
}

// SealConnectRequest encrypts the user PID, the server's connection ID and a nonce
// with the session key and appends an HMAC-MD5 of the ciphertext.
func SealConnectRequest(sessionKey [16]byte, userPID, serverCID, nonce uint32) []byte {
	w := nexbuf.NewWriter()
	w.WriteU32(userPID)
	w.WriteU32(serverCID)
	w.WriteU32(nonce)
	sealed := w.Bytes()

	cipher, _ := NewStreamCipher(sessionKey[:])
	cipher.Transform(sealed, sealed)

	mac := hmac.New(md5.New, sessionKey[:])
	mac.Write(sealed)
	return mac.Sum(sealed)
}

// OpenConnectRequest reverses SealConnectRequest after checking the HMAC.
func OpenConnectRequest(sessionKey [16]byte, sealed []byte) (userPID, serverCID, nonce uint32, err error) {
	if len(sealed) != 12+md5.Size {
		err = fmt.Errorf("prudp: connect request has %d bytes", len(sealed))
		return
	}

	body, digest := sealed[:12], sealed[12:]
	mac := hmac.New(md5.New, sessionKey[:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), digest) {
		err = errors.New("prudp: connect request digest mismatch")
		return
	}

	plain := make([]byte, len(body))
	cipher, _ := NewStreamCipher(sessionKey[:])
	cipher.Transform(plain, body)

	r := nexbuf.NewReader(plain)
	userPID, serverCID, nonce = r.ReadU32(), r.ReadU32(), r.ReadU32()
	return
}
