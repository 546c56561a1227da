// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudptest

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/nexbuf"
	"github.com/nexcore/nexcore/pkg/prudp"
)

// Handler answers a reassembled and decrypted payload with any number of payloads.
type Handler func(payload []byte) (replies [][]byte)

// Connect records the CON packet of a client.
type Connect struct {
	ClientSignature uint32

	// The following fields are only set for secure connections.
	SecureTicket []byte
	UserPID      uint32
	ServerCID    uint32
	Nonce        uint32
	Err          error
}

// Server is a minimal PRUDP server peer. It answers the handshake, acknowledges
// and reassembles DATA packets, and sends the Handler's replies as reliable DATA.
// It never retransmits.
type Server struct {
	AccessKey string
	// SessionKey keys the ciphers of a secure server; nil for the bootstrap key.
	SessionKey *[16]byte
	Signature  uint32
	SessionID  uint8
	Handler    Handler
	// Silent servers never answer, as if nobody were listening.
	Silent bool

	push chan []byte

	mu       sync.Mutex
	connect  *Connect
	received [][]byte
}

// NewServer creates a Server with fixed, non-zero signature and session ID.
func NewServer(accessKey string, handler Handler) *Server {
	return &Server{
		AccessKey: accessKey,
		Signature: 0x5EC2E75A,
		SessionID: 0x3C,
		Handler:   handler,
		push:      make(chan []byte, pipeBacklog),
	}
}

// Push sends a server-initiated payload, e.g., an RPC request, to the client.
func (s *Server) Push(payload []byte) {
	s.push <- payload
}

// Connect returns the recorded CON packet, or nil.
func (s *Server) Connect() *Connect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connect
}

// Received returns every reassembled payload so far.
func (s *Server) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.received...)
}

type session struct {
	srv      *Server
	end      *End
	settings *prudp.StreamSettings

	outgoing uint16
	expected uint16
	pending  map[uint16]*prudp.Packet
}

// Serve answers the client on end until it disconnects or either End is closed.
func (s *Server) Serve(end *End) {
	cipher := prudp.NewBootstrapCipher()
	if s.SessionKey != nil {
		cipher = prudp.NewSessionCipher(*s.SessionKey)
	}

	sess := &session{
		srv:      s,
		end:      end,
		settings: prudp.NewStreamSettings(s.AccessKey, cipher),
		outgoing: 1,
		expected: 2,
		pending:  make(map[uint16]*prudp.Packet),
	}

	for {
		select {
		case datagram := <-end.in:
			if s.Silent {
				continue
			}
			if !sess.handle(datagram) {
				return
			}

		case payload := <-s.push:
			sess.sendReliable(payload)

		case <-end.closed:
			return
		case <-end.peerClosed:
			return
		}
	}
}

func (sess *session) send(p *prudp.Packet) {
	p.Source = prudp.NewVPort(prudp.StreamTypeSecure, 0x1)
	p.Destination = prudp.NewVPort(prudp.StreamTypeSecure, 0xF)

	datagram, err := prudp.Encode(p, sess.settings)
	if err != nil {
		log.WithError(err).Error("prudptest: encoding reply failed")
		return
	}
	_ = sess.end.Send(datagram)
}

func (sess *session) sendReliable(payload []byte) {
	chunk := make([]byte, len(payload))
	copy(chunk, payload)

	sess.send(&prudp.Packet{
		Type:       prudp.TypeData,
		Flags:      prudp.FlagReliable | prudp.FlagNeedAck,
		SessionID:  sess.srv.SessionID,
		SequenceID: sess.outgoing,
		Payload:    chunk,
	})
	sess.outgoing++
}

// handle a datagram, false if the client disconnected.
func (sess *session) handle(datagram []byte) bool {
	p, err := prudp.Decode(datagram, sess.settings)
	if err != nil {
		log.WithError(err).Debug("prudptest: dropping datagram")
		return true
	}

	switch p.Type {
	case prudp.TypeSyn:
		sess.send(&prudp.Packet{
			Type:                prudp.TypeSyn,
			Flags:               prudp.FlagAck,
			SequenceID:          p.SequenceID,
			ConnectionSignature: sess.srv.Signature,
		})

	case prudp.TypeCon:
		sess.recordConnect(p)
		sess.send(&prudp.Packet{
			Type:       prudp.TypeCon,
			Flags:      prudp.FlagAck,
			SessionID:  sess.srv.SessionID,
			Signature:  p.ConnectionSignature,
			SequenceID: p.SequenceID,
		})

	case prudp.TypeData:
		if p.Has(prudp.FlagAck) {
			return true
		}
		if p.Has(prudp.FlagNeedAck) {
			sess.send(&prudp.Packet{
				Type:       prudp.TypeData,
				Flags:      prudp.FlagAck,
				SessionID:  sess.srv.SessionID,
				SequenceID: p.SequenceID,
			})
		}
		if len(p.Payload) == 0 {
			return true
		}
		if uint16(p.SequenceID-sess.expected) >= 0xC000 {
			return true
		}
		if _, dup := sess.pending[p.SequenceID]; !dup {
			sess.pending[p.SequenceID] = p
		}
		sess.deliver()

	case prudp.TypePing:
		if p.Has(prudp.FlagNeedAck) {
			sess.send(&prudp.Packet{
				Type:       prudp.TypePing,
				Flags:      prudp.FlagAck,
				SessionID:  sess.srv.SessionID,
				Signature:  p.Signature,
				SequenceID: p.SequenceID,
				Payload:    p.Payload,
			})
		}

	case prudp.TypeDisconnect:
		return false
	}

	return true
}

// deliver every complete payload in sequence order.
func (sess *session) deliver() {
	for {
		var chain []*prudp.Packet
		for seq := sess.expected; ; seq++ {
			p, ok := sess.pending[seq]
			if !ok {
				return
			}
			chain = append(chain, p)
			if p.FragmentIndex == 0 {
				break
			}
		}

		var payload []byte
		for _, p := range chain {
			delete(sess.pending, p.SequenceID)
			sess.settings.Cipher.Inbound.Transform(p.Payload, p.Payload)
			payload = append(payload, p.Payload...)
		}
		sess.expected += uint16(len(chain))

		sess.srv.mu.Lock()
		sess.srv.received = append(sess.srv.received, payload)
		sess.srv.mu.Unlock()

		if sess.srv.Handler != nil {
			for _, reply := range sess.srv.Handler(payload) {
				sess.sendReliable(reply)
			}
		}
	}
}

func (sess *session) recordConnect(p *prudp.Packet) {
	c := &Connect{ClientSignature: p.ConnectionSignature}

	if sess.srv.SessionKey != nil {
		r := nexbuf.NewReader(p.Payload)
		c.SecureTicket = r.ReadBuffer()
		sealed := r.ReadBuffer()
		if c.Err = r.Err(); c.Err == nil {
			c.UserPID, c.ServerCID, c.Nonce, c.Err = prudp.OpenConnectRequest(*sess.srv.SessionKey, sealed)
		}
	}

	sess.srv.mu.Lock()
	sess.srv.connect = c
	sess.srv.mu.Unlock()
}
