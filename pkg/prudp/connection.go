// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nexcore/nexcore/pkg/instrument"
)

// DefaultMaxFragmentSize is the largest payload of a single DATA packet.
const DefaultMaxFragmentSize = 1000

// maxFragments is limited by the one byte fragment index.
const maxFragments = 0x100

const (
	synSequenceID uint16 = 0
	conSequenceID uint16 = 1

	firstReliableSequenceID uint16 = 2
	firstIncomingSequenceID uint16 = 1
)

// ConnectionState of a Connection. Disconnected is terminal.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// SecureHandshake carries the material proving a previous authentication. It is
// embedded into the CON packet and its SessionKey keys both stream ciphers.
type SecureHandshake struct {
	SessionKey   [16]byte
	SecureTicket []byte
	UserPID      uint32
	ServerCID    uint32
}

// Config of a Connection.
type Config struct {
	// AccessKey is shared by all clients of a service and seeds the checksum and DATA signatures.
	AccessKey string

	// Secure is nil for connections keyed with the bootstrap key.
	Secure *SecureHandshake

	Timing Timing

	// MaxFragmentSize bounds the payload of a single DATA packet, DefaultMaxFragmentSize if zero.
	MaxFragmentSize int

	// SkipSignatureVerification accepts inbound DATA packets regardless of their signature.
	SkipSignatureVerification bool

	// DisconnectOnInvalidPacket turns checksum and signature failures into a disconnect.
	// Otherwise such datagrams are only dropped.
	DisconnectOnInvalidPacket bool
}

// retransmission is a sent reliable packet awaiting its acknowledgement.
type retransmission struct {
	datagram []byte
	sentAt   time.Time
	retries  int
}

// Connection is the client side of a PRUDP session.
type Connection struct {
	conduit  Conduit
	remote   string
	settings *StreamSettings
	timing   Timing
	secure   *SecureHandshake
	strict   bool

	maxFragmentSize int

	state ConnectionState
	cause string

	localSessionID  uint8
	remoteSessionID uint8
	localSignature  uint32
	remoteSignature uint32
	hasSynAck       bool
	hasConAck       bool

	handshake      *Packet
	handshakeAt    time.Time
	handshakeTries int

	outgoingSequenceID uint16
	incomingSequenceID uint16

	awaitingAck map[uint16]*retransmission
	reorder     []*Packet

	pingSequenceID uint16
	pingAt         time.Time
	unackedPings   int

	sent, received, dropped, retransmitted uint64
	lastReceive                            time.Time
}

// Dial creates a Conduit to remote and starts the handshake of a new Connection.
// Failing to create the Conduit, e.g., no bindable port, is returned as an error.
func Dial(dial DialFunc, remote string, config Config, now time.Time) (*Connection, error) {
	conduit, err := dial(remote)
	if err != nil {
		return nil, fmt.Errorf("prudp: dialing %s failed: %w", remote, err)
	}

	c := NewConnection(conduit, config, now)
	c.remote = remote
	return c, nil
}

// NewConnection starts the handshake of a new Connection on top of an existing Conduit.
// The Connection owns the Conduit afterwards.
func NewConnection(conduit Conduit, config Config, now time.Time) *Connection {
	cipher := NewBootstrapCipher()
	if config.Secure != nil {
		cipher = NewSessionCipher(config.Secure.SessionKey)
	}

	settings := NewStreamSettings(config.AccessKey, cipher)
	settings.VerifySignatures = !config.SkipSignatureVerification

	maxFragmentSize := config.MaxFragmentSize
	if maxFragmentSize <= 0 {
		maxFragmentSize = DefaultMaxFragmentSize
	}

	c := &Connection{
		conduit:            conduit,
		settings:           settings,
		timing:             config.Timing.withDefaults(),
		secure:             config.Secure,
		strict:             config.DisconnectOnInvalidPacket,
		maxFragmentSize:    maxFragmentSize,
		state:              StateConnecting,
		outgoingSequenceID: firstReliableSequenceID,
		incomingSequenceID: firstIncomingSequenceID,
		awaitingAck:        make(map[uint16]*retransmission),
	}

	c.logger().WithField("key-mode", cipher.Mode).Debug("Starting handshake")
	c.startHandshake(&Packet{
		Source:      clientVPort,
		Destination: serverVPort,
		Type:        TypeSyn,
		Flags:       FlagNeedAck,
		SequenceID:  synSequenceID,
	}, now)

	return c
}

func (c *Connection) String() string {
	return fmt.Sprintf("prudp.Connection(port=%d, remote=%s, %v)", c.conduit.LocalPort(), c.remote, c.state)
}

// logger returns a new logrus.Entry.
func (c *Connection) logger() *log.Entry {
	e := log.WithFields(log.Fields{
		"prudp-port": c.conduit.LocalPort(),
		"state":      c.state,
	})
	if c.remote != "" {
		e = e.WithField("remote", c.remote)
	}
	if c.hasSynAck {
		e = e.WithField("session", c.localSessionID)
	}
	return e
}

// State of this Connection.
func (c *Connection) State() ConnectionState {
	return c.state
}

// DisconnectCause names the reason for entering StateDisconnected, empty before.
func (c *Connection) DisconnectCause() string {
	return c.cause
}

// LocalPort is the local port of the underlying Conduit.
func (c *Connection) LocalPort() uint16 {
	return c.conduit.LocalPort()
}

// KeyMode tells if this Connection is keyed with the bootstrap or a session key.
func (c *Connection) KeyMode() KeyMode {
	return c.settings.Cipher.Mode
}

// Close this Connection. A connected peer is informed with a DISCONNECT packet.
// The Conduit is closed and, for UDP, its port returned to the pool.
func (c *Connection) Close() error {
	if c.state == StateConnected {
		c.transmit(&Packet{
			Source:      clientVPort,
			Destination: serverVPort,
			Type:        TypeDisconnect,
			Flags:       FlagReliable | FlagNeedAck,
			SessionID:   c.localSessionID,
			Signature:   c.remoteSignature,
			SequenceID:  c.nextSequenceID(),
		})
	}

	c.disconnect("closed")
	return c.conduit.Close()
}

// disconnect enters the terminal StateDisconnected.
func (c *Connection) disconnect(cause string) {
	if c.state == StateDisconnected {
		return
	}

	if c.state == StateConnecting {
		instrument.Handshake("failed")
	}

	c.logger().WithFields(log.Fields{
		"cause":        cause,
		"awaiting-ack": len(c.awaitingAck),
	}).Info("Connection disconnected")

	c.state = StateDisconnected
	c.cause = cause
	c.handshake = nil
	c.awaitingAck = make(map[uint16]*retransmission)
	instrument.Disconnect(cause)
}

// Status is a snapshot of a Connection's counters.
type Status struct {
	State           ConnectionState `json:"state"`
	DisconnectCause string          `json:"disconnect_cause,omitempty"`
	KeyMode         string          `json:"key_mode"`
	LocalPort       uint16          `json:"local_port"`
	Remote          string          `json:"remote"`

	LocalSessionID  uint8 `json:"local_session_id"`
	RemoteSessionID uint8 `json:"remote_session_id"`

	OutgoingSequenceID uint16 `json:"outgoing_sequence_id"`
	IncomingSequenceID uint16 `json:"incoming_sequence_id"`
	AwaitingAck        int    `json:"awaiting_ack"`
	Reordering         int    `json:"reordering"`

	Sent            uint64    `json:"sent"`
	Received        uint64    `json:"received"`
	Dropped         uint64    `json:"dropped"`
	Retransmissions uint64    `json:"retransmissions"`
	LastReceive     time.Time `json:"last_receive"`
}

// Status creates a snapshot of this Connection.
func (c *Connection) Status() Status {
	return Status{
		State:              c.state,
		DisconnectCause:    c.cause,
		KeyMode:            c.settings.Cipher.Mode.String(),
		LocalPort:          c.conduit.LocalPort(),
		Remote:             c.remote,
		LocalSessionID:     c.localSessionID,
		RemoteSessionID:    c.remoteSessionID,
		OutgoingSequenceID: c.outgoingSequenceID,
		IncomingSequenceID: c.incomingSequenceID,
		AwaitingAck:        len(c.awaitingAck),
		Reordering:         len(c.reorder),
		Sent:               c.sent,
		Received:           c.received,
		Dropped:            c.dropped,
		Retransmissions:    c.retransmitted,
		LastReceive:        c.lastReceive,
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}
