// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import "fmt"

// PacketType is the low nibble of a packet's type and flags field.
type PacketType uint8

const (
	TypeSyn        PacketType = 0
	TypeCon        PacketType = 1
	TypeData       PacketType = 2
	TypeDisconnect PacketType = 3
	TypePing       PacketType = 4
)

func (t PacketType) String() string {
	switch t {
	case TypeSyn:
		return "syn"
	case TypeCon:
		return "con"
	case TypeData:
		return "data"
	case TypeDisconnect:
		return "disconnect"
	case TypePing:
		return "ping"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Flags are the upper twelve bits of a packet's type and flags field.
type Flags uint16

const (
	FlagAck      Flags = 0x1
	FlagReliable Flags = 0x2
	FlagNeedAck  Flags = 0x4
	FlagHasSize  Flags = 0x8

	knownFlags = FlagAck | FlagReliable | FlagNeedAck | FlagHasSize
)

// VPort is a virtual port, combining a stream type in the upper and a port
// number in the lower nibble.
type VPort uint8

// StreamTypeSecure is the stream type of RV secure connections.
const StreamTypeSecure uint8 = 0xA

const (
	clientVPort = VPort(StreamTypeSecure<<4 | 0xF)
	serverVPort = VPort(StreamTypeSecure<<4 | 0x1)
)

// NewVPort combines a stream type and a port number.
func NewVPort(streamType, port uint8) VPort {
	return VPort(streamType<<4 | port&0xF)
}

func (v VPort) StreamType() uint8 {
	return uint8(v) >> 4
}

func (v VPort) Port() uint8 {
	return uint8(v) & 0xF
}

// Packet is a decoded PRUDP v0 packet.
type Packet struct {
	Source      VPort
	Destination VPort
	Type        PacketType
	Flags       Flags
	SessionID   uint8
	Signature   uint32
	SequenceID  uint16

	// ConnectionSignature is only present in SYN and CON packets.
	ConnectionSignature uint32
	// FragmentIndex is only present in DATA packets. Zero marks the last fragment.
	FragmentIndex uint8

	Payload []byte

	// encrypted is set once the DATA payload holds ciphertext, so encoding the
	// packet again yields the identical datagram.
	encrypted bool
}

// Has checks if all the given flags are set.
func (p *Packet) Has(flags Flags) bool {
	return p.Flags&flags == flags
}

// ReservedFlags are set flag bits without a known meaning. They are preserved
// when decoding but otherwise ignored.
func (p *Packet) ReservedFlags() Flags {
	return p.Flags &^ knownFlags
}

func (p Packet) String() string {
	return fmt.Sprintf("prudp.Packet(%v, flags=%#x, session=%d, seq=%d, fragment=%d, %d bytes)",
		p.Type, uint16(p.Flags), p.SessionID, p.SequenceID, p.FragmentIndex, len(p.Payload))
}
