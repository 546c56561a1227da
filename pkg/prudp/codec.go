// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nexcore/nexcore/pkg/nexbuf"
)

const (
	headerLength   = 11
	checksumLength = 1

	// emptyDataSignature signs DATA packets without payload.
	emptyDataSignature uint32 = 0x12345678
)

var (
	// ErrDecode is matched by every decoding failure.
	ErrDecode = errors.New("prudp: malformed packet")
	// ErrChecksum reports a mismatching trailing checksum byte.
	ErrChecksum = fmt.Errorf("%w: checksum mismatch", ErrDecode)
	// ErrSignature reports a DATA packet whose signature does not match its payload.
	ErrSignature = fmt.Errorf("%w: signature mismatch", ErrDecode)
)

// DataSignature calculates the signature of a DATA packet's (encrypted) payload:
// the first four bytes of HMAC-MD5 keyed with the access key digest, read little-endian.
func DataSignature(accessKeyDigest [16]byte, payload []byte) uint32 {
	if len(payload) == 0 {
		return emptyDataSignature
	}

	mac := hmac.New(md5.New, accessKeyDigest[:])
	mac.Write(payload)
	return binary.LittleEndian.Uint32(mac.Sum(nil))
}

// Encode serializes a Packet into a datagram.
//
// DATA payloads are encrypted with the outbound cipher and signed on their first
// encoding; the packet is updated in place. Encoding it again does not advance the
// keystream and yields the same bytes. The Signature of other packet types is
// written as given.
func Encode(p *Packet, s *StreamSettings) ([]byte, error) {
	if p.Has(FlagHasSize) && len(p.Payload) > 0xFFFF {
		return nil, fmt.Errorf("prudp: payload of %d bytes exceeds the size field", len(p.Payload))
	}

	if p.Type == TypeData {
		if !p.encrypted {
			if len(p.Payload) > 0 {
				s.Cipher.Outbound.Transform(p.Payload, p.Payload)
			}
			p.encrypted = true
		}
		p.Signature = DataSignature(s.AccessKeyDigest, p.Payload)
	}

	w := nexbuf.NewWriter()
	w.WriteU8(uint8(p.Source))
	w.WriteU8(uint8(p.Destination))
	w.WriteU16(uint16(p.Type)&0xF | uint16(p.Flags)<<4)
	w.WriteU8(p.SessionID)
	w.WriteU32(p.Signature)
	w.WriteU16(p.SequenceID)

	switch p.Type {
	case TypeSyn, TypeCon:
		w.WriteU32(p.ConnectionSignature)
	case TypeData:
		w.WriteU8(p.FragmentIndex)
	case TypeDisconnect, TypePing:
	default:
		return nil, fmt.Errorf("prudp: cannot encode packet type %v", p.Type)
	}

	if p.Has(FlagHasSize) {
		w.WriteU16(uint16(len(p.Payload)))
	}
	w.WriteBytes(p.Payload)

	w.WriteU8(Checksum(s.ChecksumSeed, w.Bytes()))
	return w.Bytes(), nil
}

// Decode parses a single datagram into a Packet.
//
// The checksum is verified first. DATA signatures are checked if the settings
// demand it; DATA payloads are returned still encrypted.
func Decode(data []byte, s *StreamSettings) (*Packet, error) {
	if len(data) < headerLength+checksumLength {
		return nil, fmt.Errorf("%w: %d bytes are shorter than a header", ErrDecode, len(data))
	}

	body := data[:len(data)-checksumLength]
	if sum := Checksum(s.ChecksumSeed, body); sum != data[len(data)-1] {
		return nil, fmt.Errorf("%w: expected %#02x, got %#02x", ErrChecksum, sum, data[len(data)-1])
	}

	r := nexbuf.NewReader(body)
	p := &Packet{
		Source:      VPort(r.ReadU8()),
		Destination: VPort(r.ReadU8()),
	}
	typeAndFlags := r.ReadU16()
	p.Type = PacketType(typeAndFlags & 0xF)
	p.Flags = Flags(typeAndFlags>>4) & 0xFFF
	p.SessionID = r.ReadU8()
	p.Signature = r.ReadU32()
	p.SequenceID = r.ReadU16()

	switch p.Type {
	case TypeSyn, TypeCon:
		p.ConnectionSignature = r.ReadU32()
	case TypeData:
		p.FragmentIndex = r.ReadU8()
	case TypeDisconnect, TypePing:
	default:
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrDecode, uint8(p.Type))
	}

	if p.Has(FlagHasSize) {
		size := int(r.ReadU16())
		if r.Err() == nil && size != r.Len() {
			return nil, fmt.Errorf("%w: size field %d, but %d payload bytes", ErrDecode, size, r.Len())
		}
	}
	p.Payload = r.Remaining()

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if p.Type == TypeData {
		p.encrypted = true
		if s.VerifySignatures && len(p.Payload) > 0 && !p.Has(FlagAck) {
			if sig := DataSignature(s.AccessKeyDigest, p.Payload); sig != p.Signature {
				return nil, fmt.Errorf("%w: expected %#08x, got %#08x", ErrSignature, sig, p.Signature)
			}
		}
	}

	return p, nil
}

// FrameLength reports the length of the first packet within a datagram which may
// hold several concatenated packets. Only packets carrying an explicit size can be
// followed by another one; otherwise the packet spans the whole datagram.
func FrameLength(data []byte) (int, error) {
	if len(data) < headerLength+checksumLength {
		return 0, fmt.Errorf("%w: %d bytes are shorter than a header", ErrDecode, len(data))
	}

	typeAndFlags := binary.LittleEndian.Uint16(data[2:])
	packetType := PacketType(typeAndFlags & 0xF)
	if Flags(typeAndFlags>>4)&FlagHasSize == 0 {
		return len(data), nil
	}

	var params int
	switch packetType {
	case TypeSyn, TypeCon:
		params = 4
	case TypeData:
		params = 1
	case TypeDisconnect, TypePing:
	default:
		return 0, fmt.Errorf("%w: unknown packet type %d", ErrDecode, uint8(packetType))
	}

	sizeAt := headerLength + params
	if len(data) < sizeAt+2 {
		return 0, fmt.Errorf("%w: truncated size field", ErrDecode)
	}

	n := sizeAt + 2 + int(binary.LittleEndian.Uint16(data[sizeAt:])) + checksumLength
	if n > len(data) {
		return 0, fmt.Errorf("%w: frame of %d bytes exceeds the %d bytes datagram", ErrDecode, n, len(data))
	}
	return n, nil
}
