// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import (
	"crypto/md5"
	"crypto/rc4"
)

// BootstrapKey is the well-known RC4 key of connections without a session key.
var BootstrapKey = []byte("CD&ML")

// KeyMode tells which key a CipherContext was created with.
type KeyMode int

const (
	KeyModeBootstrap KeyMode = iota
	KeyModeSession
)

func (m KeyMode) String() string {
	if m == KeyModeSession {
		return "session"
	}
	return "bootstrap"
}

// StreamCipher is one direction of an RC4 keystream. Every Transform continues
// the keystream where the previous call stopped.
type StreamCipher struct {
	c *rc4.Cipher
}

// NewStreamCipher creates a StreamCipher at the start of key's keystream.
func NewStreamCipher(key []byte) (*StreamCipher, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &StreamCipher{c: c}, nil
}

// Transform XORs src with the next len(src) keystream bytes into dst. dst and src may overlap entirely.
func (s *StreamCipher) Transform(dst, src []byte) {
	s.c.XORKeyStream(dst, src)
}

// CipherContext holds two independent keystreams, one per direction.
type CipherContext struct {
	Mode     KeyMode
	Inbound  *StreamCipher
	Outbound *StreamCipher
}

func newCipherContext(mode KeyMode, key []byte) *CipherContext {
	// rc4 only rejects keys outside of 1 to 256 bytes.
	in, err := NewStreamCipher(key)
	if err != nil {
		panic(err)
	}
	out, _ := NewStreamCipher(key)
	return &CipherContext{Mode: mode, Inbound: in, Outbound: out}
}

// NewBootstrapCipher keys both directions with BootstrapKey.
func NewBootstrapCipher() *CipherContext {
	return newCipherContext(KeyModeBootstrap, BootstrapKey)
}

// NewSessionCipher keys both directions with a negotiated session key.
func NewSessionCipher(sessionKey [16]byte) *CipherContext {
	return newCipherContext(KeyModeSession, sessionKey[:])
}

// StreamSettings are the per-connection parameters of the packet codec.
type StreamSettings struct {
	// ChecksumSeed is the byte sum of the access key.
	ChecksumSeed byte
	// AccessKeyDigest is MD5(access key), the HMAC key of DATA signatures.
	AccessKeyDigest [16]byte
	// Cipher transforms DATA payloads.
	Cipher *CipherContext
	// VerifySignatures enables checking the signature of non-empty inbound DATA packets.
	VerifySignatures bool
}

// NewStreamSettings derives the checksum seed and HMAC key from accessKey.
// A nil cipher falls back to the bootstrap key.
func NewStreamSettings(accessKey string, cipher *CipherContext) *StreamSettings {
	if cipher == nil {
		cipher = NewBootstrapCipher()
	}
	return &StreamSettings{
		ChecksumSeed:     ChecksumSeed(accessKey),
		AccessKeyDigest:  md5.Sum([]byte(accessKey)),
		Cipher:           cipher,
		VerifySignatures: true,
	}
}
