// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package login

import (
	"crypto/hmac"
	"crypto/md5"
	"errors"
	"fmt"

	"github.com/nexcore/nexcore/pkg/nexbuf"
	"github.com/nexcore/nexcore/pkg/prudp"
)

const (
	ticketKeyRounds = 65000
	ticketDigestLen = md5.Size
)

var (
	// ErrTicketDigest reports a ticket whose trailing HMAC does not match the ticket key,
	// most likely due to a wrong password.
	ErrTicketDigest = errors.New("login: ticket digest mismatch")

	// ErrTicketMalformed reports a ticket which cannot be parsed.
	ErrTicketMalformed = errors.New("login: malformed ticket")
)

// DeriveTicketKey derives the key of the tickets issued to pid from its password.
func DeriveTicketKey(pid uint32, password string) (key [16]byte) {
	key = md5.Sum([]byte(password))

	rounds := ticketKeyRounds + int(pid%1024) - 1
	for i := 0; i < rounds; i++ {
		key = md5.Sum(key[:])
	}
	return
}

// Ticket is the decrypted content of a ticket granted for a secure server.
type Ticket struct {
	SessionKey   [16]byte
	Reserved     uint32
	SecureTicket []byte
}

// OpenTicket verifies a ticket's digest, decrypts and parses it.
func OpenTicket(key [16]byte, sealed []byte) (*Ticket, error) {
	if len(sealed) < ticketDigestLen {
		return nil, fmt.Errorf("%w: %d bytes are shorter than its digest", ErrTicketMalformed, len(sealed))
	}

	body, digest := sealed[:len(sealed)-ticketDigestLen], sealed[len(sealed)-ticketDigestLen:]

	mac := hmac.New(md5.New, key[:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), digest) {
		return nil, ErrTicketDigest
	}

	plain := make([]byte, len(body))
	cipher, err := prudp.NewStreamCipher(key[:])
	if err != nil {
		return nil, err
	}
	cipher.Transform(plain, body)

	r := nexbuf.NewReader(plain)
	t := &Ticket{}
	copy(t.SessionKey[:], r.ReadBytes(len(t.SessionKey)))
	t.Reserved = r.ReadU32()
	t.SecureTicket = r.ReadBuffer()

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTicketMalformed, err)
	}
	return t, nil
}

// SealTicket is the inverse of OpenTicket, as performed by an authentication server.
func SealTicket(key [16]byte, t *Ticket) ([]byte, error) {
	w := nexbuf.NewWriter()
	w.WriteBytes(t.SessionKey[:])
	w.WriteU32(t.Reserved)
	w.WriteBuffer(t.SecureTicket)
	if err := w.Err(); err != nil {
		return nil, err
	}

	cipher, err := prudp.NewStreamCipher(key[:])
	if err != nil {
		return nil, err
	}

	body := make([]byte, w.Len())
	cipher.Transform(body, w.Bytes())

	mac := hmac.New(md5.New, key[:])
	mac.Write(body)
	return mac.Sum(body), nil
}
