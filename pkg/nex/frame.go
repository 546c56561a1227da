// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package nex

import (
	"errors"
	"fmt"

	"github.com/nexcore/nexcore/pkg/nexbuf"
)

const (
	// RequestBit marks the protocol ID of a request.
	RequestBit uint8 = 0x80

	// MethodWildcard is the method ID of error responses, which do not carry one.
	MethodWildcard uint32 = 0xFFFFFFFF

	responseMethodMask uint32 = 0x7FFF

	minRequestLength  = 1 + 4 + 4
	minResponseLength = 1 + 1 + 4 + 4
)

// ErrFrame reports an RPC frame which cannot be parsed.
var ErrFrame = errors.New("nex: malformed frame")

// Request is an RPC request, either sent by this client or received from the server.
type Request struct {
	ProtocolID uint8
	CallID     uint32
	MethodID   uint32
	Args       []byte
}

// Encode the Request into a length prefixed frame.
func (r *Request) Encode() []byte {
	w := nexbuf.NewWriter()
	w.WriteU32(uint32(minRequestLength + len(r.Args)))
	w.WriteU8(r.ProtocolID | RequestBit)
	w.WriteU32(r.CallID)
	w.WriteU32(r.MethodID)
	w.WriteBytes(r.Args)
	return w.Bytes()
}

// Response to a Request. Err is nil for successful calls.
type Response struct {
	ProtocolID uint8
	CallID     uint32
	MethodID   uint32
	Data       []byte
	Err        error
}

// Success reports whether the call succeeded.
func (r *Response) Success() bool {
	return r.Err == nil
}

// ErrorCode returns the server's error code, zero for successful or locally failed calls.
func (r *Response) ErrorCode() uint32 {
	var serverErr *ServerError
	if errors.As(r.Err, &serverErr) {
		return serverErr.Code
	}
	return 0
}

// IsRequest checks the request bit of a frame.
func IsRequest(frame []byte) bool {
	return len(frame) >= 5 && frame[4]&RequestBit != 0
}

// frameBody checks a frame's length field and returns the bytes it covers.
func frameBody(frame []byte, minLength int) ([]byte, error) {
	r := nexbuf.NewReader(frame)
	length := int(r.ReadU32())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrame, err)
	}
	if length > r.Len() {
		return nil, fmt.Errorf("%w: length field %d exceeds the %d bytes frame", ErrFrame, length, r.Len())
	}
	if length < minLength {
		return nil, fmt.Errorf("%w: length field %d is too short", ErrFrame, length)
	}
	return frame[4 : 4+length], nil
}

// ParseRequest parses a server-initiated request frame.
func ParseRequest(frame []byte) (*Request, error) {
	body, err := frameBody(frame, minRequestLength)
	if err != nil {
		return nil, err
	}

	r := nexbuf.NewReader(body)
	protocol := r.ReadU8()
	if protocol&RequestBit == 0 {
		return nil, fmt.Errorf("%w: request bit is not set", ErrFrame)
	}

	return &Request{
		ProtocolID: protocol &^ RequestBit,
		CallID:     r.ReadU32(),
		MethodID:   r.ReadU32(),
		Args:       r.Remaining(),
	}, nil
}

// ParseResponse parses a response frame. Error responses carry a *ServerError and
// the MethodWildcard.
func ParseResponse(frame []byte) (*Response, error) {
	body, err := frameBody(frame, minResponseLength)
	if err != nil {
		return nil, err
	}

	r := nexbuf.NewReader(body)
	resp := &Response{ProtocolID: r.ReadU8() &^ RequestBit}

	if success := r.ReadU8(); success == 0 {
		resp.Err = &ServerError{Code: r.ReadU32()}
		resp.CallID = r.ReadU32()
		resp.MethodID = MethodWildcard
	} else {
		resp.CallID = r.ReadU32()
		resp.MethodID = r.ReadU32() & responseMethodMask
		resp.Data = r.Remaining()
	}

	return resp, nil
}

// EncodeSuccess builds a success response frame. Only the low 15 bits of
// methodID are kept.
func EncodeSuccess(protocolID uint8, callID, methodID uint32, result []byte) []byte {
	w := nexbuf.NewWriter()
	w.WriteU32(uint32(minResponseLength + len(result)))
	w.WriteU8(protocolID &^ RequestBit)
	w.WriteU8(1)
	w.WriteU32(callID)
	w.WriteU32(methodID & responseMethodMask)
	w.WriteBytes(result)
	return w.Bytes()
}

// EncodeError builds an error response frame.
func EncodeError(protocolID uint8, callID, errorCode uint32) []byte {
	w := nexbuf.NewWriter()
	w.WriteU32(minResponseLength)
	w.WriteU8(protocolID &^ RequestBit)
	w.WriteU8(0)
	w.WriteU32(errorCode)
	w.WriteU32(callID)
	return w.Bytes()
}
