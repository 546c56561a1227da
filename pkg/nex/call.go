// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package nex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Callback is invoked once a call completes. It runs on the goroutine calling Update.
type Callback func(*Response)

// PendingCall is the future of an issued call.
type PendingCall struct {
	protocolID   uint8
	methodID     uint32
	args         []byte
	callback     Callback
	handleErrors bool

	callID   atomic.Uint32
	queuedAt time.Time
	sentAt   time.Time

	once     sync.Once
	done     chan struct{}
	response *Response
}

func newPendingCall(protocolID uint8, methodID uint32, args []byte, callback Callback, handleErrors bool) *PendingCall {
	return &PendingCall{
		protocolID:   protocolID,
		methodID:     methodID,
		args:         args,
		callback:     callback,
		handleErrors: handleErrors,
		done:         make(chan struct{}),
	}
}

// Done is closed when the call has completed.
func (pc *PendingCall) Done() <-chan struct{} {
	return pc.done
}

// Response of a completed call, nil before.
func (pc *PendingCall) Response() *Response {
	select {
	case <-pc.done:
		return pc.response
	default:
		return nil
	}
}

// CallID assigned when the request was sent, zero before.
func (pc *PendingCall) CallID() uint32 {
	return pc.callID.Load()
}

// Wait blocks until the call completes or ctx is done. Waiting does not drive the
// Service; this must happen concurrently, e.g., by the scheduler.
func (pc *PendingCall) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-pc.done:
		return pc.response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete the call with resp. The callback is skipped for server errors, unless
// the caller asked for them. Only the first completion has an effect.
func (pc *PendingCall) complete(resp *Response) (completed bool) {
	pc.once.Do(func() {
		completed = true

		resp.ProtocolID = pc.protocolID
		if resp.MethodID == 0 {
			resp.MethodID = pc.methodID
		}
		if resp.CallID == 0 {
			resp.CallID = pc.callID.Load()
		}
		pc.response = resp

		_, serverErr := resp.Err.(*ServerError)
		if pc.callback != nil && (!serverErr || pc.handleErrors) {
			pc.callback(resp)
		}

		close(pc.done)
	})
	return
}

func (pc *PendingCall) fail(err error) bool {
	return pc.complete(&Response{Err: err})
}

// CallIDGenerator hands out call IDs, shared by all Services of one client.
type CallIDGenerator struct {
	next atomic.Uint32
}

// NewCallIDGenerator creates a generator whose first call ID is start.
func NewCallIDGenerator(start uint32) *CallIDGenerator {
	g := &CallIDGenerator{}
	g.next.Store(start)
	return g
}

// Next returns a fresh call ID.
func (g *CallIDGenerator) Next() uint32 {
	return g.next.Add(1) - 1
}
