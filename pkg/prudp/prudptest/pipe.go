// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package prudptest provides in-memory conduits and a PRUDP server peer for tests.
package prudptest

import (
	"sync"

	"github.com/nexcore/nexcore/pkg/prudp"
)

const pipeBacklog = 1024

// End is one side of an in-memory datagram pipe and implements prudp.Conduit.
// Datagrams exceeding the backlog are dropped, like an overloaded socket would.
type End struct {
	port uint16
	in   chan []byte
	out  chan []byte

	closed     chan struct{}
	peerClosed chan struct{}
	closeOnce  *sync.Once
	onClose    func()
}

// Pipe creates two connected Ends. The first End reports port as its local port.
func Pipe(port uint16) (client, server *End) {
	ab := make(chan []byte, pipeBacklog)
	ba := make(chan []byte, pipeBacklog)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	client = &End{port: port, in: ba, out: ab, closed: aClosed, peerClosed: bClosed, closeOnce: &sync.Once{}}
	server = &End{port: 0, in: ab, out: ba, closed: bClosed, peerClosed: aClosed, closeOnce: &sync.Once{}}
	return
}

func (e *End) Send(datagram []byte) error {
	select {
	case <-e.closed:
		return prudp.ErrConduitClosed
	default:
	}

	cp := make([]byte, len(datagram))
	copy(cp, datagram)

	select {
	case e.out <- cp:
	default:
	}
	return nil
}

func (e *End) Poll() ([]byte, error) {
	select {
	case datagram := <-e.in:
		return datagram, nil
	default:
	}

	select {
	case <-e.closed:
		return nil, prudp.ErrConduitClosed
	default:
		return nil, nil
	}
}

// Recv blocks until a datagram arrives or either End is closed.
func (e *End) Recv() ([]byte, error) {
	select {
	case datagram := <-e.in:
		return datagram, nil
	case <-e.closed:
		return nil, prudp.ErrConduitClosed
	case <-e.peerClosed:
		return nil, prudp.ErrConduitClosed
	}
}

func (e *End) LocalPort() uint16 {
	return e.port
}

func (e *End) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.onClose != nil {
			e.onClose()
		}
	})
	return nil
}
