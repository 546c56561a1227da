// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// maxDatagramSize bounds a single received UDP datagram.
const maxDatagramSize = 0x10000

// udpBacklog is the amount of received datagrams buffered until the next Poll.
const udpBacklog = 256

// bindAttempts is the number of random ports tried before giving up.
const bindAttempts = 5

// Conduit is a datagram channel to a single remote peer.
type Conduit interface {
	// Send a single datagram to the remote peer.
	Send(datagram []byte) error

	// Poll returns the next received datagram without blocking. If nothing is
	// pending, a nil datagram and a nil error are returned.
	Poll() ([]byte, error)

	// LocalPort is the bound local port.
	LocalPort() uint16

	// Close releases the conduit. Further calls to Send or Poll fail.
	Close() error
}

// DialFunc creates a Conduit to the remote address, e.g., "10.0.0.1:60000".
type DialFunc func(remote string) (Conduit, error)

// ErrConduitClosed is returned by a closed Conduit.
var ErrConduitClosed = errors.New("prudp: conduit is closed")

type udpConduit struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	port   uint16
	pool   *PortPool

	datagrams chan []byte
	readErr   chan error

	closeOnce sync.Once
}

// UDPDialer creates a DialFunc binding local ports from pool.
func UDPDialer(pool *PortPool) DialFunc {
	return func(remote string) (Conduit, error) {
		return DialUDP(pool, remote)
	}
}

// DialUDP binds a random local port of pool and returns a Conduit exchanging
// datagrams with remote. Datagrams from other senders are discarded.
func DialUDP(pool *PortPool, remote string) (Conduit, error) {
	remoteAddr, err := net.ResolveUDPAddr("udp4", remote)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < bindAttempts; i++ {
		port, err := pool.Allocate()
		if err != nil {
			return nil, err
		}

		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
		if err != nil {
			pool.Release(port)
			lastErr = err

			log.WithFields(log.Fields{
				"port":  port,
				"error": err,
			}).Debug("Binding UDP port failed, trying another one")
			continue
		}

		uc := &udpConduit{
			conn:      conn,
			remote:    remoteAddr,
			port:      port,
			pool:      pool,
			datagrams: make(chan []byte, udpBacklog),
			readErr:   make(chan error, 1),
		}
		go uc.handler()
		return uc, nil
	}

	return nil, fmt.Errorf("prudp: binding a local port failed %d times: %w", bindAttempts, lastErr)
}

// handler reads datagrams until the socket is closed.
func (uc *udpConduit) handler() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := uc.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				uc.readErr <- err
			}
			close(uc.datagrams)
			return
		}

		if !addr.IP.Equal(uc.remote.IP) || addr.Port != uc.remote.Port {
			log.WithFields(log.Fields{
				"port":   uc.port,
				"sender": addr,
			}).Debug("Discarding datagram from unexpected sender")
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		select {
		case uc.datagrams <- datagram:
		default:
			log.WithField("port", uc.port).Warn("UDP backlog is full, dropping datagram")
		}
	}
}

func (uc *udpConduit) Send(datagram []byte) error {
	_, err := uc.conn.WriteToUDP(datagram, uc.remote)
	return err
}

func (uc *udpConduit) Poll() ([]byte, error) {
	select {
	case err := <-uc.readErr:
		return nil, err
	default:
	}

	select {
	case datagram, ok := <-uc.datagrams:
		if !ok {
			return nil, ErrConduitClosed
		}
		return datagram, nil
	default:
		return nil, nil
	}
}

func (uc *udpConduit) LocalPort() uint16 {
	return uc.port
}

func (uc *udpConduit) Close() (err error) {
	uc.closeOnce.Do(func() {
		err = uc.conn.Close()
		uc.pool.Release(uc.port)
	})
	return
}
