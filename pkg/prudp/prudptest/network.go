// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudptest

import (
	"fmt"
	"sync"

	"github.com/nexcore/nexcore/pkg/prudp"
)

// Network maps addresses to Servers. Its Dial method is a prudp.DialFunc and
// starts a Server session per dialed Conduit.
type Network struct {
	ports *prudp.PortPool

	mu      sync.Mutex
	servers map[string]*Server
	dials   map[string]int
	wg      sync.WaitGroup
}

func NewNetwork() *Network {
	return &Network{
		ports:   prudp.DefaultPortPool(),
		servers: make(map[string]*Server),
		dials:   make(map[string]int),
	}
}

// Listen registers a Server for an address.
func (n *Network) Listen(address string, srv *Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[address] = srv
}

// Dial connects to the Server listening on remote.
func (n *Network) Dial(remote string) (prudp.Conduit, error) {
	n.mu.Lock()
	n.dials[remote]++
	srv, ok := n.servers[remote]
	n.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("prudptest: nobody listens on %s", remote)
	}

	port, err := n.ports.Allocate()
	if err != nil {
		return nil, err
	}

	client, server := Pipe(port)
	client.onClose = func() { n.ports.Release(port) }

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		srv.Serve(server)
	}()

	return client, nil
}

// Dials counts the attempts to dial remote.
func (n *Network) Dials(remote string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[remote]
}

// PortsInUse is the number of Conduits not yet closed.
func (n *Network) PortsInUse() int {
	return n.ports.InUse()
}

// Wait until all Server sessions have finished.
func (n *Network) Wait() {
	n.wg.Wait()
}
