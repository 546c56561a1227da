// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package prudp

import (
	"errors"
	"math/rand"
	"sync"
)

const (
	DefaultPortBase  = 40000
	DefaultPortRange = 10000
)

// ErrPortsExhausted is returned by Allocate if every port of the pool is in use.
var ErrPortsExhausted = errors.New("prudp: no free local port left")

// PortPool hands out local UDP ports from a fixed range. Ports are picked at random.
type PortPool struct {
	mu   sync.Mutex
	base uint16
	used []bool
	free int
}

// NewPortPool creates a pool of the ports base to base+size-1.
func NewPortPool(base uint16, size int) *PortPool {
	if size <= 0 || int(base)+size > 0x10000 {
		panic("prudp: invalid port pool range")
	}
	return &PortPool{base: base, used: make([]bool, size), free: size}
}

// DefaultPortPool creates a pool of the ports 40000 to 49999.
func DefaultPortPool() *PortPool {
	return NewPortPool(DefaultPortBase, DefaultPortRange)
}

// Allocate picks a random unused port and marks it as used.
func (pp *PortPool) Allocate() (uint16, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if pp.free == 0 {
		return 0, ErrPortsExhausted
	}

	for {
		i := rand.Intn(len(pp.used))
		if !pp.used[i] {
			pp.used[i] = true
			pp.free--
			return pp.base + uint16(i), nil
		}
	}
}

// Release returns a port to the pool. Unknown or unused ports are ignored.
func (pp *PortPool) Release(port uint16) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if port < pp.base || int(port-pp.base) >= len(pp.used) {
		return
	}
	if i := port - pp.base; pp.used[i] {
		pp.used[i] = false
		pp.free++
	}
}

// InUse is the number of allocated ports.
func (pp *PortPool) InUse() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.used) - pp.free
}
