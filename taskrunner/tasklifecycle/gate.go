// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tasklifecycle holds small synchronization primitives shared by
// the task container's lifecycle components.
package tasklifecycle

import "sync"

// Gate is a toggleable barrier: Close blocks WaitCh, Open unblocks it, and
// either may be called any number of times from any goroutine. Once
// shutdownCh is closed, Close is a no-op, so a gate that is open at that
// point (or opened afterwards) stays open for good. Closing shutdownCh does
// not itself open a gate that is blocking; Open still has to be called.
type Gate struct {
	mu         sync.Mutex
	ch         chan struct{}
	open       bool
	shutdownCh <-chan struct{}
}

// NewGate returns a Gate that starts closed (blocking) unless shutdownCh is
// already closed, in which case it starts open.
func NewGate(shutdownCh <-chan struct{}) *Gate {
	g := &Gate{
		ch:         make(chan struct{}),
		shutdownCh: shutdownCh,
	}

	select {
	case <-shutdownCh:
		close(g.ch)
		g.open = true
	default:
	}

	return g
}

// WaitCh returns a channel that is closed while the gate is open.
func (g *Gate) WaitCh() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Open unblocks WaitCh. Idempotent.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return
	}
	g.open = true
	close(g.ch)
}

// Close re-blocks WaitCh. Idempotent. A no-op once shutdownCh has fired —
// a shut-down container never re-blocks a waiter.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.shutdownCh:
		return
	default:
	}

	if !g.open {
		return
	}
	g.open = false
	g.ch = make(chan struct{})
}
