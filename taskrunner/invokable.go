// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"sync"
	"sync/atomic"
)

// invokableHandle is the guarded reference to the running user operator.
// Set exactly once after construction (Set), never reassigned, and cleared
// to nil once cleanup completes. Readers must copy to a local and nil-check
// before use — Get does exactly that.
type invokableHandle struct {
	ref atomic.Pointer[Operator]

	cancelOnce   sync.Once
	cancelCalled atomic.Bool
}

func (h *invokableHandle) Set(op Operator) {
	h.ref.Store(&op)
}

// Get returns the current operator, or nil if none is published yet or
// cleanup already cleared it.
func (h *invokableHandle) Get() Operator {
	p := h.ref.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (h *invokableHandle) Clear() {
	h.ref.Store(nil)
}

// CancelOnce invokes the operator's Cancel hook at most once per task
// lifetime, regardless of how many goroutines race to call it — the
// Cancellation Orchestrator's triad and the Execution Driver's exception
// handler both go through this same guard.
func (h *invokableHandle) CancelOnce(op Operator, onErr func(error)) {
	h.cancelOnce.Do(func() {
		h.cancelCalled.Store(true)
		if op == nil {
			return
		}
		if err := op.Cancel(); err != nil && onErr != nil {
			onErr(err)
		}
	})
}

func (h *invokableHandle) CancelRequested() bool {
	return h.cancelCalled.Load()
}
