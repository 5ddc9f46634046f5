// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"sync"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
)

// ExecutionState is the totally ordered lifecycle enumeration a task
// container moves through. The zero value is Created.
type ExecutionState int32

const (
	StateCreated ExecutionState = iota
	StateDeploying
	StateRunning
	StateFinished
	StateCanceling
	StateCanceled
	StateFailed
)

func (s ExecutionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDeploying:
		return "deploying"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateCanceling:
		return "canceling"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the lifecycle's terminal states.
// Once terminal, the state cell is never left.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateFinished, StateCanceled, StateFailed:
		return true
	default:
		return false
	}
}

// stateCell is the sole mutator of a task container's lifecycle state. All
// reads are acquire and all successful writes are release, so any observer
// that sees the state at or past Running also sees the invokable handle
// publication (happens-before via the same atomic).
type stateCell struct {
	v atomic.Int32

	causeMu sync.Mutex
	cause   error

	logger  hclog.Logger
	metrics *MetricGroup
}

func newStateCell(logger hclog.Logger, metrics *MetricGroup) *stateCell {
	c := &stateCell{logger: logger, metrics: metrics}
	c.v.Store(int32(StateCreated))
	return c
}

func (c *stateCell) Get() ExecutionState {
	return ExecutionState(c.v.Load())
}

// Cause returns the failure cause recorded at the moment of the first
// transition into Failed, or nil if the task never failed.
func (c *stateCell) Cause() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	return c.cause
}

// TryTransition is the single legal state mutator: a compare-and-set from
// expected to next. When it succeeds and next is Failed, cause is recorded
// atomically with the transition. A failed CAS means another actor won
// the race; the caller must re-read the cell and decide what to do next —
// the cell itself does not enforce the transition graph, callers do.
func (c *stateCell) TryTransition(expected, next ExecutionState, cause error) bool {
	if next == StateFailed {
		// The cause must be visible no later than the transition itself,
		// so it is staged under the lock before the CAS and rolled back
		// if another actor wins the race.
		c.causeMu.Lock()
		prev := c.cause
		if prev == nil {
			c.cause = cause
		}
		if !c.v.CompareAndSwap(int32(expected), int32(next)) {
			c.cause = prev
			c.causeMu.Unlock()
			return false
		}
		c.causeMu.Unlock()
	} else if !c.v.CompareAndSwap(int32(expected), int32(next)) {
		return false
	}
	if c.logger != nil {
		c.logger.Debug("task state transition", "from", expected.String(), "to", next.String())
	}
	if c.metrics != nil {
		c.metrics.EmitTransition(expected, next)
	}
	return true
}
