// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// executingStacks captures a goroutine dump for the interrupter's
// diagnostics, the closest runtime analogue to logging a stuck thread's
// stack trace.
func executingStacks() string {
	buf := make([]byte, 64*1024)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}

// cancellationOrchestrator owns the escalation triad:
// request the operator's cooperative cancel hook once, then escalate to
// interrupting the executing goroutine's context on a fixed interval, then
// (optionally) escalate to a fatal worker-node notification if the task is
// still not terminal after a hard timeout. Every entry point here is
// non-blocking: it only ever flips the state cell and, at most once,
// spawns the triad's goroutines.
type cancellationOrchestrator struct {
	tc *TaskContainer

	triadLaunched atomic.Bool
}

func newCancellationOrchestrator(tc *TaskContainer) *cancellationOrchestrator {
	return &cancellationOrchestrator{tc: tc}
}

// Cancel requests cancellation. Idempotent and non-blocking: at most one of
// its CAS attempts per call succeeds, and it never waits on the operator.
func (o *cancellationOrchestrator) Cancel() {
	tc := o.tc
	for {
		cur := tc.state.Get()
		switch cur {
		case StateCreated, StateDeploying, StateRunning:
			if tc.state.TryTransition(cur, StateCanceling, nil) {
				tc.recordEvent("canceling")
				tc.metrics.IncrCounter([]string{"client", "task", "cancel_request"}, 1)
				o.launchTriad()
				return
			}
		default:
			// Already canceling, terminal, or racing another transition
			// that will itself observe the cancel request — nothing more
			// to do from this caller.
			return
		}
	}
}

// FailExternally requests an external failure. Like Cancel, it is
// idempotent and non-blocking, and still drives the same escalation triad
// so a task stuck in uncooperative user code is forced out regardless of
// whether the request was a cancel or an external failure.
func (o *cancellationOrchestrator) FailExternally(cause error) {
	tc := o.tc
	for {
		cur := tc.state.Get()
		switch cur {
		case StateCreated, StateDeploying, StateRunning, StateCanceling:
			if tc.state.TryTransition(cur, StateFailed, cause) {
				tc.recordEvent("failed externally")
				tc.metrics.IncrCounter([]string{"client", "task", "fail_request"}, 1)
				o.launchTriad()
				return
			}
		default:
			return
		}
	}
}

// launchTriad starts the canceller/interrupter/watchdog group exactly once
// per task lifetime. Later calls to Cancel/FailExternally after the triad
// is already running are no-ops beyond their own CAS.
func (o *cancellationOrchestrator) launchTriad() {
	if !o.triadLaunched.CompareAndSwap(false, true) {
		return
	}

	tc := o.tc
	g := &errgroup.Group{}

	g.Go(func() error {
		o.runCanceller()
		return nil
	})
	g.Go(func() error {
		o.runInterrupter()
		return nil
	})
	if tc.cancellationTimeout() > 0 {
		g.Go(func() error {
			o.runWatchdog()
			return nil
		})
	}

	// The triad is fire-and-forget from the caller's perspective; it
	// is only waited on here, on its own goroutine, so launchTriad itself
	// never blocks Cancel/FailExternally.
	go g.Wait()
}

// runCanceller invokes the operator's cooperative cancel hook once, then
// synchronously closes the task's network resources so auxiliary
// goroutines blocked on partition/gate I/O unblock, then sends the single
// initial interrupt if the operator allows it. Releasing the network
// categories here goes through the ledger, so the cleanup path's later
// pass over the same categories is a no-op rather than a double release.
func (o *cancellationOrchestrator) runCanceller() {
	tc := o.tc
	op := tc.invokable.Get()
	if op == nil {
		return
	}
	tc.invokable.CancelOnce(op, func(err error) {
		tc.logger.Warn("operator cancel hook failed", "error", err)
	})

	if merr := tc.ledger.ReleaseCategory(categoryPartition, tc.logger); merr != nil {
		tc.logger.Warn("error closing partitions during cancellation", "error", merr)
	}
	if merr := tc.ledger.ReleaseCategory(categoryInputGate, tc.logger); merr != nil {
		tc.logger.Warn("error closing input gates during cancellation", "error", merr)
	}

	if op.ShouldInterruptOnCancel() {
		tc.invokeCancel()
	}
}

// runInterrupter escalates to canceling the operator's invocation context
// on a fixed interval until the task reaches a terminal state. This is the
// runtime's analogue of repeated thread interrupts against uncooperative
// user code.
func (o *cancellationOrchestrator) runInterrupter() {
	tc := o.tc
	interval := tc.cancellationInterval()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-tc.doneCh:
			return
		case <-ticker.C:
			if tc.state.Get().Terminal() {
				return
			}
			op := tc.invokable.Get()
			if op != nil && !op.ShouldInterruptOnCancel() {
				continue
			}
			tc.logger.Warn("task did not react to cancellation within interval, interrupting execution",
				"stack", executingStacks())
			tc.metrics.IncrCounter([]string{"client", "task", "cancel_interrupt"}, 1)
			tc.invokeCancel()
		}
	}
}

// runWatchdog escalates to a fatal worker-node notification if the task is
// still not terminal after cancellationTimeout. It never halts the process
// itself — the Execution Driver's goroutine (its exception handler and its
// cleanup path) is the only place that calls the configured halt function.
func (o *cancellationOrchestrator) runWatchdog() {
	tc := o.tc
	timer := time.NewTimer(tc.cancellationTimeout())
	defer timer.Stop()

	select {
	case <-tc.doneCh:
		return
	case <-timer.C:
		if tc.state.Get().Terminal() {
			return
		}
		tc.logger.Error("task failed to terminate within cancellation timeout, notifying worker node")
		tc.metrics.IncrCounter([]string{"client", "task", "cancel_timeout"}, 1)
		if tc.cfg.WorkerNode != nil {
			tc.cfg.WorkerNode.NotifyFatalError("task did not terminate within cancellation timeout", tc.state.Cause())
		}
	}
}
