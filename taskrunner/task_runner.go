// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package taskrunner implements the Task Container: the per-subtask
// runtime that hosts one execution attempt of a user-supplied operator on
// a dedicated goroutine, serializing lifecycle transitions requested from
// the deploy path, the executing goroutine, external cancel/fail callers,
// and the checkpoint-complete callback.
package taskrunner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/flowstate/taskrt/taskrunner/tasklifecycle"
)

// TaskContainer is the composite runtime object this package specifies.
// Exactly one dedicated goroutine (started by Start) ever invokes the
// operator; every other exported method is safe to call from any
// goroutine and never blocks on user code.
type TaskContainer struct {
	identity Identity
	logger   hclog.Logger

	cfg *Config

	state     *stateCell
	ledger    *ledger
	invokable *invokableHandle
	metrics   *MetricGroup
	events    *eventRing

	dispatcher *asyncCallDispatcher
	cancelOrch *cancellationOrchestrator

	// bootstrapEnv is published once, at the end of a successful bootstrap,
	// so invoke and cleanup can see the partitions/gates it built without
	// tracking them a second time.
	bootstrapEnv *Environment

	// invokeCtx/invokeCancel scope the operator's Invoke call; canceling it
	// is this runtime's analogue of interrupting the executing thread.
	invokeCtx    context.Context
	invokeCancel context.CancelFunc

	// overrideInterval/overrideTimeout hold the execution config's
	// adopted cancellation overrides in milliseconds; zero means "use the
	// container-level value". Written only during bootstrap, read by the
	// cancellation triad.
	overrideInterval atomic.Int64
	overrideTimeout  atomic.Int64

	doneCh     chan struct{}
	doneOnce   sync.Once
	waitGate   *tasklifecycle.Gate
	shutdownCh chan struct{}

	startOnce sync.Once
}

// NewTaskContainer assembles a Task Container. It performs no I/O and
// acquires no resources — acquisition only ever happens on the dedicated
// goroutine's bootstrap phase.
func NewTaskContainer(cfg *Config) *TaskContainer {
	logger := cfg.Logger.Named("task_runner").With(
		"job", cfg.Identity.JobID,
		"execution_id", cfg.Identity.ExecutionID,
		"task", cfg.Identity.Name,
	)

	shutdownCh := make(chan struct{})
	invokeCtx, invokeCancel := context.WithCancel(context.Background())
	metrics := newMetricGroup(cfg.Identity)

	tc := &TaskContainer{
		identity:     cfg.Identity,
		logger:       logger,
		cfg:          cfg,
		state:        newStateCell(logger, metrics),
		ledger:       newLedger(),
		invokable:    &invokableHandle{},
		metrics:      metrics,
		events:       &eventRing{},
		dispatcher:   newAsyncCallDispatcher(logger.Named("async")),
		invokeCtx:    invokeCtx,
		invokeCancel: invokeCancel,
		doneCh:       make(chan struct{}),
		shutdownCh:   shutdownCh,
	}
	tc.waitGate = tasklifecycle.NewGate(shutdownCh)
	tc.cancelOrch = newCancellationOrchestrator(tc)
	return tc
}

// Start spawns the dedicated task goroutine. Call once.
func (tc *TaskContainer) Start() {
	tc.startOnce.Do(func() {
		go tc.run()
	})
}

// State returns a race-free snapshot of the container's current lifecycle
// state, failure cause, and recent event trail.
func (tc *TaskContainer) State() Snapshot {
	return Snapshot{
		State:  tc.state.Get(),
		Cause:  tc.state.Cause(),
		Events: tc.events.snapshot(),
	}
}

func (tc *TaskContainer) Identity() Identity { return tc.identity }

// MetricGroup exposes the task's metric emitter so the worker node can
// attach gauges of its own under the same label set.
func (tc *TaskContainer) MetricGroup() *MetricGroup { return tc.metrics }

// WaitCh is closed once the container reaches a terminal state and
// cleanup has published it to the worker node.
func (tc *TaskContainer) WaitCh() <-chan struct{} {
	return tc.waitGate.WaitCh()
}

func (tc *TaskContainer) markDone() {
	tc.doneOnce.Do(func() {
		close(tc.shutdownCh)
		tc.waitGate.Open()
		close(tc.doneCh)
	})
}

func (tc *TaskContainer) recordEvent(msg string) {
	tc.events.append(msg)
}

// Cancel requests a transition toward Canceling/Canceled. Non-blocking,
// idempotent.
func (tc *TaskContainer) Cancel() {
	tc.cancelOrch.Cancel()
}

// FailExternally requests a transition to Failed carrying cause.
// Non-blocking, idempotent.
func (tc *TaskContainer) FailExternally(cause error) {
	tc.cancelOrch.FailExternally(cause)
}

func (tc *TaskContainer) cancellationInterval() time.Duration {
	if ms := tc.overrideInterval.Load(); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return tc.cfg.cancellationInterval()
}

func (tc *TaskContainer) cancellationTimeout() time.Duration {
	if ms := tc.overrideTimeout.Load(); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return tc.cfg.cancellationTimeout()
}
