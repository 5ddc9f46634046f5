// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"context"
	"fmt"
	"os"
	"time"

	set "github.com/hashicorp/go-set/v2"
)

const (
	categoryPartition  = "partition"
	categoryInputGate  = "input_gate"
	categoryClassLoad  = "class_loader"
	categoryFileCache  = "file_cache"
	categoryBlob       = "blob"
	categorySafetyNet  = "safety_net"
	categoryCacheFetch = "cache_fetch"
)

// run is the dedicated task goroutine's body: pre-bootstrap handshake,
// bootstrap, user invocation, and a shared cleanup path every exit funnels
// through.
func (tc *TaskContainer) run() {
	if !tc.preBootstrapHandshake() {
		return
	}

	bootstrapStart := time.Now()
	err := tc.bootstrap()
	tc.metrics.EmitDuration([]string{"client", "task", "bootstrap_elapsed"}, bootstrapStart)
	if err == nil {
		invokeStart := time.Now()
		err = tc.invoke()
		tc.metrics.EmitDuration([]string{"client", "task", "invoke_elapsed"}, invokeStart)
	}
	if err != nil {
		tc.handleExit(err)
	}
	tc.cleanup()
}

// preBootstrapHandshake resolves whatever happened to the state cell
// between construction and the goroutine actually starting. It returns
// false if the task already reached a terminal disposition and nothing
// further (including cleanup) should run on this goroutine.
func (tc *TaskContainer) preBootstrapHandshake() bool {
	for {
		cur := tc.state.Get()
		switch cur {
		case StateCreated:
			if tc.state.TryTransition(StateCreated, StateDeploying, nil) {
				return true
			}
		case StateFailed:
			tc.publishFinalState()
			tc.metrics.Close()
			tc.markDone()
			return false
		case StateCanceling:
			if tc.state.TryTransition(StateCanceling, StateCanceled, nil) {
				// No resources were acquired yet, so
				// cleanup's resource release is skipped, but the metric
				// group still needs to close.
				tc.publishFinalState()
				tc.metrics.Close()
				tc.markDone()
				return false
			}
		default:
			tc.state.TryTransition(cur, StateFailed, fmt.Errorf("task goroutine started from unexpected state %s", cur))
			tc.publishFinalState()
			tc.metrics.Close()
			tc.markDone()
			return false
		}
	}
}

// bootstrap acquires every resource the operator needs, in a fixed order.
// Each step is undoable and, on success, recorded in the
// ledger so cleanup tears it down regardless of how far bootstrap got.
func (tc *TaskContainer) bootstrap() error {
	cfg := tc.cfg

	if cfg.SafetyNet != nil {
		if err := tc.ledger.Acquire(categorySafetyNet, "fs-safety-net", func() (releaseFunc, error) {
			if err := cfg.SafetyNet.Arm(); err != nil {
				return nil, err
			}
			return func() error { return cfg.SafetyNet.Disarm() }, nil
		}); err != nil {
			return NewBootstrapFailure(err)
		}
	}

	if cfg.BlobService != nil {
		if err := tc.ledger.Acquire(categoryBlob, "blob-job", func() (releaseFunc, error) {
			if err := cfg.BlobService.RegisterJob(tc.identity.JobID); err != nil {
				return nil, err
			}
			return func() error { return cfg.BlobService.ReleaseJob(tc.identity.JobID) }, nil
		}); err != nil {
			return NewBootstrapFailure(err)
		}
	}

	var classLoader ClassLoader
	if cfg.ClassLoaderCache != nil {
		if err := tc.ledger.Acquire(categoryClassLoad, "class-loader", func() (releaseFunc, error) {
			if err := cfg.ClassLoaderCache.RegisterTask(tc.identity.JobID); err != nil {
				return nil, err
			}
			cl, err := cfg.ClassLoaderCache.GetClassLoader(tc.identity.JobID)
			if err != nil {
				return nil, NewClassLoadFailure(err)
			}
			classLoader = cl
			return func() error { return cfg.ClassLoaderCache.UnregisterTask(tc.identity.JobID) }, nil
		}); err != nil {
			return err
		}
	}

	ec, supported, err := parseExecutionConfig(cfg.SerializedExecutionConfig)
	if err != nil {
		return err
	}
	if ec != nil && !supported {
		tc.logger.Warn("ignoring execution config overrides with unsupported schema version",
			"schema_version", ec.SchemaVersion)
	} else if supported {
		tc.adoptExecutionConfig(ec)
	}

	if tc.state.Get() != StateDeploying {
		return NewCancelTaskError(nil)
	}

	var partitions []Partition
	var gates []InputGate
	if cfg.NetworkEnv != nil {
		ps, err := cfg.NetworkEnv.CreateProducedPartitions(tc.identity)
		if err != nil {
			return NewBootstrapFailure(err)
		}
		// IDs are tracked in a set so a shuffle subsystem handing back a
		// duplicate can never double-register (and later double-release)
		// the same partition or gate.
		partitionIDs := set.New[string](len(ps))
		for _, p := range ps {
			p := p
			if !partitionIDs.Insert(p.ID()) {
				tc.logger.Warn("skipping duplicate produced partition", "partition", p.ID())
				continue
			}
			if err := tc.ledger.Acquire(categoryPartition, p.ID(), func() (releaseFunc, error) {
				if err := p.Setup(); err != nil {
					return nil, err
				}
				if cfg.EventDispatcher != nil {
					if err := cfg.EventDispatcher.RegisterPartition(p); err != nil {
						return nil, err
					}
				}
				return func() error { return tc.releasePartition(p) }, nil
			}); err != nil {
				return NewBootstrapFailure(err)
			}
			partitions = append(partitions, p)
		}

		gs, err := cfg.NetworkEnv.CreateInputGates(tc.identity)
		if err != nil {
			return NewBootstrapFailure(err)
		}
		gateIDs := set.New[string](len(gs))
		for _, g := range gs {
			g := g
			if !gateIDs.Insert(g.ID()) {
				tc.logger.Warn("skipping duplicate input gate", "gate", g.ID())
				continue
			}
			if err := tc.ledger.Acquire(categoryInputGate, g.ID(), func() (releaseFunc, error) {
				return func() error { return g.Close() }, nil
			}); err != nil {
				return NewBootstrapFailure(err)
			}
			gates = append(gates, g)
		}
	}

	if cfg.FileCache != nil {
		for _, entry := range cfg.CacheEntries {
			entry := entry
			resultCh, err := cfg.FileCache.CreateTmpFile(tc.invokeCtx, entry, tc.identity.JobID, tc.identity.ExecutionID)
			if err != nil {
				return NewBootstrapFailure(err)
			}
			if err := tc.ledger.Acquire(categoryCacheFetch, entry.Name, func() (releaseFunc, error) {
				res := <-resultCh
				if res.Err != nil {
					return nil, res.Err
				}
				return func() error { return nil }, nil
			}); err != nil {
				return NewBootstrapFailure(err)
			}
		}
		if err := tc.ledger.Acquire(categoryFileCache, "file-cache-job", func() (releaseFunc, error) {
			return func() error { return cfg.FileCache.ReleaseJob(tc.identity.JobID, tc.identity.ExecutionID) }, nil
		}); err != nil {
			return NewBootstrapFailure(err)
		}
	}

	if tc.state.Get() != StateDeploying {
		return NewCancelTaskError(nil)
	}

	env := &Environment{
		Identity:             tc.identity,
		Logger:               tc.logger,
		MemoryManager:        cfg.MemoryManager,
		ClassLoader:          classLoader,
		Partitions:           partitions,
		InputGates:           gates,
		TaskStateManager:     cfg.TaskStateManager,
		CancellationInterval: tc.cancellationInterval().Milliseconds(),
		CancellationTimeout:  tc.cancellationTimeout().Milliseconds(),
	}

	factory, err := cfg.Registry.Lookup(cfg.OperatorFactoryKey)
	if err != nil {
		return err // already a *TaskError{Kind: KindMissingConstructor}
	}
	op, err := factory(env)
	if err != nil {
		return NewBootstrapFailure(err)
	}

	tc.invokable.Set(op)
	tc.bootstrapEnv = env

	if !tc.state.TryTransition(StateDeploying, StateRunning, nil) {
		return NewCancelTaskError(nil)
	}
	tc.recordEvent("running")

	if cfg.WorkerNode != nil {
		cfg.WorkerNode.UpdateTaskExecutionState(FinalState{
			JobID:       tc.identity.JobID,
			ExecutionID: tc.identity.ExecutionID,
			State:       StateRunning,
		})
	}

	return nil
}

// invoke runs the operator and reacts to how it returns.
func (tc *TaskContainer) invoke() error {
	op := tc.invokable.Get()
	if op == nil {
		return NewCancelTaskError(nil)
	}

	err := op.Invoke(tc.invokeCtx)
	if err != nil {
		// An operator observing ctx cancellation and returning our own
		// cancel-task signal (or any other already-classified TaskError)
		// must reach handleExit unchanged rather than get re-wrapped as a
		// generic invocation failure.
		if KindOf(err) != KindUnknown {
			return err
		}
		return NewOperatorInvocationFailure(err)
	}

	if cur := tc.state.Get(); cur == StateCanceling || cur == StateCanceled || cur == StateFailed {
		return NewCancelTaskError(nil)
	}

	if tc.cfg.NetworkEnv != nil {
		for _, p := range tc.currentPartitions() {
			if ferr := p.Finish(); ferr != nil {
				tc.logger.Warn("failed to finish produced partition", "partition", p.ID(), "error", ferr)
			}
		}
	}

	if !tc.state.TryTransition(StateRunning, StateFinished, nil) {
		return NewCancelTaskError(nil)
	}
	tc.recordEvent("finished")
	return nil
}

func (tc *TaskContainer) currentPartitions() []Partition {
	// Partitions are read back from the bootstrap environment rather than
	// tracked twice; bootstrap keeps them in env.Partitions.
	if tc.bootstrapEnv != nil {
		return tc.bootstrapEnv.Partitions
	}
	return nil
}

// handleExit funnels every bootstrap/invoke error through the single
// exception handler.
func (tc *TaskContainer) handleExit(err error) {
	err = UnwrapTransport(err)

	if tc.isFatal(err) {
		tc.haltProcess(err)
		return
	}

	cancelTask := IsCancelTask(err)

	for {
		cur := tc.state.Get()
		switch cur {
		case StateDeploying, StateRunning:
			if cancelTask {
				if tc.state.TryTransition(cur, StateCanceled, nil) {
					tc.cancelInvokableOnExit()
					return
				}
			} else {
				if tc.state.TryTransition(cur, StateFailed, err) {
					tc.cancelInvokableOnExit()
					return
				}
			}
		case StateCanceling:
			if tc.state.TryTransition(StateCanceling, StateCanceled, nil) {
				return
			}
		case StateFailed:
			return
		default:
			if tc.state.TryTransition(cur, StateFailed, fmt.Errorf("unexpected exit from state %s: %w", cur, err)) {
				tc.logger.Warn("task exited from unexpected state", "state", cur.String(), "error", err)
				return
			}
		}
	}
}

func (tc *TaskContainer) cancelInvokableOnExit() {
	op := tc.invokable.Get()
	if op == nil {
		return
	}
	tc.invokable.CancelOnce(op, func(cancelErr error) {
		tc.logger.Warn("operator cancel hook failed", "error", cancelErr)
	})
}

func (tc *TaskContainer) isFatal(err error) bool {
	if IsFatal(err) {
		return true
	}
	if IsOutOfMemory(err) && tc.cfg.HaltOnOutOfMemory {
		return true
	}
	return false
}

func (tc *TaskContainer) haltProcess(err error) {
	tc.logger.Error("halting process on fatal error", "error", err)
	if tc.cfg.WorkerNode != nil {
		tc.cfg.WorkerNode.NotifyFatalError("fatal error in task container", err)
	}
	halt := tc.cfg.HaltFunc
	if halt == nil {
		halt = os.Exit
	}
	halt(1)
}

// cleanup is the shared finally path. It must never raise: any
// error it observes is classified, logged or escalated, and execution
// continues to the next step regardless.
func (tc *TaskContainer) cleanup() {
	tc.invokable.Clear()

	tc.dispatcher.Shutdown()

	if merr := tc.ledger.ReleaseCategory(categoryPartition, tc.logger); merr != nil {
		tc.reportCleanupError(merr)
	}

	if merr := tc.ledger.ReleaseCategory(categoryInputGate, tc.logger); merr != nil {
		tc.reportCleanupError(merr)
	}

	if tc.bootstrapEnv != nil && tc.cfg.MemoryManager != nil {
		if err := tc.cfg.MemoryManager.ReleaseAll(tc.identity.Name); err != nil {
			tc.reportCleanupError(err)
		}
	}

	if merr := tc.ledger.ReleaseCategory(categoryClassLoad, tc.logger); merr != nil {
		tc.reportCleanupError(merr)
	}
	if merr := tc.ledger.ReleaseCategory(categoryFileCache, tc.logger); merr != nil {
		tc.reportCleanupError(merr)
	}
	if merr := tc.ledger.ReleaseCategory(categoryBlob, tc.logger); merr != nil {
		tc.reportCleanupError(merr)
	}
	if merr := tc.ledger.ReleaseCategory(categoryCacheFetch, tc.logger); merr != nil {
		tc.reportCleanupError(merr)
	}
	if merr := tc.ledger.ReleaseCategory(categorySafetyNet, tc.logger); merr != nil {
		tc.reportCleanupError(merr)
	}

	// Catch-all for anything left over (defensive; the categories above
	// are expected to cover every bootstrap-acquired entry).
	if merr := tc.ledger.ReleaseAll(tc.logger); merr != nil {
		tc.reportCleanupError(merr)
	}

	tc.publishFinalState()
	tc.metrics.Close()
	tc.markDone()
}

func (tc *TaskContainer) reportCleanupError(err error) {
	tc.metrics.IncrCounter([]string{"client", "task", "cleanup_error"}, 1)
	if tc.isFatal(err) {
		tc.haltProcess(err)
		return
	}
	tc.logger.Warn("error during task cleanup", "error", err)
}

// releasePartition implements the cleanup path's conditional fail(cause)
// ahead of close: if the final state is a failure disposition, downstream
// consumers must observe a failed producer rather than a silently closed
// one.
func (tc *TaskContainer) releasePartition(p Partition) error {
	if tc.cfg.EventDispatcher != nil {
		if err := tc.cfg.EventDispatcher.UnregisterPartition(p); err != nil {
			tc.logger.Warn("failed to unregister partition", "partition", p.ID(), "error", err)
		}
	}

	final := tc.state.Get()
	if final == StateCanceled || final == StateCanceling || final == StateFailed {
		cause := tc.state.Cause()
		if cause == nil {
			cause = context.Canceled
		}
		if err := p.Fail(cause); err != nil {
			tc.logger.Warn("failed to fail produced partition", "partition", p.ID(), "error", err)
		}
	}

	return p.Close()
}

func (tc *TaskContainer) publishFinalState() {
	if tc.cfg.WorkerNode == nil {
		return
	}
	tc.cfg.WorkerNode.UpdateTaskExecutionState(FinalState{
		JobID:       tc.identity.JobID,
		ExecutionID: tc.identity.ExecutionID,
		State:       tc.state.Get(),
		Cause:       tc.state.Cause(),
	})
}
