// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

// TriggerCheckpoint asks the operator to snapshot. It never blocks the
// caller (the checkpoint coordinator): the actual call into user code runs
// on the async dispatcher, off whichever goroutine invoked this method
//. A task that is not Running declines immediately.
func (tc *TaskContainer) TriggerCheckpoint(meta CheckpointMeta, opts CheckpointOptions, advanceToEndOfEventTime bool) {
	if tc.state.Get() != StateRunning {
		tc.declineCheckpoint(meta.ID, "task not running")
		return
	}

	err := tc.dispatcher.Submit(opts.Synchronous, func() {
		op := tc.invokable.Get()
		if op == nil {
			tc.declineCheckpoint(meta.ID, "operator not available")
			return
		}

		ok, err := op.TriggerCheckpoint(meta, opts, advanceToEndOfEventTime)
		if err != nil {
			// The coordinator always hears a decline for a failed
			// trigger; the escalation to an external failure is an
			// additional action taken only while the task is still
			// running, since during shutdown these errors are expected
			// noise.
			tc.declineCheckpoint(meta.ID, "checkpoint trigger failed")
			if tc.state.Get() == StateRunning {
				tc.logger.Warn("checkpoint trigger failed", "checkpoint_id", meta.ID, "error", err)
				tc.FailExternally(NewOperatorInvocationFailure(err))
			} else {
				tc.logger.Debug("checkpoint trigger failed after task left running", "checkpoint_id", meta.ID, "error", err)
			}
			return
		}
		if !ok {
			tc.declineCheckpoint(meta.ID, "task not ready")
		}
	})
	if err != nil {
		// The dispatcher is shut down; the coordinator needs to hear
		// back rather than wait forever.
		tc.declineCheckpoint(meta.ID, "task is shutting down")
	}
}

// NotifyCheckpointComplete tells the operator a checkpoint it participated
// in has been committed. Same non-blocking, async-dispatched shape as
// TriggerCheckpoint.
func (tc *TaskContainer) NotifyCheckpointComplete(id int64) {
	if tc.state.Get() != StateRunning {
		return
	}

	_ = tc.dispatcher.Submit(false, func() {
		op := tc.invokable.Get()
		if op == nil {
			return
		}
		if err := op.NotifyCheckpointComplete(id); err != nil {
			if tc.state.Get() == StateRunning {
				tc.logger.Warn("checkpoint completion notification failed", "checkpoint_id", id, "error", err)
				tc.FailExternally(NewOperatorInvocationFailure(err))
			} else {
				tc.logger.Debug("checkpoint completion notification failed after task left running", "checkpoint_id", id, "error", err)
			}
			return
		}
		if tc.cfg.TaskStateManager != nil {
			if err := tc.cfg.TaskStateManager.NotifyCheckpointComplete(id); err != nil {
				tc.logger.Warn("task state manager checkpoint notification failed", "checkpoint_id", id, "error", err)
			}
		}
	})
}

func (tc *TaskContainer) declineCheckpoint(id int64, reason string) {
	if tc.cfg.CheckpointResp == nil {
		return
	}
	tc.cfg.CheckpointResp.DeclineCheckpoint(tc.identity.JobID, tc.identity.ExecutionID, id, reason)
}
