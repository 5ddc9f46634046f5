// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"context"
	"errors"
)

// ErrNoPartitionStateChecker is returned when no partition-state
// collaborator was configured for this container.
var ErrNoPartitionStateChecker = errors.New("no partition state checker configured")

// PartitionProducerStateHandle wraps one producer-state query's outcome
// together with the consuming task's own state at resolution time. Its
// cancel/fail operations act on the consuming container, giving the input
// gate that asked a uniform way to tear itself down on either outcome.
type PartitionProducerStateHandle struct {
	consumerState ExecutionState
	producer      ProducerState

	cancelFn func()
	failFn   func(error)
}

// ConsumerState is the consuming task's own state at the moment the
// producer query resolved.
func (h *PartitionProducerStateHandle) ConsumerState() ExecutionState {
	return h.consumerState
}

// ProducerStateOrError resolves to the producer's execution state, or the
// error the query failed with.
func (h *PartitionProducerStateHandle) ProducerStateOrError() (ExecutionState, error) {
	return h.producer.State, h.producer.Err
}

// CancelConsumption cancels the consuming task.
func (h *PartitionProducerStateHandle) CancelConsumption() {
	h.cancelFn()
}

// FailConsumption fails the consuming task with cause.
func (h *PartitionProducerStateHandle) FailConsumption(cause error) {
	h.failFn(cause)
}

// RequestPartitionProducerState asks the partition-state collaborator what
// state the producer of the given partition is in, on behalf of an input
// gate that observed the partition missing. The caller gets a future
// immediately; the query itself resolves on a container-owned goroutine so
// downstream callbacks never run on the network goroutine that asked.
func (tc *TaskContainer) RequestPartitionProducerState(ctx context.Context, datasetID, partitionID string) (<-chan *PartitionProducerStateHandle, error) {
	checker := tc.cfg.PartitionChecker
	if checker == nil {
		return nil, ErrNoPartitionStateChecker
	}

	resultCh := make(chan *PartitionProducerStateHandle, 1)
	go func() {
		var ps ProducerState
		ch, err := checker.RequestPartitionProducerState(ctx, datasetID, partitionID)
		if err != nil {
			ps = ProducerState{Err: err}
		} else {
			select {
			case ps = <-ch:
			case <-ctx.Done():
				ps = ProducerState{Err: ctx.Err()}
			}
		}

		resultCh <- &PartitionProducerStateHandle{
			consumerState: tc.state.Get(),
			producer:      ps,
			cancelFn:      tc.Cancel,
			failFn:        tc.FailExternally,
		}
	}()

	return resultCh, nil
}
