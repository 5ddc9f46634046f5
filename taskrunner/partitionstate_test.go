// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePartitionStateChecker struct {
	state ExecutionState
	err   error
}

func (c *fakePartitionStateChecker) RequestPartitionProducerState(ctx context.Context, datasetID, partitionID string) (<-chan ProducerState, error) {
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan ProducerState, 1)
	ch <- ProducerState{State: c.state}
	return ch, nil
}

func resolveHandle(t *testing.T, ch <-chan *PartitionProducerStateHandle) *PartitionProducerStateHandle {
	t.Helper()
	select {
	case h := <-ch:
		return h
	case <-time.After(time.Second):
		t.Fatal("producer state query never resolved")
		return nil
	}
}

func TestRequestPartitionProducerState_resolvesProducerState(t *testing.T) {
	tracker := &fakeResourceTracker{}
	op := newFakeOperator()
	started := make(chan struct{})
	op.invokeFn = func(ctx context.Context) error {
		close(started)
		return blockUntilOperatorCanceled(op)(ctx)
	}
	cfg, _ := testConfig(tracker, op)
	cfg.PartitionChecker = &fakePartitionStateChecker{state: StateRunning}

	tc := NewTaskContainer(cfg)
	tc.Start()
	<-started

	ch, err := tc.RequestPartitionProducerState(context.Background(), "ds-1", "p-1")
	require.NoError(t, err)

	h := resolveHandle(t, ch)
	require.Equal(t, StateRunning, h.ConsumerState())
	state, perr := h.ProducerStateOrError()
	require.NoError(t, perr)
	require.Equal(t, StateRunning, state)

	tc.Cancel()
	waitForState(t, tc, StateCanceled)
}

func TestRequestPartitionProducerState_checkerErrorCarriedInHandle(t *testing.T) {
	tracker := &fakeResourceTracker{}
	op := newFakeOperator()
	cfg, _ := testConfig(tracker, op)
	wantErr := errors.New("producer unreachable")
	cfg.PartitionChecker = &fakePartitionStateChecker{err: wantErr}

	tc := NewTaskContainer(cfg)

	ch, err := tc.RequestPartitionProducerState(context.Background(), "ds-1", "p-1")
	require.NoError(t, err)

	h := resolveHandle(t, ch)
	_, perr := h.ProducerStateOrError()
	require.ErrorIs(t, perr, wantErr)
}

func TestPartitionProducerStateHandle_failConsumptionFailsContainer(t *testing.T) {
	tracker := &fakeResourceTracker{}
	op := newFakeOperator()
	started := make(chan struct{})
	op.invokeFn = func(ctx context.Context) error {
		close(started)
		return blockUntilOperatorCanceled(op)(ctx)
	}
	cfg, _ := testConfig(tracker, op)
	cfg.PartitionChecker = &fakePartitionStateChecker{state: StateFailed}
	worker := &fakeWorkerNode{}
	cfg.WorkerNode = worker

	tc := NewTaskContainer(cfg)
	tc.Start()
	<-started

	ch, err := tc.RequestPartitionProducerState(context.Background(), "ds-1", "p-1")
	require.NoError(t, err)
	h := resolveHandle(t, ch)

	cause := errors.New("upstream producer failed")
	h.FailConsumption(cause)
	waitForState(t, tc, StateFailed)

	last, ok := worker.last()
	require.True(t, ok)
	require.Equal(t, cause, last.Cause)
}

func TestRequestPartitionProducerState_noCheckerConfigured(t *testing.T) {
	tracker := &fakeResourceTracker{}
	op := newFakeOperator()
	cfg, _ := testConfig(tracker, op)

	tc := NewTaskContainer(cfg)
	_, err := tc.RequestPartitionProducerState(context.Background(), "ds-1", "p-1")
	require.ErrorIs(t, err, ErrNoPartitionStateChecker)
}
