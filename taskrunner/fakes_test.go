// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"context"
	"sync"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"
)

// fakeOperator is a controllable Operator used across the package's tests.
// invokeFn decides how Invoke behaves; everything else is recorded so tests
// can assert on call counts without any synchronization of their own.
type fakeOperator struct {
	invokeFn            func(ctx context.Context) error
	interruptOnCancel   bool
	cancelCalls         atomic.Int32
	checkpointCalls     atomic.Int32
	checkpointCompleted atomic.Int32
	cancelErr           error
	checkpointNotReady  bool
	checkpointErr       error

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newFakeOperator() *fakeOperator {
	return &fakeOperator{cancelCh: make(chan struct{})}
}

func (f *fakeOperator) Invoke(ctx context.Context) error {
	if f.invokeFn == nil {
		return nil
	}
	return f.invokeFn(ctx)
}

// Cancel is the cooperative hook: it closes cancelCh so an Invoke body
// built on blockUntilOperatorCanceled stops on its own, without needing
// the interrupter's context cancellation to escalate.
func (f *fakeOperator) Cancel() error {
	f.cancelCalls.Add(1)
	if f.cancelCh != nil {
		f.cancelOnce.Do(func() { close(f.cancelCh) })
	}
	return f.cancelErr
}

func (f *fakeOperator) TriggerCheckpoint(CheckpointMeta, CheckpointOptions, bool) (bool, error) {
	f.checkpointCalls.Add(1)
	return !f.checkpointNotReady, f.checkpointErr
}

func (f *fakeOperator) NotifyCheckpointComplete(id int64) error {
	f.checkpointCompleted.Add(1)
	return nil
}

func (f *fakeOperator) ShouldInterruptOnCancel() bool { return f.interruptOnCancel }

// blockUntilCanceled is a convenience Invoke body: it runs until ctx is
// canceled, the way an uncooperative streaming operator's main loop would.
func blockUntilCanceled(ctx context.Context) error {
	<-ctx.Done()
	return NewCancelTaskError(ctx.Err())
}

// blockUntilOperatorCanceled is the cooperative counterpart: it returns as
// soon as the operator's own Cancel hook runs, without relying on the
// interrupter ever canceling the invocation context.
func blockUntilOperatorCanceled(op *fakeOperator) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-op.cancelCh:
			return NewCancelTaskError(nil)
		case <-ctx.Done():
			return NewCancelTaskError(ctx.Err())
		}
	}
}

type fakeWorkerNode struct {
	mu         sync.Mutex
	states     []FinalState
	fatalCalls int
}

func (w *fakeWorkerNode) UpdateTaskExecutionState(fs FinalState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states = append(w.states, fs)
}

func (w *fakeWorkerNode) NotifyFatalError(string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fatalCalls++
}

func (w *fakeWorkerNode) fatalCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatalCalls
}

func (w *fakeWorkerNode) last() (FinalState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.states) == 0 {
		return FinalState{}, false
	}
	return w.states[len(w.states)-1], true
}

type fakeCheckpointResponder struct {
	mu       sync.Mutex
	declines []int64
	reasons  []string
}

func (r *fakeCheckpointResponder) DeclineCheckpoint(jobID, executionID string, id int64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declines = append(r.declines, id)
	r.reasons = append(r.reasons, reason)
}

func (r *fakeCheckpointResponder) declined() ([]int64, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, len(r.declines))
	copy(ids, r.declines)
	reasons := make([]string, len(r.reasons))
	copy(reasons, r.reasons)
	return ids, reasons
}

// fakeResourceTracker records acquire/release calls by name, in order, so
// cleanup-ordering tests can assert on the combined trail across every
// collaborator it is embedded into.
type fakeResourceTracker struct {
	mu    sync.Mutex
	order []string
}

func (t *fakeResourceTracker) record(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = append(t.order, s)
}

func (t *fakeResourceTracker) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

type fakeSafetyNet struct {
	tracker *fakeResourceTracker
	armErr  error
}

func (n *fakeSafetyNet) Arm() error {
	n.tracker.record("safety_net:arm")
	return n.armErr
}
func (n *fakeSafetyNet) Disarm() error {
	n.tracker.record("safety_net:disarm")
	return nil
}

type fakeBlobService struct {
	tracker     *fakeResourceTracker
	registerErr error
}

func (b *fakeBlobService) RegisterJob(jobID string) error {
	b.tracker.record("blob:register")
	return b.registerErr
}
func (b *fakeBlobService) ReleaseJob(jobID string) error {
	b.tracker.record("blob:release")
	return nil
}

type fakeClassLoader struct{ name string }

func (c *fakeClassLoader) Name() string { return c.name }

type fakeClassLoaderCache struct {
	tracker *fakeResourceTracker
}

func (c *fakeClassLoaderCache) RegisterTask(jobID string) error {
	c.tracker.record("classloader:register")
	return nil
}
func (c *fakeClassLoaderCache) GetClassLoader(jobID string) (ClassLoader, error) {
	return &fakeClassLoader{name: jobID}, nil
}
func (c *fakeClassLoaderCache) UnregisterTask(jobID string) error {
	c.tracker.record("classloader:unregister")
	return nil
}

type fakePartition struct {
	id        string
	tracker   *fakeResourceTracker
	setupErr  error
	failed    atomic.Bool
	failCause error
}

func (p *fakePartition) ID() string { return p.id }
func (p *fakePartition) Setup() error {
	p.tracker.record("partition:setup:" + p.id)
	return p.setupErr
}
func (p *fakePartition) Close() error {
	p.tracker.record("partition:close:" + p.id)
	return nil
}
func (p *fakePartition) Finish() error {
	p.tracker.record("partition:finish:" + p.id)
	return nil
}
func (p *fakePartition) Fail(cause error) error {
	p.failed.Store(true)
	p.failCause = cause
	p.tracker.record("partition:fail:" + p.id)
	return nil
}

type fakeInputGate struct {
	id      string
	tracker *fakeResourceTracker
}

func (g *fakeInputGate) ID() string { return g.id }
func (g *fakeInputGate) Close() error {
	g.tracker.record("gate:close:" + g.id)
	return nil
}

type fakeNetworkEnvironment struct {
	partitions []Partition
	gates      []InputGate
}

func (n *fakeNetworkEnvironment) CreateProducedPartitions(Identity) ([]Partition, error) {
	return n.partitions, nil
}
func (n *fakeNetworkEnvironment) CreateInputGates(Identity) ([]InputGate, error) {
	return n.gates, nil
}

type fakeEventDispatcher struct {
	mu         sync.Mutex
	registered []string
}

func (d *fakeEventDispatcher) RegisterPartition(p Partition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered = append(d.registered, p.ID())
	return nil
}
func (d *fakeEventDispatcher) UnregisterPartition(p Partition) error { return nil }

type fakeMemoryManager struct {
	tracker *fakeResourceTracker
}

func (m *fakeMemoryManager) ReleaseAll(owner string) error {
	m.tracker.record("memory:release")
	return nil
}

type fakeFileCache struct {
	tracker *fakeResourceTracker
}

func (f *fakeFileCache) CreateTmpFile(ctx context.Context, entry CacheEntry, jobID, executionID string) (<-chan FileCacheResult, error) {
	ch := make(chan FileCacheResult, 1)
	f.tracker.record("filecache:fetch:" + entry.Name)
	ch <- FileCacheResult{Path: entry.Dest}
	return ch, nil
}
func (f *fakeFileCache) ReleaseJob(jobID, executionID string) error {
	f.tracker.record("filecache:release")
	return nil
}

func testIdentity() Identity {
	execID, err := uuid.GenerateUUID()
	if err != nil {
		panic(err)
	}
	return Identity{
		JobID:       "job-1",
		JobVertexID: "vertex-1",
		ExecutionID: execID,
		Name:        "test-task",
	}
}

func testConfig(tracker *fakeResourceTracker, op *fakeOperator) (*Config, *OperatorRegistry) {
	reg := NewOperatorRegistry()
	reg.Register("op", func(env *Environment) (Operator, error) {
		return op, nil
	})

	cfg := &Config{
		Identity:           testIdentity(),
		Logger:             hclog.NewNullLogger(),
		OperatorFactoryKey: "op",
		Registry:           reg,
	}
	return cfg, reg
}
