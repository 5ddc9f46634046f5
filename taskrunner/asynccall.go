// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"errors"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
)

// ErrDispatcherClosed is returned by Submit once Shutdown has run.
var ErrDispatcherClosed = errors.New("async call dispatcher is shut down")

// asyncCallDispatcher is a lazily created single-worker execution context
// plus one extra slot reserved for a blocking call, so a synchronous
// checkpoint trigger can run concurrently with a notify-checkpoint-complete
// that arrives while it is still in flight.
type asyncCallDispatcher struct {
	logger hclog.Logger

	// mu guards started/closed and the lazy channel creation, so a Submit
	// racing Shutdown can never start a worker that misses the stop
	// signal.
	mu       sync.Mutex
	started  bool
	closed   bool
	workCh   chan func()
	blockSem chan struct{}
	stopCh   chan struct{}

	wg sync.WaitGroup
}

func newAsyncCallDispatcher(logger hclog.Logger) *asyncCallDispatcher {
	return &asyncCallDispatcher{logger: logger}
}

func (d *asyncCallDispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case fn := <-d.workCh:
			fn()
		case <-d.stopCh:
			return
		}
	}
}

// Submit queues fn. blocking units run on their own goroutine serialized
// against other blocking units by a single extra slot, so they never
// starve the main worker that drains non-blocking units (and vice versa).
func (d *asyncCallDispatcher) Submit(blocking bool, fn func()) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	if !d.started {
		d.workCh = make(chan func(), 64)
		d.blockSem = make(chan struct{}, 1)
		d.stopCh = make(chan struct{})
		d.started = true
		d.wg.Add(1)
		go d.loop()
	}
	workCh, blockSem, stopCh := d.workCh, d.blockSem, d.stopCh
	d.mu.Unlock()

	if blocking {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case blockSem <- struct{}{}:
				defer func() { <-blockSem }()
				fn()
			case <-stopCh:
			}
		}()
		return nil
	}

	select {
	case workCh <- fn:
		return nil
	case <-stopCh:
		return ErrDispatcherClosed
	}
}

// Shutdown stops accepting and draining work without waiting for anything
// in flight to finish — it must never block its caller. Work still queued
// in workCh is discarded; in-flight blocking calls are left to finish on
// their own goroutines since killing them mid-run would violate whatever
// partial side effect they already committed.
func (d *asyncCallDispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.started {
		close(d.stopCh)
	}
}
