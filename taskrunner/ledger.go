// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
)

// releaseFunc undoes one acquired resource. It is called at most once.
type releaseFunc func() error

type ledgerEntry struct {
	name     string
	category string
	release  releaseFunc
}

// ledger is the ordered record of resources the bootstrap phase acquires.
// Acquisition only ever happens on the Execution Driver's own goroutine, so
// Acquire needs no locking for correctness against itself; the mutex lets
// the cancellation canceller release categories from its own goroutine
// while the cleanup path, or a concurrent reader inspecting Len, uses the
// same ledger.
type ledger struct {
	mu       sync.Mutex
	entries  []ledgerEntry
	released bool
}

func newLedger() *ledger {
	return &ledger{}
}

// Acquire runs acquire() and, on success, records its undo under name so a
// later ReleaseAll tears it down in reverse order. If acquire fails nothing
// is recorded — partial acquisition never needs a matching release.
func (l *ledger) Acquire(category, name string, acquire func() (releaseFunc, error)) error {
	release, err := acquire()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.entries = append(l.entries, ledgerEntry{name: name, category: category, release: release})
	l.mu.Unlock()
	return nil
}

func (l *ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ReleaseCategory releases, in reverse order of acquisition, every entry
// still held under category and removes them from the ledger. It lets
// cleanup follow its own fixed cross-category sequence (partitions,
// then gates, then classloader/filecache/blob, then the safety net) while
// still releasing the entries within each category LIFO and exactly once.
func (l *ledger) ReleaseCategory(category string, logger hclog.Logger) *multierror.Error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	var matched []ledgerEntry
	remaining := l.entries[:0]
	for _, e := range l.entries {
		if e.category == category {
			matched = append(matched, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	l.entries = remaining
	l.mu.Unlock()

	var result *multierror.Error
	for i := len(matched) - 1; i >= 0; i-- {
		e := matched[i]
		if err := e.release(); err != nil {
			if logger != nil {
				logger.Warn("failed to release task resource", "resource", e.name, "category", category, "error", err)
			}
			result = multierror.Append(result, err)
		}
	}
	return result
}

// ReleaseAll releases every acquired entry exactly once, in reverse order of
// acquisition. It is idempotent: a second call is a no-op. Errors from
// individual releases are collected, logged, and never stop the remaining
// releases from running — cleanup must never raise.
func (l *ledger) ReleaseAll(logger hclog.Logger) *multierror.Error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	entries := l.entries
	l.entries = nil
	l.released = true
	l.mu.Unlock()

	var result *multierror.Error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.release(); err != nil {
			if logger != nil {
				logger.Warn("failed to release task resource", "resource", e.name, "error", err)
			}
			result = multierror.Append(result, err)
		}
	}
	return result
}
