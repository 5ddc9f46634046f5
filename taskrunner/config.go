// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

const (
	// defaultCancellationInterval is the period between escalating
	// interrupts once a cancel request has been issued to a running task.
	defaultCancellationInterval = 30 * time.Second

	// defaultCancellationTimeout is the hard deadline after which a stuck
	// task escalates to a fatal worker-node notification. Zero disables
	// the watchdog entirely.
	defaultCancellationTimeout = 0 * time.Second
)

// Config assembles one Task Container: a plain, constructor-only value
// with no flag parsing
// or file-format ownership of its own (that belongs to the worker node).
type Config struct {
	Identity Identity
	Logger   hclog.Logger

	OperatorFactoryKey string
	Registry           *OperatorRegistry

	WorkerNode       WorkerNodeActions
	CheckpointResp   CheckpointResponder
	MemoryManager    MemoryManager
	ClassLoaderCache ClassLoaderCache
	BlobService      BlobService
	FileCache        FileCache
	NetworkEnv       NetworkEnvironment
	EventDispatcher  EventDispatcher
	PartitionChecker PartitionStateChecker
	TaskStateManager TaskStateManager
	SafetyNet        FileSystemSafetyNet

	CacheEntries []CacheEntry

	// SerializedExecutionConfig is the job's execution configuration as
	// carried in the deployment, deserialized during bootstrap once the
	// user-code class loader is resolved. Empty means the job carries
	// none.
	SerializedExecutionConfig []byte

	// CancellationInterval / CancellationTimeout default when zero; an
	// execution config override is honored only if positive.
	CancellationInterval time.Duration
	CancellationTimeout  time.Duration

	HaltOnOutOfMemory bool

	// HaltFunc is called instead of os.Exit for fatal escalations, so
	// tests can observe a halt without killing the test binary.
	HaltFunc func(code int)
}

func (c *Config) cancellationInterval() time.Duration {
	if c.CancellationInterval > 0 {
		return c.CancellationInterval
	}
	return defaultCancellationInterval
}

func (c *Config) cancellationTimeout() time.Duration {
	if c.CancellationTimeout > 0 {
		return c.CancellationTimeout
	}
	return defaultCancellationTimeout
}
