// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"encoding/json"
	"fmt"
	"time"

	version "github.com/hashicorp/go-version"
)

// execConfigConstraint bounds the execution-config schema versions this
// container understands. Overrides carried by a config outside this range
// are ignored rather than trusted.
const execConfigConstraint = ">= 1.0, < 2.0"

// ExecutionConfig is the job-supplied execution configuration carried in
// the deployment, deserialized during bootstrap once the user-code class
// loader is resolved. Positive cancellation overrides replace the
// container-level defaults for this attempt only.
type ExecutionConfig struct {
	SchemaVersion          string            `json:"schema_version"`
	CancellationIntervalMs int64             `json:"cancellation_interval_ms"`
	CancellationTimeoutMs  int64             `json:"cancellation_timeout_ms"`
	Params                 map[string]string `json:"params,omitempty"`
}

// parseExecutionConfig deserializes raw and validates its schema version
// against execConfigConstraint. A nil/empty raw is not an error — the job
// simply carries no execution config. A config that fails to deserialize
// is a bootstrap failure; a config with an unsupported schema version is
// returned with supported=false so the caller keeps the defaults.
func parseExecutionConfig(raw []byte) (cfg *ExecutionConfig, supported bool, err error) {
	if len(raw) == 0 {
		return nil, false, nil
	}

	var ec ExecutionConfig
	if err := json.Unmarshal(raw, &ec); err != nil {
		return nil, false, NewBootstrapFailure(fmt.Errorf("deserializing execution config: %w", err))
	}

	if ec.SchemaVersion == "" {
		return &ec, false, nil
	}
	v, err := version.NewVersion(ec.SchemaVersion)
	if err != nil {
		return &ec, false, nil
	}
	constraint, err := version.NewConstraint(execConfigConstraint)
	if err != nil {
		return &ec, false, err
	}
	return &ec, constraint.Check(v), nil
}

// adoptExecutionConfig applies the config's positive cancellation
// overrides. Called only from the bootstrap phase, before any triad could
// read the effective values; reads go through the atomics so a triad
// launched later observes the adopted values.
func (tc *TaskContainer) adoptExecutionConfig(ec *ExecutionConfig) {
	if ec == nil {
		return
	}
	if ec.CancellationIntervalMs > 0 {
		tc.overrideInterval.Store(ec.CancellationIntervalMs)
		tc.logger.Debug("adopted cancellation interval from execution config",
			"interval", time.Duration(ec.CancellationIntervalMs)*time.Millisecond)
	}
	if ec.CancellationTimeoutMs > 0 {
		tc.overrideTimeout.Store(ec.CancellationTimeoutMs)
		tc.logger.Debug("adopted cancellation timeout from execution config",
			"timeout", time.Duration(ec.CancellationTimeoutMs)*time.Millisecond)
	}
}
