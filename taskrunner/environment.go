// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import hclog "github.com/hashicorp/go-hclog"

// Environment bundles every collaborator an Operator's constructor needs.
// It is built once, in bootstrap, and handed to the OperatorFactory.
type Environment struct {
	Identity Identity
	Logger   hclog.Logger

	MemoryManager    MemoryManager
	ClassLoader      ClassLoader
	Partitions       []Partition
	InputGates       []InputGate
	TaskStateManager TaskStateManager

	CancellationInterval int64 // milliseconds
	CancellationTimeout  int64 // milliseconds
}

// OperatorRegistry looks up an OperatorFactory by the deployment's operator
// factory key. It replaces reflective class instantiation
// with an explicit, statically checkable registry; a miss is a distinct
// error kind so the worker node can tell a deploy bug (unknown key) apart
// from a runtime bug inside a correctly resolved operator.
type OperatorRegistry struct {
	factories map[string]OperatorFactory
}

func NewOperatorRegistry() *OperatorRegistry {
	return &OperatorRegistry{factories: make(map[string]OperatorFactory)}
}

func (r *OperatorRegistry) Register(key string, factory OperatorFactory) {
	r.factories[key] = factory
}

func (r *OperatorRegistry) Lookup(key string) (OperatorFactory, error) {
	f, ok := r.factories[key]
	if !ok {
		return nil, NewMissingConstructorError(key)
	}
	return f, nil
}
