// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"context"

	getter "github.com/hashicorp/go-getter"
)

// getterFileCache is the default FileCache: each entry is fetched with a
// go-getter client against a scratch directory scoped to the execution
// attempt.
type getterFileCache struct {
	scratchDir func(jobID, executionID string) string
}

func NewGetterFileCache(scratchDir func(jobID, executionID string) string) FileCache {
	return &getterFileCache{scratchDir: scratchDir}
}

func (c *getterFileCache) CreateTmpFile(ctx context.Context, entry CacheEntry, jobID, executionID string) (<-chan FileCacheResult, error) {
	resultCh := make(chan FileCacheResult, 1)
	dst := entry.Dest
	if dst == "" {
		dst = c.scratchDir(jobID, executionID) + "/" + entry.Name
	}

	go func() {
		client := &getter.Client{
			Ctx:  ctx,
			Src:  entry.Source,
			Dst:  dst,
			Mode: getter.ClientModeAny,
		}
		err := client.Get()
		resultCh <- FileCacheResult{Path: dst, Err: err}
	}()

	return resultCh, nil
}

func (c *getterFileCache) ReleaseJob(jobID, executionID string) error {
	// The scratch directory is owned by the worker node's disk manager;
	// this core only stops referencing it.
	return nil
}
