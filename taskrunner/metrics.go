// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package taskrunner

import (
	"time"

	metrics "github.com/armon/go-metrics"
)

// MetricGroup is closed last in cleanup, after every ledger entry, so the task is
// observably finished before its metrics stop being emitted. Labels are
// built once from Identity and reused on every emit call.
type MetricGroup struct {
	labels []metrics.Label
	closed bool
}

func newMetricGroup(identity Identity) *MetricGroup {
	return &MetricGroup{
		labels: []metrics.Label{
			{Name: "job", Value: identity.JobID},
			{Name: "job_vertex", Value: identity.JobVertexID},
			{Name: "execution_id", Value: identity.ExecutionID},
			{Name: "task", Value: identity.Name},
		},
	}
}

func (g *MetricGroup) IncrCounter(key []string, val float32) {
	metrics.IncrCounterWithLabels(key, val, g.labels)
}

func (g *MetricGroup) EmitTransition(from, to ExecutionState) {
	metrics.IncrCounterWithLabels([]string{"client", "task", "transition", to.String()}, 1, g.labels)
}

func (g *MetricGroup) EmitDuration(key []string, since time.Time) {
	metrics.MeasureSinceWithLabels(key, since, g.labels)
}

// Close releases the metric group. It is a no-op past the first call so it
// can be reached from both the nominal cleanup path and the pre-bootstrap
// self-abort path.
func (g *MetricGroup) Close() error {
	g.closed = true
	return nil
}
