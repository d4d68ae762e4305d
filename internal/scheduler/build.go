// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"sync/atomic"
	"time"

	"farm.256lights.llc/pkg/internal/queuedb"
	"zb.256lights.llc/pkg/zbstore"
)

// A Build is a user-requested top-level build
// reflected from the persistent queue.
// A Build lives in the scheduler's builds map
// from first observation until finalization.
type Build struct {
	id         queuedb.BuildID
	recipePath zbstore.Path
	// outputs maps output names to store paths,
	// taken from the top-level recipe.
	outputs map[string]zbstore.Path

	project    string
	jobsetName string
	job        string
	timestamp  time.Time

	maxSilentTime time.Duration
	buildTimeout  time.Duration

	// localPriority and globalPriority are written by the queue monitor
	// under the builds lock; larger values dispatch earlier.
	localPriority  int
	globalPriority int

	// toplevel holds an owning reference to the build's root step.
	// It is nil for builds that were finalized during expansion.
	toplevel *Step

	jobset *Jobset

	// finishedInDB is set exactly once,
	// after the build's terminal row update commits.
	finishedInDB atomic.Bool
}

// ID returns the build's queue-assigned identifier.
func (b *Build) ID() queuedb.BuildID {
	return b.id
}

// fullJobName identifies the build's job for log messages.
func (b *Build) fullJobName() string {
	return b.project + ":" + b.jobsetName + ":" + b.job
}

// removeBuildLocked drops the build from the builds map
// and releases its owning reference to the top-level step.
// The caller must hold sch.buildsMu.
func (sch *Scheduler) removeBuildLocked(b *Build) {
	delete(sch.builds, b.id)
	if b.toplevel != nil {
		toplevel := b.toplevel
		b.toplevel = nil
		toplevel.release(sch)
	}
}
