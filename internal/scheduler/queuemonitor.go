// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"time"

	"farm.256lights.llc/pkg/internal/queuedb"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
)

// queueMonitor reconciles the persistent queue
// with the in-memory builds and steps maps.
// It is the sole creator of builds and steps;
// it runs until ctx is done.
func (sch *Scheduler) queueMonitor(ctx context.Context) error {
	ticker := time.NewTicker(sch.pollInterval)
	defer ticker.Stop()
	for {
		if err := sch.queueMonitorPass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorf(ctx, "Queue monitor: %v", err)
		}
		select {
		case <-sch.queueWake:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// queueMonitorPass runs one reconciliation cycle:
// new builds are expanded into the graph,
// cancellations, deletions, and priority bumps are applied,
// and jobset share changes are picked up.
func (sch *Scheduler) queueMonitorPass(ctx context.Context) error {
	conn, err := sch.db.Get(ctx)
	if err != nil {
		return err
	}
	defer sch.db.Put(conn)

	if err := sch.getQueuedBuilds(ctx, conn); err != nil {
		return err
	}
	if err := sch.processQueueChange(ctx, conn); err != nil {
		return err
	}
	return sch.processJobsetSharesChange(ctx, conn)
}

// getQueuedBuilds expands queue rows the monitor has not seen yet.
func (sch *Scheduler) getQueuedBuilds(ctx context.Context, conn *sqlite.Conn) error {
	queued, err := queuedb.ListQueuedBuilds(conn, sch.lastSeenID)
	if err != nil {
		return err
	}
	for _, qb := range queued {
		if err := sch.expandBuild(ctx, conn, qb); err != nil {
			return err
		}
		if qb.ID > sch.lastSeenID {
			sch.lastSeenID = qb.ID
		}
	}
	return nil
}

// processQueueChange handles cancellation, deletion, and priority bumps.
// Cancellation is cooperative: the build just drops out of the in-memory map,
// and a step that is currently building completes quietly.
func (sch *Scheduler) processQueueChange(ctx context.Context, conn *sqlite.Conn) error {
	sch.buildsMu.Lock()
	active := make(map[queuedb.BuildID]int, len(sch.builds))
	for id, b := range sch.builds {
		active[id] = b.globalPriority
	}
	sch.buildsMu.Unlock()
	if len(active) == 0 {
		return nil
	}

	changes, err := queuedb.ListQueueChanges(conn, active)
	if err != nil {
		return err
	}

	sch.buildsMu.Lock()
	for _, id := range changes.Cancelled {
		if b := sch.builds[id]; b != nil {
			log.Infof(ctx, "Cancelling build %d (%s)", id, b.fullJobName())
			sch.removeBuildLocked(b)
		}
	}
	for _, id := range changes.Deleted {
		if b := sch.builds[id]; b != nil {
			log.Infof(ctx, "Deleting build %d (%s)", id, b.fullJobName())
			sch.removeBuildLocked(b)
		}
	}
	for id, globalPriority := range changes.PriorityBumped {
		if b := sch.builds[id]; b != nil {
			log.Infof(ctx, "Build %d (%s) bumped to global priority %d", id, b.fullJobName(), globalPriority)
			b.globalPriority = globalPriority
			sch.propagatePriorities(b)
		}
	}
	sch.buildsMu.Unlock()

	if len(changes.Cancelled) > 0 || len(changes.Deleted) > 0 || len(changes.PriorityBumped) > 0 {
		sch.wakeDispatcher()
	}
	return nil
}

// processJobsetSharesChange updates jobset weights in place.
func (sch *Scheduler) processJobsetSharesChange(ctx context.Context, conn *sqlite.Conn) error {
	rows, err := queuedb.ListJobsetShares(conn)
	if err != nil {
		return err
	}
	sch.jobsetsMu.Lock()
	defer sch.jobsetsMu.Unlock()
	for _, row := range rows {
		if js := sch.jobsets[jobsetKey{project: row.Project, name: row.Name}]; js != nil {
			if js.Shares() != row.Shares {
				log.Infof(ctx, "Jobset %s:%s now has %d shares", row.Project, row.Name, row.Shares)
				js.SetShares(row.Shares)
			}
		}
	}
	return nil
}
