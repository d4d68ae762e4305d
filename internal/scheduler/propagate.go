// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"slices"
	"time"

	"farm.256lights.llc/pkg/internal/queuedb"
	"zb.256lights.llc/pkg/zbstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
)

// A stepFailure describes how a resolved step failed,
// for recording and propagation.
type stepFailure struct {
	stepStatus  queuedb.StepStatus
	buildStatus queuedb.BuildStatus
	errorMsg    string
	machine     string
	startTime   time.Time
	stopTime    time.Time

	// mainBuildID and existingStepNr identify a busy step row
	// the builder already created; zero means no row exists yet.
	mainBuildID    queuedb.BuildID
	existingStepNr int

	// failedOutputs get failure markers recorded
	// so later builds short-circuit.
	failedOutputs []zbstore.Path
}

// failStep resolves a step as permanently failed:
// it records the step row,
// finalizes every dependent build in one transaction,
// and removes those builds from the in-memory map.
// Builds whose top-level step failed get the failure's own status;
// the rest get [queuedb.BuildDepFailed].
func (sch *Scheduler) failStep(ctx context.Context, step *Step, f *stepFailure) error {
	step.finished.Store(true)

	builds, _ := sch.getDependents(step)
	slices.SortFunc(builds, func(a, b *Build) int {
		return int(a.id - b.id)
	})

	var main *Build
	for _, b := range builds {
		if b.toplevel == step {
			main = b
			break
		}
	}
	if main == nil && len(builds) > 0 {
		main = builds[0]
	}

	mainID := f.mainBuildID
	if mainID == 0 && main != nil {
		mainID = main.id
	}
	if mainID == 0 {
		// Every dependent build is gone; there is nothing to record.
		return nil
	}

	err := sch.db.Transact(ctx, func(conn *sqlite.Conn) error {
		stepNr := f.existingStepNr
		mainRow := &queuedb.BuildStep{
			BuildID:    mainID,
			StepNr:     stepNr,
			RecipePath: step.recipePath,
			Status:     f.stepStatus,
			ErrorMsg:   f.errorMsg,
			StartTime:  f.startTime,
			StopTime:   f.stopTime,
			Machine:    f.machine,
		}
		if main != nil && main.id == mainID && main.toplevel != step {
			mainRow.PropagatedFrom = mainID
		}
		if stepNr == 0 {
			var err error
			stepNr, err = queuedb.AllocBuildStep(conn, mainID)
			if err != nil {
				return err
			}
			mainRow.StepNr = stepNr
			if err := queuedb.CreateBuildStep(conn, mainRow); err != nil {
				return err
			}
		} else if err := queuedb.FinishBuildStep(conn, mainRow); err != nil {
			return err
		}

		if len(f.failedOutputs) > 0 {
			if err := queuedb.InsertFailedPaths(conn, mainID, stepNr, f.failedOutputs); err != nil {
				return err
			}
		}

		for _, b := range builds {
			if b.id != mainID {
				nr, err := queuedb.AllocBuildStep(conn, b.id)
				if err != nil {
					return err
				}
				err = queuedb.CreateBuildStep(conn, &queuedb.BuildStep{
					BuildID:        b.id,
					StepNr:         nr,
					RecipePath:     step.recipePath,
					Status:         f.stepStatus,
					ErrorMsg:       f.errorMsg,
					StartTime:      f.startTime,
					StopTime:       f.stopTime,
					Machine:        f.machine,
					PropagatedFrom: mainID,
				})
				if err != nil {
					return err
				}
			}
			status := queuedb.BuildDepFailed
			if b.toplevel == step {
				status = f.buildStatus
			}
			if err := queuedb.MarkFailedBuild(conn, b.id, status, f.startTime, f.stopTime); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var dependentIDs []queuedb.BuildID
	for _, b := range builds {
		if b.id != mainID {
			dependentIDs = append(dependentIDs, b.id)
		}
	}
	sch.buildsMu.Lock()
	for _, b := range builds {
		b.finishedInDB.Store(true)
		sch.removeBuildLocked(b)
	}
	sch.buildsMu.Unlock()
	for _, b := range builds {
		sch.counters.NrBuildsDone.Add(1)
		log.Infof(ctx, "Build %d (%s) failed: %v", b.id, b.fullJobName(), f.buildStatus)
		if b.id == mainID {
			sch.notifyBuildFinished(ctx, NotificationItem{BuildID: b.id, DependentBuildIDs: dependentIDs})
		} else {
			sch.notifyBuildFinished(ctx, NotificationItem{BuildID: b.id})
		}
		sch.maybeFinishBuildOne(b.id)
	}
	return nil
}

// propagateSuccess removes a finished step from its dependents' wait sets
// and promotes any dependent that ran out of unbuilt dependencies
// to the runnable set.
// Dependents that already dropped the step are ignored,
// so propagating the same result twice is harmless.
func (sch *Scheduler) propagateSuccess(step *Step) {
	step.finished.Store(true)

	step.mu.Lock()
	rdeps := make([]*Step, len(step.state.rdeps))
	copy(rdeps, step.state.rdeps)
	step.mu.Unlock()

	for _, rdep := range rdeps {
		rdep.mu.Lock()
		removed := rdep.state.deps.Has(step)
		if removed {
			rdep.state.deps.Delete(step)
		}
		nowRunnable := removed &&
			rdep.state.created &&
			rdep.state.deps.Len() == 0 &&
			!rdep.state.runnable &&
			!rdep.state.building
		rdep.mu.Unlock()
		if removed {
			step.release(sch)
		}
		if nowRunnable && rdep.alive() && !rdep.finished.Load() {
			sch.makeRunnable(rdep)
		}
	}
}
