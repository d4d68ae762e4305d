// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"time"

	"farm.256lights.llc/pkg/internal/buildremote"
	"farm.256lights.llc/pkg/internal/queuedb"
	"zb.256lights.llc/pkg/zbstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
)

// builder runs one reserved step to resolution or retry.
// Each step is mutated by at most one builder at a time:
// the step left the runnable set before reservation
// and is not reinserted until retry.
func (sch *Scheduler) builder(ctx context.Context, res *MachineReservation) {
	sch.counters.NrActiveSteps.Add(1)
	defer sch.counters.NrActiveSteps.Add(-1)

	retry := sch.doBuildStep(ctx, res.step, res.machine)
	if retry {
		sch.makeRunnable(res.step)
	}
	sch.releaseReservation(res)
}

// doBuildStep executes the step on the reserved machine,
// records the outcome, and propagates it through the graph.
// It reports whether the step should be retried.
func (sch *Scheduler) doBuildStep(ctx context.Context, step *Step, machine *Machine) (retry bool) {
	builds, _ := sch.getDependents(step)
	if len(builds) == 0 {
		// Every build depending on this step was cancelled while it
		// waited. Resolve it quietly without running anything.
		log.Infof(ctx, "Skipping build of %s: no dependent builds left", step.recipePath)
		step.finished.Store(true)
		return false
	}
	main := builds[0]
	for _, b := range builds {
		if b.toplevel == step {
			main = b
			break
		}
		if b.id < main.id {
			main = b
		}
	}

	step.mu.Lock()
	jobsets := make([]*Jobset, 0, step.state.jobsets.Len())
	for js := range step.state.jobsets.All() {
		jobsets = append(jobsets, js)
	}
	tries := step.state.tries
	step.mu.Unlock()

	startTime := sch.now()
	var stepNr int
	err := sch.db.Transact(ctx, func(conn *sqlite.Conn) error {
		var err error
		stepNr, err = queuedb.AllocBuildStep(conn, main.id)
		if err != nil {
			return err
		}
		return queuedb.CreateBuildStep(conn, &queuedb.BuildStep{
			BuildID:    main.id,
			StepNr:     stepNr,
			RecipePath: step.recipePath,
			Busy:       true,
			Machine:    machine.host,
			StartTime:  startTime,
		})
	})
	if err != nil {
		log.Errorf(ctx, "Recording busy step for %s: %v", step.recipePath, err)
		return true
	}

	log.Infof(ctx, "Building %s on %s for build %d (try %d)", step.recipePath, machine.host, main.id, tries+1)
	sch.counters.NrStepsBuilding.Add(1)
	result, err := sch.buildRemote(ctx, machine.host, machine.sshKey, &buildremote.BuildRequest{
		RecipePath:       step.recipePath,
		Recipe:           step.recipe,
		MaxSilentSeconds: int64(main.maxSilentTime / time.Second),
		TimeoutSeconds:   int64(main.buildTimeout / time.Second),
	})
	sch.counters.NrStepsBuilding.Add(-1)
	stopTime := sch.now()

	var connErr *buildremote.ConnectError
	switch {
	case err != nil && errors.As(err, &connErr):
		// The machine, not the step, is at fault. Disable it for a while.
		machine.recordConnectFailure(stopTime, sch.retryInterval)
		log.Warnf(ctx, "Machine %s is unreachable: %v", machine.host, err)
		result = &buildremote.Result{
			Status:    buildremote.MiscFailure,
			StartTime: startTime,
			StopTime:  stopTime,
			ErrorMsg:  err.Error(),
		}
	case err != nil:
		result = &buildremote.Result{
			Status:    buildremote.MiscFailure,
			StartTime: startTime,
			StopTime:  stopTime,
			ErrorMsg:  err.Error(),
		}
	default:
		machine.recordConnectSuccess()
	}
	if result.StartTime.IsZero() {
		result.StartTime = startTime
	}
	if result.StopTime.IsZero() {
		result.StopTime = stopTime
	}

	// Attribute the elapsed wall time to the machine
	// and to every jobset the step serves.
	elapsed := stopTime.Sub(startTime)
	machine.totalStepTime.Add(int64(elapsed / time.Second))
	machine.totalStepBuildTime.Add(int64((elapsed - result.Overhead) / time.Second))
	sch.counters.TotalStepTime.Add(int64(elapsed / time.Second))
	sch.counters.TotalStepBuildTime.Add(int64((elapsed - result.Overhead) / time.Second))
	for _, js := range jobsets {
		js.AddStep(startTime, elapsed)
	}

	if result.Status == buildremote.Success {
		sch.finishStepSuccess(ctx, step, machine, main, stepNr, result)
		return false
	}

	if result.CanRetry() && tries+1 < sch.maxTries {
		step.mu.Lock()
		step.state.tries++
		after := sch.retryAfter(step.state.tries, stopTime)
		step.state.after = after
		step.mu.Unlock()

		sch.counters.NrRetries.Add(1)
		sch.counters.noteRetries(int64(tries + 1))
		err := sch.db.Transact(ctx, func(conn *sqlite.Conn) error {
			return queuedb.FinishBuildStep(conn, &queuedb.BuildStep{
				BuildID:   main.id,
				StepNr:    stepNr,
				Status:    queuedb.StepFailed,
				ErrorMsg:  result.ErrorMsg,
				StartTime: result.StartTime,
				StopTime:  result.StopTime,
				Machine:   machine.host,
			})
		})
		if err != nil {
			log.Errorf(ctx, "Recording failed step for %s: %v", step.recipePath, err)
		}
		sch.queueFinishedLog(ctx, result.LogFile)
		log.Warnf(ctx, "Build of %s on %s failed (will retry after %v): %s", step.recipePath, machine.host, step.stateAfter(), result.ErrorMsg)
		return true
	}

	stepStatus, buildStatus := classifyFailure(result.Status)
	failure := &stepFailure{
		stepStatus:     stepStatus,
		buildStatus:    buildStatus,
		errorMsg:       result.ErrorMsg,
		machine:        machine.host,
		startTime:      result.StartTime,
		stopTime:       result.StopTime,
		mainBuildID:    main.id,
		existingStepNr: stepNr,
		failedOutputs:  failedOutputs(step, result),
	}
	if err := sch.failStep(ctx, step, failure); err != nil {
		log.Errorf(ctx, "Recording failure of %s: %v", step.recipePath, err)
	}
	sch.counters.NrStepsDone.Add(1)
	machine.nrStepsDone.Add(1)
	sch.queueFinishedLog(ctx, result.LogFile)
	return false
}

// finishStepSuccess records a successful step,
// finalizes any builds whose top level it was,
// and promotes newly runnable dependents.
func (sch *Scheduler) finishStepSuccess(ctx context.Context, step *Step, machine *Machine, main *Build, stepNr int, result *buildremote.Result) {
	// Builds finalized by this step: those whose top-level step it is
	// and that are still in the builds map.
	step.mu.Lock()
	direct := make([]*Build, len(step.state.builds))
	copy(direct, step.state.builds)
	step.mu.Unlock()
	sch.buildsMu.Lock()
	finalized := direct[:0]
	for _, b := range direct {
		if sch.builds[b.id] == b && !b.finishedInDB.Load() {
			finalized = append(finalized, b)
		}
	}
	sch.buildsMu.Unlock()

	err := sch.db.Transact(ctx, func(conn *sqlite.Conn) error {
		err := queuedb.FinishBuildStep(conn, &queuedb.BuildStep{
			BuildID:   main.id,
			StepNr:    stepNr,
			Status:    queuedb.StepSucceeded,
			StartTime: result.StartTime,
			StopTime:  result.StopTime,
			Machine:   machine.host,
		})
		if err != nil {
			return err
		}
		for _, name := range sortedOutputNames(step.recipe.Outputs) {
			if err := queuedb.InsertStepOutput(conn, main.id, stepNr, name, step.recipe.Outputs[name]); err != nil {
				return err
			}
		}
		for _, b := range finalized {
			if err := queuedb.MarkSucceededBuild(conn, b.id, b.outputs, false, result.StartTime, result.StopTime); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Errorf(ctx, "Recording success of %s: %v", step.recipePath, err)
		return
	}

	sch.counters.NrStepsDone.Add(1)
	machine.nrStepsDone.Add(1)
	log.Infof(ctx, "Built %s on %s", step.recipePath, machine.host)

	sch.propagateSuccess(step)

	sch.buildsMu.Lock()
	for _, b := range finalized {
		b.finishedInDB.Store(true)
		sch.removeBuildLocked(b)
	}
	sch.buildsMu.Unlock()
	for _, b := range finalized {
		sch.counters.NrBuildsDone.Add(1)
		log.Infof(ctx, "Build %d (%s) succeeded", b.id, b.fullJobName())
		sch.notifyBuildFinished(ctx, NotificationItem{BuildID: b.id})
		sch.maybeFinishBuildOne(b.id)
	}
	sch.queueFinishedLog(ctx, result.LogFile)
}

// classifyFailure maps a remote result to database statuses.
func classifyFailure(status buildremote.Status) (queuedb.StepStatus, queuedb.BuildStatus) {
	switch status {
	case buildremote.TimedOut:
		return queuedb.StepTimedOut, queuedb.BuildTimedOut
	case buildremote.LogLimitExceeded:
		return queuedb.StepLogLimitExceeded, queuedb.BuildLogLimitExceeded
	case buildremote.BuildFailureWithOutput:
		return queuedb.StepFailed, queuedb.BuildFailedWithOutput
	default:
		return queuedb.StepFailed, queuedb.BuildFailed
	}
}

// failedOutputs selects the output paths that get failure markers.
func failedOutputs(step *Step, result *buildremote.Result) []zbstore.Path {
	switch result.Status {
	case buildremote.BuildFailureWithOutput:
		paths := make([]zbstore.Path, 0, len(result.OutputPaths))
		for _, name := range sortedOutputNames(result.OutputPaths) {
			paths = append(paths, result.OutputPaths[name])
		}
		return paths
	case buildremote.PermanentFailure:
		return step.recipe.OutputPaths()
	default:
		return nil
	}
}

// stateAfter returns the step's retry cooldown expiry for logging.
func (s *Step) stateAfter() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.after
}
