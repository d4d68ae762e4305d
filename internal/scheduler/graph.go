// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"farm.256lights.llc/pkg/internal/queuedb"
	"farm.256lights.llc/pkg/recipe"
	"zb.256lights.llc/pkg/zbstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
)

// cachedFailureError aborts an expansion
// because a step's output has a recorded failure marker.
type cachedFailureError struct {
	recipePath zbstore.Path
	outputPath zbstore.Path
}

func (e *cachedFailureError) Error() string {
	return fmt.Sprintf("output %s of %s previously failed to build", e.outputPath, e.recipePath)
}

// expandBuild turns a newly observed queue row into in-memory state:
// either a finalized cache hit,
// an immediately failed build (parse error, cached failure, unsupported),
// or a Build linked to a graph of Steps.
// Only the queue monitor calls expandBuild.
func (sch *Scheduler) expandBuild(ctx context.Context, conn *sqlite.Conn, qb *queuedb.QueuedBuild) error {
	sch.buildsMu.Lock()
	_, known := sch.builds[qb.ID]
	sch.buildsMu.Unlock()
	if known {
		return nil
	}
	sch.counters.NrBuildsRead.Add(1)

	shares, err := queuedb.UpsertJobset(conn, qb.Project, qb.Jobset)
	if err != nil {
		return err
	}
	js := sch.jobset(qb.Project, qb.Jobset, shares)

	b := &Build{
		id:             qb.ID,
		recipePath:     qb.RecipePath,
		project:        qb.Project,
		jobsetName:     qb.Jobset,
		job:            qb.Job,
		timestamp:      qb.QueuedAt,
		maxSilentTime:  qb.MaxSilentTime,
		buildTimeout:   qb.BuildTimeout,
		localPriority:  qb.LocalPriority,
		globalPriority: qb.GlobalPriority,
		jobset:         js,
	}

	topRecipe, err := sch.store.Read(qb.RecipePath)
	if err != nil {
		log.Warnf(ctx, "Aborting build %d (%s): %v", b.id, b.fullJobName(), err)
		return sch.failBuildInDB(ctx, b, queuedb.StepAborted, queuedb.BuildAborted, err.Error())
	}
	b.outputs = topRecipe.Outputs

	if sch.allOutputsRealized(topRecipe) {
		return sch.finalizeCacheHit(ctx, b, topRecipe)
	}

	visited := make(map[zbstore.Path]*Step)
	var newSteps []*Step
	root, err := sch.createStep(ctx, conn, qb.RecipePath, topRecipe, visited, &newSteps)
	if err != nil {
		var cached *cachedFailureError
		switch {
		case errors.As(err, &cached):
			log.Infof(ctx, "Build %d (%s) hit cached failure for %s", b.id, b.fullJobName(), cached.outputPath)
			return sch.failBuildInDB(ctx, b, queuedb.StepCachedFailure, queuedb.BuildCachedFailure, err.Error())
		case errors.As(err, new(*recipeParseError)):
			log.Warnf(ctx, "Aborting build %d (%s): %v", b.id, b.fullJobName(), err)
			return sch.failBuildInDB(ctx, b, queuedb.StepAborted, queuedb.BuildAborted, err.Error())
		default:
			return err
		}
	}

	// The machine inventory cannot serve a step that requires
	// features no machine advertises. This outcome is not cached:
	// adding a machine and requeueing the build is expected to work.
	if unsupported := sch.findUnsupported(root); unsupported != nil {
		log.Warnf(ctx, "Build %d (%s) requires system type %q that no machine provides", b.id, b.fullJobName(), unsupported.systemType)
		err := sch.failBuildInDB(ctx, b, queuedb.StepUnsupported, queuedb.BuildUnsupported, fmt.Sprintf("unsupported system type %q", unsupported.systemType))
		root.release(sch)
		return err
	}

	b.toplevel = root

	sch.buildsMu.Lock()
	sch.builds[b.id] = b
	sch.propagatePriorities(b)
	sch.buildsMu.Unlock()

	root.mu.Lock()
	root.state.builds = append(root.state.builds, b)
	root.mu.Unlock()

	if root.finished.Load() {
		// A shared top-level step resolved while the build was being
		// expanded, so its propagation may have missed this build.
		sch.buildsMu.Lock()
		sch.removeBuildLocked(b)
		sch.buildsMu.Unlock()
		if sch.allOutputsRealized(topRecipe) {
			return sch.finalizeCacheHit(ctx, b, topRecipe)
		}
		return sch.failBuildInDB(ctx, b, queuedb.StepFailed, queuedb.BuildFailed, "dependency failed while build was queued")
	}

	// Only mark steps visible once the whole subgraph is linked.
	for _, s := range newSteps {
		s.mu.Lock()
		s.state.created = true
		runnable := s.state.deps.Len() == 0 && !s.state.runnable && !s.state.building
		s.mu.Unlock()
		if runnable && !s.finished.Load() {
			sch.makeRunnable(s)
		}
	}
	log.Debugf(ctx, "Expanded build %d (%s) into %d new steps", b.id, b.fullJobName(), len(newSteps))
	sch.wakeDispatcher()
	return nil
}

// recipeParseError marks recipe read/parse failures during expansion.
type recipeParseError struct {
	err error
}

func (e *recipeParseError) Error() string { return e.err.Error() }
func (e *recipeParseError) Unwrap() error { return e.err }

// createStep returns the step for the given recipe,
// creating it and its dependency closure if necessary.
// New steps hold one creator reference that the caller takes over;
// reused steps are retained on behalf of the caller.
func (sch *Scheduler) createStep(ctx context.Context, conn *sqlite.Conn, path zbstore.Path, r *recipe.Recipe, visited map[zbstore.Path]*Step, newSteps *[]*Step) (*Step, error) {
	if s := visited[path]; s != nil {
		s.retain()
		return s, nil
	}

	// Reuse a live step from the global map if one exists.
	sch.stepsMu.Lock()
	if s := sch.steps[path]; s != nil && !s.finished.Load() {
		if s.refs.Add(1) > 1 {
			sch.stepsMu.Unlock()
			visited[path] = s
			return s, nil
		}
		// The step was concurrently released; replace it below.
		s.refs.Add(-1)
	}
	sch.stepsMu.Unlock()

	if r == nil {
		var err error
		r, err = sch.store.Read(path)
		if err != nil {
			return nil, &recipeParseError{err: err}
		}
	}

	for _, outputPath := range r.OutputPaths() {
		failed, err := queuedb.CheckCachedFailure(conn, []zbstore.Path{outputPath})
		if err != nil {
			return nil, err
		}
		if failed {
			return nil, &cachedFailureError{recipePath: path, outputPath: outputPath}
		}
	}

	s := newStep(path, r)
	visited[path] = s

	for _, inputPath := range r.InputRecipes {
		inputRecipe, err := sch.store.Read(inputPath)
		if err != nil {
			s.release(sch)
			return nil, &recipeParseError{err: err}
		}
		if sch.allOutputsRealized(inputRecipe) {
			// Nothing to build for this input.
			continue
		}
		dep, err := sch.createStep(ctx, conn, inputPath, inputRecipe, visited, newSteps)
		if err != nil {
			s.release(sch)
			return nil, err
		}
		s.mu.Lock()
		s.state.deps.Add(dep)
		s.mu.Unlock()
		dep.mu.Lock()
		dep.state.rdeps = append(dep.state.rdeps, s)
		dep.mu.Unlock()
		if dep.finished.Load() {
			// The shared step resolved while it was being linked,
			// so its success propagation may have missed this parent.
			s.mu.Lock()
			s.state.deps.Delete(dep)
			s.mu.Unlock()
			dep.release(sch)
		}
	}

	sch.stepsMu.Lock()
	sch.steps[path] = s
	sch.stepsMu.Unlock()
	*newSteps = append(*newSteps, s)
	return s, nil
}

// allOutputsRealized reports whether every output of the recipe
// is already present in the store.
func (sch *Scheduler) allOutputsRealized(r *recipe.Recipe) bool {
	for _, outputPath := range r.Outputs {
		if !sch.store.Exists(outputPath) {
			return false
		}
	}
	return true
}

// findUnsupported returns a step in root's closure
// that no configured machine can build, or nil.
func (sch *Scheduler) findUnsupported(root *Step) *Step {
	sch.machinesMu.Lock()
	machines := make([]*Machine, 0, len(sch.machines))
	for _, m := range sch.machines {
		machines = append(machines, m)
	}
	sch.machinesMu.Unlock()

	if len(machines) == 0 {
		// No inventory yet; the dispatcher re-checks once machines load.
		return nil
	}

	var unsupported *Step
	visitDependencies(func(s *Step) {
		if unsupported != nil || s.finished.Load() {
			return
		}
		for _, m := range machines {
			if m.supportsStep(s) {
				return
			}
		}
		unsupported = s
	}, root)
	return unsupported
}

// finalizeCacheHit finalizes a build whose outputs were all
// present in the store at expansion time:
// a substitution step row is recorded per output
// and the build succeeds without creating any Step.
func (sch *Scheduler) finalizeCacheHit(ctx context.Context, b *Build, topRecipe *recipe.Recipe) error {
	now := sch.now()
	err := sch.db.Transact(ctx, func(conn *sqlite.Conn) error {
		for _, name := range sortedOutputNames(topRecipe.Outputs) {
			stepNr, err := queuedb.AllocBuildStep(conn, b.id)
			if err != nil {
				return err
			}
			err = queuedb.CreateSubstitutionStep(conn, b.id, stepNr, b.recipePath, name, topRecipe.Outputs[name], now)
			if err != nil {
				return err
			}
		}
		return queuedb.MarkSucceededBuild(conn, b.id, topRecipe.Outputs, true, now, now)
	})
	if err != nil {
		return err
	}
	b.finishedInDB.Store(true)
	sch.counters.NrBuildsDone.Add(1)
	log.Infof(ctx, "Build %d (%s) is a cache hit", b.id, b.fullJobName())
	sch.notifyBuildFinished(ctx, NotificationItem{BuildID: b.id})
	sch.maybeFinishBuildOne(b.id)
	return nil
}

// failBuildInDB finalizes a build that never got a step graph:
// one step row records what went wrong
// and the build row gets its terminal status.
func (sch *Scheduler) failBuildInDB(ctx context.Context, b *Build, stepStatus queuedb.StepStatus, buildStatus queuedb.BuildStatus, errorMsg string) error {
	now := sch.now()
	err := sch.db.Transact(ctx, func(conn *sqlite.Conn) error {
		stepNr, err := queuedb.AllocBuildStep(conn, b.id)
		if err != nil {
			return err
		}
		err = queuedb.CreateBuildStep(conn, &queuedb.BuildStep{
			BuildID:    b.id,
			StepNr:     stepNr,
			RecipePath: b.recipePath,
			Status:     stepStatus,
			ErrorMsg:   errorMsg,
			StartTime:  now,
			StopTime:   now,
		})
		if err != nil {
			return err
		}
		return queuedb.MarkFailedBuild(conn, b.id, buildStatus, now, now)
	})
	if err != nil {
		return err
	}
	b.finishedInDB.Store(true)
	sch.counters.NrBuildsDone.Add(1)
	sch.notifyBuildFinished(ctx, NotificationItem{BuildID: b.id})
	sch.maybeFinishBuildOne(b.id)
	return nil
}

func sortedOutputNames(outputs map[string]zbstore.Path) []string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	// Deterministic step numbering per output.
	slices.Sort(names)
	return names
}

// retryAfter computes the cooldown before try number tries may run again.
func (sch *Scheduler) retryAfter(tries int, now time.Time) time.Time {
	backoff := sch.retryInterval
	for i := 1; i < tries; i++ {
		backoff = time.Duration(float64(backoff) * sch.retryBackoff)
	}
	return now.Add(backoff)
}
