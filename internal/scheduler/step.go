// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"farm.256lights.llc/pkg/internal/queuedb"
	"farm.256lights.llc/pkg/recipe"
	"zb.256lights.llc/pkg/sets"
	"zb.256lights.llc/pkg/zbstore"
)

// A Step is the in-memory scheduling handle for one recipe.
// Steps are shared: two builds depending on the same recipe get one Step.
//
// Step ownership is explicit reference counting,
// mirroring how builds and dependents keep steps alive:
// a build's toplevel pointer, each dependent step's deps entry,
// and each active machine reservation hold one reference.
// When the count reaches zero the step drops out of the steps map
// and releases its own dependencies.
// Back-references (rdeps, builds) are non-owning
// and are resolved under the step's state lock.
type Step struct {
	recipePath zbstore.Path
	recipe     *recipe.Recipe
	systemType string

	refs atomic.Int32

	// finished is set once the step has resolved
	// (successfully or not) and will never run again.
	finished atomic.Bool

	mu    sync.Mutex
	state stepState
}

type stepState struct {
	// created is false until the step is fully linked into the graph.
	// The dispatcher skips steps that are not yet created.
	created bool

	// deps is the set of steps this step waits on (owning references).
	deps sets.Set[*Step]
	// rdeps is the set of steps waiting on this one (non-owning).
	rdeps []*Step
	// builds holds builds whose top-level step this is (non-owning).
	builds []*Build
	// jobsets is the set of jobsets this step serves.
	jobsets sets.Set[*Jobset]

	// tries counts failed attempts that were scheduled for retry.
	tries int
	// after is the earliest time a retry may be dispatched.
	after time.Time

	// Aggregates over the builds depending on this step,
	// merged in by the graph builder and priority propagation.
	highestGlobalPriority int
	highestLocalPriority  int
	lowestBuildID         queuedb.BuildID
	// lowestShareUsed is recomputed at dispatch time from jobsets.
	lowestShareUsed float64

	// runnableSince is when the step last entered the runnable set.
	runnableSince time.Time

	// runnable and building track which container currently owns scheduling
	// of this step: at most one of them is true.
	runnable bool
	building bool
}

func newStep(recipePath zbstore.Path, r *recipe.Recipe) *Step {
	s := &Step{
		recipePath: recipePath,
		recipe:     r,
		systemType: r.SystemType(),
	}
	s.state.deps = make(sets.Set[*Step])
	s.state.jobsets = make(sets.Set[*Jobset])
	s.state.lowestBuildID = math.MaxInt64
	s.refs.Store(1)
	return s
}

// alive reports whether anything still owns the step.
func (s *Step) alive() bool {
	return s.refs.Load() > 0
}

// retain adds an owning reference.
func (s *Step) retain() {
	s.refs.Add(1)
}

// release drops an owning reference.
// The final release unlinks the step from the steps map
// and cascades to its dependencies.
func (s *Step) release(sch *Scheduler) {
	if s.refs.Add(-1) != 0 {
		return
	}
	sch.stepsMu.Lock()
	if sch.steps[s.recipePath] == s {
		delete(sch.steps, s.recipePath)
	}
	sch.stepsMu.Unlock()

	s.mu.Lock()
	deps := make([]*Step, 0, s.state.deps.Len())
	for dep := range s.state.deps.All() {
		deps = append(deps, dep)
	}
	s.state.deps.Clear()
	s.mu.Unlock()
	for _, dep := range deps {
		dep.release(sch)
	}
}

// mergeBuild folds a dependent build's scheduling attributes
// into the step's aggregates.
// The caller must hold s.mu.
func (s *stepState) mergeBuild(b *Build) {
	s.highestGlobalPriority = max(s.highestGlobalPriority, b.globalPriority)
	s.highestLocalPriority = max(s.highestLocalPriority, b.localPriority)
	s.lowestBuildID = min(s.lowestBuildID, b.id)
	s.jobsets.Add(b.jobset)
}

// getDependents computes the transitive closure of steps
// that depend on the given step,
// and the builds that would be directly or indirectly blocked by it.
// Locks are taken one step at a time; the recipe graph is acyclic.
func (sch *Scheduler) getDependents(step *Step) (builds []*Build, steps []*Step) {
	visited := make(sets.Set[*Step])
	var visit func(s *Step)
	visit = func(s *Step) {
		if visited.Has(s) {
			return
		}
		visited.Add(s)
		steps = append(steps, s)

		s.mu.Lock()
		rdeps := make([]*Step, 0, len(s.state.rdeps))
		for _, rdep := range s.state.rdeps {
			if rdep.alive() {
				rdeps = append(rdeps, rdep)
			}
		}
		directBuilds := make([]*Build, len(s.state.builds))
		copy(directBuilds, s.state.builds)
		s.mu.Unlock()

		for _, b := range directBuilds {
			builds = append(builds, b)
		}
		for _, rdep := range rdeps {
			visit(rdep)
		}
	}
	visit(step)

	// Filter builds that are no longer in the map (cancelled or finalized).
	sch.buildsMu.Lock()
	live := builds[:0]
	for _, b := range builds {
		if sch.builds[b.id] == b {
			live = append(live, b)
		}
	}
	builds = live
	sch.buildsMu.Unlock()
	return builds, steps
}

// visitDependencies calls visitor for step and every step in its
// dependency closure, each exactly once.
func visitDependencies(visitor func(*Step), step *Step) {
	visited := make(sets.Set[*Step])
	stack := []*Step{step}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited.Has(s) {
			continue
		}
		visited.Add(s)
		visitor(s)

		s.mu.Lock()
		for dep := range s.state.deps.All() {
			stack = append(stack, dep)
		}
		s.mu.Unlock()
	}
}

// propagatePriorities re-merges the build's priorities
// into every step in its closure.
// The caller must hold sch.buildsMu.
func (sch *Scheduler) propagatePriorities(b *Build) {
	if b.toplevel == nil {
		return
	}
	visitDependencies(func(s *Step) {
		s.mu.Lock()
		s.state.mergeBuild(b)
		s.mu.Unlock()
	}, b.toplevel)
}
