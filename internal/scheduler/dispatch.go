// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"math"
	"slices"
	"time"

	"farm.256lights.llc/pkg/internal/queuedb"
	"zombiezen.com/go/log"
)

// dispatcher runs placement passes whenever woken:
// by the queue monitor, by a builder worker completing,
// by a reservation releasing, or by a retry cooldown expiring.
// Wakeups are edge-triggered and collapse.
func (sch *Scheduler) dispatcher(ctx context.Context) error {
	for {
		sch.counters.NrDispatcherWakeups.Add(1)
		nextWake := sch.doDispatch(ctx)

		var timerC <-chan time.Time
		var timer *time.Timer
		if !nextWake.IsZero() {
			d := max(nextWake.Sub(sch.now()), time.Millisecond)
			timer = time.NewTimer(d)
			timerC = timer.C
		}
		select {
		case <-sch.dispatcherWake:
		case <-timerC:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatchCandidate is the dispatcher's per-pass view of a runnable step.
type dispatchCandidate struct {
	step *Step

	// Sort key fields; see sortKeyLess.
	highestGlobalPriority int
	lowestShareUsed       float64
	highestLocalPriority  int
	lowestBuildID         queuedb.BuildID
	runnableSince         time.Time
}

// sortKeyLess orders candidates:
// globally declared priority first,
// then fairness across jobsets (least share used wins),
// then per-build local priority,
// then FIFO by original build ID,
// then by how long the step has waited.
func sortKeyLess(a, b *dispatchCandidate) int {
	switch {
	case a.highestGlobalPriority != b.highestGlobalPriority:
		if a.highestGlobalPriority > b.highestGlobalPriority {
			return -1
		}
		return 1
	case a.lowestShareUsed != b.lowestShareUsed:
		if a.lowestShareUsed < b.lowestShareUsed {
			return -1
		}
		return 1
	case a.highestLocalPriority != b.highestLocalPriority:
		if a.highestLocalPriority > b.highestLocalPriority {
			return -1
		}
		return 1
	case a.lowestBuildID != b.lowestBuildID:
		if a.lowestBuildID < b.lowestBuildID {
			return -1
		}
		return 1
	default:
		return a.runnableSince.Compare(b.runnableSince)
	}
}

// doDispatch performs one placement pass.
// It returns the earliest retry-cooldown expiry among blocked steps,
// or the zero time if no timed wakeup is needed.
func (sch *Scheduler) doDispatch(ctx context.Context) time.Time {
	now := sch.now()
	sch.pruneJobsets(now)

	runnable := sch.drainRunnable()

	sch.machinesMu.Lock()
	machines := make([]*Machine, 0, len(sch.machines))
	for _, m := range sch.machines {
		machines = append(machines, m)
	}
	sch.machinesMu.Unlock()

	var nextWake time.Time
	var candidates []*dispatchCandidate
	var unsupported []*Step
	machineTypes := make(map[string]*MachineTypeStats)

	for _, step := range runnable {
		step.mu.Lock()
		if !step.state.created || !step.state.runnable {
			step.mu.Unlock()
			continue
		}
		after := step.state.after
		cand := &dispatchCandidate{
			step:                  step,
			highestGlobalPriority: step.state.highestGlobalPriority,
			highestLocalPriority:  step.state.highestLocalPriority,
			lowestBuildID:         step.state.lowestBuildID,
			runnableSince:         step.state.runnableSince,
		}
		// Aggregate fairness lazily: share usage moves with every
		// finished step, so recompute it from the jobsets here.
		lowestShareUsed := math.Inf(1)
		for js := range step.state.jobsets.All() {
			lowestShareUsed = min(lowestShareUsed, js.ShareUsed())
		}
		cand.lowestShareUsed = lowestShareUsed
		step.state.lowestShareUsed = lowestShareUsed
		step.mu.Unlock()

		mt := machineTypes[step.systemType]
		if mt == nil {
			mt = &MachineTypeStats{}
			machineTypes[step.systemType] = mt
		}
		mt.Runnable++
		mt.WaitTime += now.Sub(cand.runnableSince)

		if now.Before(after) {
			if nextWake.IsZero() || after.Before(nextWake) {
				nextWake = after
			}
			continue
		}

		// An empty inventory means machines have not loaded yet;
		// only a populated inventory can prove a step unsupportable.
		if len(machines) > 0 {
			supported := false
			for _, m := range machines {
				if m.supportsStep(step) {
					supported = true
					break
				}
			}
			if !supported {
				unsupported = append(unsupported, step)
				continue
			}
		}

		candidates = append(candidates, cand)
	}

	slices.SortFunc(candidates, sortKeyLess)

	for _, cand := range candidates {
		step := cand.step
		// Liveness can change while the pass runs; check immediately
		// before reserving.
		if !step.alive() || step.finished.Load() {
			sch.removeRunnable(step)
			continue
		}

		// Mark the step as leaving the runnable set before touching
		// the machines lock; per-step state orders before machines.
		step.mu.Lock()
		step.state.runnable = false
		step.state.building = true
		step.mu.Unlock()

		sch.machinesMu.Lock()
		var best *Machine
		bestScore := math.Inf(-1)
		for _, m := range machines {
			if int(m.currentJobs.Load()) >= m.maxJobs || m.disabled(now) || !m.supportsStep(step) {
				continue
			}
			if score := m.speedFactor / float64(m.currentJobs.Load()+1); score > bestScore {
				best = m
				bestScore = score
			}
		}
		var reservation *MachineReservation
		if best != nil {
			reservation = sch.reserve(step, best)
		}
		sch.machinesMu.Unlock()
		if reservation == nil {
			step.mu.Lock()
			step.state.building = false
			step.state.runnable = true
			step.mu.Unlock()
			continue
		}

		sch.removeRunnable(step)
		if mt := machineTypes[step.systemType]; mt != nil {
			mt.Runnable--
			mt.Running++
		}
		sch.counters.NrStepsStarted.Add(1)
		log.Debugf(ctx, "Dispatching %s to %s", step.recipePath, best.host)
		sch.buildWG.Add(1)
		go func() {
			defer sch.buildWG.Done()
			sch.builder(ctx, reservation)
		}()
	}

	sch.setMachineTypes(machineTypes, now)

	// Finalizing unsupported steps touches the database,
	// so it happens outside every scheduler lock.
	for _, step := range unsupported {
		sch.removeRunnable(step)
		step.mu.Lock()
		step.state.runnable = false
		step.mu.Unlock()
		log.Warnf(ctx, "Step %s has no machine that can build system type %q", step.recipePath, step.systemType)
		if err := sch.failStep(ctx, step, &stepFailure{
			stepStatus:  queuedb.StepUnsupported,
			buildStatus: queuedb.BuildUnsupported,
			errorMsg:    "unsupported system type " + step.systemType,
			startTime:   now,
			stopTime:    now,
		}); err != nil {
			log.Errorf(ctx, "Finalizing unsupported step %s: %v", step.recipePath, err)
		}
	}

	return nextWake
}
