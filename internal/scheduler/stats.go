// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// Counters hold the scheduler's lock-free statistics.
// They exist for status reporting only, never for correctness.
type Counters struct {
	NrBuildsRead        atomic.Int64
	NrBuildsDone        atomic.Int64
	NrStepsStarted      atomic.Int64
	NrStepsDone         atomic.Int64
	NrActiveSteps       atomic.Int64
	NrStepsBuilding     atomic.Int64
	NrRetries           atomic.Int64
	MaxNrRetries        atomic.Int64
	NrQueueWakeups      atomic.Int64
	NrDispatcherWakeups atomic.Int64
	TotalStepTime       atomic.Int64 // seconds
	TotalStepBuildTime  atomic.Int64 // seconds
}

// noteRetries raises MaxNrRetries to at least n.
func (c *Counters) noteRetries(n int64) {
	for {
		old := c.MaxNrRetries.Load()
		if n <= old || c.MaxNrRetries.CompareAndSwap(old, n) {
			return
		}
	}
}

// MachineTypeStats summarizes demand for one system type,
// recomputed on every dispatcher pass.
// An auto-scaler can watch these to grow the farm.
type MachineTypeStats struct {
	Runnable   int
	Running    int
	WaitTime   time.Duration
	LastActive time.Time
}

// Stats is a point-in-time snapshot of the scheduler for status reporting.
type Stats struct {
	NrBuilds   int
	NrSteps    int
	NrRunnable int

	NrBuildsRead        int64
	NrBuildsDone        int64
	NrStepsStarted      int64
	NrStepsDone         int64
	NrActiveSteps       int64
	NrStepsBuilding     int64
	NrRetries           int64
	MaxNrRetries        int64
	NrQueueWakeups      int64
	NrDispatcherWakeups int64
	TotalStepTime       int64
	TotalStepBuildTime  int64

	Machines     []MachineStats
	MachineTypes map[string]MachineTypeStats
}

// MachineStats is a point-in-time snapshot of one machine.
type MachineStats struct {
	Host               string
	CurrentJobs        int
	MaxJobs            int
	SpeedFactor        float64
	NrStepsDone        int64
	TotalStepTime      int64
	TotalStepBuildTime int64
	IdleSince          time.Time
	Disabled           bool
}

// setMachineTypes publishes the per-system-type demand summary
// computed during a dispatcher pass.
func (sch *Scheduler) setMachineTypes(types map[string]*MachineTypeStats, now time.Time) {
	sch.machineTypesMu.Lock()
	defer sch.machineTypesMu.Unlock()
	next := make(map[string]MachineTypeStats, len(types))
	for systemType, mt := range types {
		entry := *mt
		if entry.Running > 0 {
			entry.LastActive = now
		} else if prev, ok := sch.machineTypes[systemType]; ok {
			entry.LastActive = prev.LastActive
		}
		next[systemType] = entry
	}
	sch.machineTypes = next
}

// Stats returns a snapshot of the scheduler's state.
func (sch *Scheduler) Stats() *Stats {
	s := &Stats{
		NrBuildsRead:        sch.counters.NrBuildsRead.Load(),
		NrBuildsDone:        sch.counters.NrBuildsDone.Load(),
		NrStepsStarted:      sch.counters.NrStepsStarted.Load(),
		NrStepsDone:         sch.counters.NrStepsDone.Load(),
		NrActiveSteps:       sch.counters.NrActiveSteps.Load(),
		NrStepsBuilding:     sch.counters.NrStepsBuilding.Load(),
		NrRetries:           sch.counters.NrRetries.Load(),
		MaxNrRetries:        sch.counters.MaxNrRetries.Load(),
		NrQueueWakeups:      sch.counters.NrQueueWakeups.Load(),
		NrDispatcherWakeups: sch.counters.NrDispatcherWakeups.Load(),
		TotalStepTime:       sch.counters.TotalStepTime.Load(),
		TotalStepBuildTime:  sch.counters.TotalStepBuildTime.Load(),
	}

	sch.buildsMu.Lock()
	s.NrBuilds = len(sch.builds)
	sch.buildsMu.Unlock()
	sch.stepsMu.Lock()
	s.NrSteps = len(sch.steps)
	sch.stepsMu.Unlock()
	sch.runnableMu.Lock()
	s.NrRunnable = len(sch.runnable)
	sch.runnableMu.Unlock()

	now := sch.now()
	sch.machinesMu.Lock()
	for _, m := range sch.machines {
		ms := MachineStats{
			Host:               m.host,
			CurrentJobs:        int(m.currentJobs.Load()),
			MaxJobs:            m.maxJobs,
			SpeedFactor:        m.speedFactor,
			NrStepsDone:        m.nrStepsDone.Load(),
			TotalStepTime:      m.totalStepTime.Load(),
			TotalStepBuildTime: m.totalStepBuildTime.Load(),
			Disabled:           m.disabled(now),
		}
		if idle := m.idleSince.Load(); idle != 0 {
			ms.IdleSince = time.Unix(idle, 0).UTC()
		}
		s.Machines = append(s.Machines, ms)
	}
	sch.machinesMu.Unlock()

	slices.SortFunc(s.Machines, func(a, b MachineStats) int {
		return strings.Compare(a.Host, b.Host)
	})

	sch.machineTypesMu.Lock()
	s.MachineTypes = make(map[string]MachineTypeStats, len(sch.machineTypes))
	for systemType, mt := range sch.machineTypes {
		s.MachineTypes[systemType] = mt
	}
	sch.machineTypesMu.Unlock()
	return s
}
