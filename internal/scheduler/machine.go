// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"farm.256lights.llc/pkg/internal/machinesfile"
	"zb.256lights.llc/pkg/sets"
)

// connectBackoffCap bounds how long a machine stays disabled
// after consecutive connection failures.
const connectBackoffCap = 4 * time.Hour

// A Machine is one remote builder.
// Capability fields are rewritten in place on inventory reload
// under the machines lock;
// runtime state survives reloads for machines that keep their host name.
type Machine struct {
	host string

	// Capability fields, guarded by sch.machinesMu.
	sshKey            string
	sshPublicHostKey  string
	systemTypes       sets.Set[string]
	supportedFeatures sets.Set[string]
	mandatoryFeatures sets.Set[string]
	maxJobs           int
	speedFactor       float64

	// Runtime state.
	currentJobs        atomic.Int32
	nrStepsDone        atomic.Int64
	totalStepTime      atomic.Int64 // seconds, including transfer overhead
	totalStepBuildTime atomic.Int64 // seconds
	idleSince          atomic.Int64 // unix seconds; 0 while busy

	connMu sync.Mutex
	conn   connectInfo
}

// connectInfo records a machine's connection failure history.
type connectInfo struct {
	lastFailure         time.Time
	disabledUntil       time.Time
	consecutiveFailures int
}

func newMachine(spec *machinesfile.Machine) *Machine {
	m := &Machine{host: spec.Host}
	m.updateSpec(spec)
	return m
}

// updateSpec rewrites the machine's capability fields from the inventory.
// The caller must hold sch.machinesMu.
func (m *Machine) updateSpec(spec *machinesfile.Machine) {
	m.sshKey = spec.SSHKey
	m.sshPublicHostKey = spec.SSHPublicHostKey
	m.systemTypes = sets.New(spec.SystemTypes...)
	m.supportedFeatures = sets.New(spec.SupportedFeatures...)
	m.mandatoryFeatures = sets.New(spec.MandatoryFeatures...)
	m.maxJobs = spec.MaxJobs
	m.speedFactor = spec.SpeedFactor
}

// Host returns the machine's SSH destination.
func (m *Machine) Host() string {
	return m.host
}

// supportsStep reports whether the machine can build the given step:
// the platform must be advertised,
// every feature the step requires must be supported,
// and every mandatory machine feature must be required by the step
// (or be "local" for a prefer-local step).
func (m *Machine) supportsStep(step *Step) bool {
	if !m.systemTypes.Has(step.recipe.Platform) {
		return false
	}
	required := sets.New(step.recipe.RequiredFeatures...)
	for f := range m.mandatoryFeatures.All() {
		if !required.Has(f) && !(step.recipe.PreferLocal && f == "local") {
			return false
		}
	}
	for f := range required.All() {
		if !m.supportedFeatures.Has(f) {
			return false
		}
	}
	return true
}

// disabled reports whether the machine is in a connect-failure cooldown.
func (m *Machine) disabled(now time.Time) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return now.Before(m.conn.disabledUntil)
}

// recordConnectFailure notes a failed attempt to reach the machine
// and extends its cooldown exponentially.
func (m *Machine) recordConnectFailure(now time.Time, minBackoff time.Duration) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.conn.lastFailure = now
	m.conn.consecutiveFailures++
	backoff := minBackoff << (m.conn.consecutiveFailures - 1)
	if backoff <= 0 || backoff > connectBackoffCap {
		backoff = connectBackoffCap
	}
	m.conn.disabledUntil = now.Add(backoff)
}

// recordConnectSuccess clears the machine's failure history.
func (m *Machine) recordConnectSuccess() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.conn = connectInfo{}
}

// A MachineReservation is a scoped allocation of one slot
// on a machine for a specific step.
// Exactly one reservation is alive per active (step, machine) pair;
// releasing it frees the slot and wakes the dispatcher.
type MachineReservation struct {
	sch      *Scheduler
	step     *Step
	machine  *Machine
	released atomic.Bool
}

// reserve claims a slot on the machine for the step.
// The caller must hold sch.machinesMu
// and must already have marked the step as building.
func (sch *Scheduler) reserve(step *Step, machine *Machine) *MachineReservation {
	machine.currentJobs.Add(1)
	machine.idleSince.Store(0)
	step.retain()
	return &MachineReservation{sch: sch, step: step, machine: machine}
}

// releaseReservation frees the machine slot and drops the reservation's
// reference to the step. It is idempotent.
func (sch *Scheduler) releaseReservation(r *MachineReservation) {
	if r.released.Swap(true) {
		return
	}
	sch.machinesMu.Lock()
	if r.machine.currentJobs.Add(-1) == 0 {
		r.machine.idleSince.Store(sch.now().Unix())
	}
	sch.machinesMu.Unlock()
	r.step.release(sch)
	sch.wakeDispatcher()
}
