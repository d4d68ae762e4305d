// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"testing"
	"time"

	"farm.256lights.llc/pkg/internal/machinesfile"
	"farm.256lights.llc/pkg/recipe"
	"zb.256lights.llc/pkg/zbstore"
)

func stepForTest(platform string, preferLocal bool, features ...string) *Step {
	return newStep("/zb/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-x.recipe", &recipe.Recipe{
		Name:             "x",
		Platform:         platform,
		Builder:          "/bin/sh",
		Outputs:          map[string]zbstore.Path{"out": "/zb/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-x"},
		RequiredFeatures: features,
		PreferLocal:      preferLocal,
	})
}

func TestSupportsStep(t *testing.T) {
	tests := []struct {
		name      string
		machine   *machinesfile.Machine
		step      *Step
		supported bool
	}{
		{
			name:      "plain",
			machine:   &machinesfile.Machine{Host: "m", SystemTypes: []string{"x86_64-linux"}, MaxJobs: 1, SpeedFactor: 1},
			step:      stepForTest("x86_64-linux", false),
			supported: true,
		},
		{
			name:      "wrong-platform",
			machine:   &machinesfile.Machine{Host: "m", SystemTypes: []string{"aarch64-linux"}, MaxJobs: 1, SpeedFactor: 1},
			step:      stepForTest("x86_64-linux", false),
			supported: false,
		},
		{
			name:      "required-feature-missing",
			machine:   &machinesfile.Machine{Host: "m", SystemTypes: []string{"x86_64-linux"}, MaxJobs: 1, SpeedFactor: 1},
			step:      stepForTest("x86_64-linux", false, "kvm"),
			supported: false,
		},
		{
			name:      "required-feature-present",
			machine:   &machinesfile.Machine{Host: "m", SystemTypes: []string{"x86_64-linux"}, MaxJobs: 1, SpeedFactor: 1, SupportedFeatures: []string{"kvm"}},
			step:      stepForTest("x86_64-linux", false, "kvm"),
			supported: true,
		},
		{
			name:      "mandatory-feature-not-required",
			machine:   &machinesfile.Machine{Host: "m", SystemTypes: []string{"x86_64-linux"}, MaxJobs: 1, SpeedFactor: 1, SupportedFeatures: []string{"benchmark"}, MandatoryFeatures: []string{"benchmark"}},
			step:      stepForTest("x86_64-linux", false),
			supported: false,
		},
		{
			name:      "mandatory-feature-required",
			machine:   &machinesfile.Machine{Host: "m", SystemTypes: []string{"x86_64-linux"}, MaxJobs: 1, SpeedFactor: 1, SupportedFeatures: []string{"benchmark"}, MandatoryFeatures: []string{"benchmark"}},
			step:      stepForTest("x86_64-linux", false, "benchmark"),
			supported: true,
		},
		{
			name:      "mandatory-local-prefer-local",
			machine:   &machinesfile.Machine{Host: "m", SystemTypes: []string{"x86_64-linux"}, MaxJobs: 1, SpeedFactor: 1, MandatoryFeatures: []string{"local"}},
			step:      stepForTest("x86_64-linux", true),
			supported: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := newMachine(test.machine)
			if got := m.supportsStep(test.step); got != test.supported {
				t.Errorf("supportsStep = %t; want %t", got, test.supported)
			}
		})
	}
}

func TestConnectBackoff(t *testing.T) {
	m := newMachine(&machinesfile.Machine{Host: "m", SystemTypes: []string{"x86_64-linux"}, MaxJobs: 1, SpeedFactor: 1})
	now := time.Date(2026, time.August, 6, 12, 0, 0, 0, time.UTC)

	if m.disabled(now) {
		t.Fatal("fresh machine is disabled")
	}
	m.recordConnectFailure(now, time.Minute)
	if !m.disabled(now.Add(59 * time.Second)) {
		t.Error("machine not disabled within first backoff window")
	}
	if m.disabled(now.Add(61 * time.Second)) {
		t.Error("machine still disabled after first backoff window")
	}

	// The window doubles per consecutive failure.
	m.recordConnectFailure(now.Add(time.Minute), time.Minute)
	if !m.disabled(now.Add(time.Minute + 119*time.Second)) {
		t.Error("machine not disabled within doubled backoff window")
	}

	// The backoff is bounded.
	for i := 0; i < 40; i++ {
		m.recordConnectFailure(now, time.Minute)
	}
	m.connMu.Lock()
	disabledUntil := m.conn.disabledUntil
	m.connMu.Unlock()
	if limit := now.Add(connectBackoffCap); disabledUntil.After(limit) {
		t.Errorf("disabledUntil = %v; want at most %v", disabledUntil, limit)
	}

	m.recordConnectSuccess()
	if m.disabled(now) {
		t.Error("machine still disabled after a successful connection")
	}
}

func TestReservationReleaseIdempotent(t *testing.T) {
	h := newTestHarness(t)
	sch := h.sch

	sch.machinesMu.Lock()
	m := sch.machines["builder@m1"]
	sch.machinesMu.Unlock()

	step := stepForTest("x86_64-linux", false)
	step.mu.Lock()
	step.state.created = true
	step.mu.Unlock()

	sch.machinesMu.Lock()
	res := sch.reserve(step, m)
	sch.machinesMu.Unlock()
	if got := m.currentJobs.Load(); got != 1 {
		t.Fatalf("currentJobs after reserve = %d; want 1", got)
	}

	sch.releaseReservation(res)
	sch.releaseReservation(res)
	if got := m.currentJobs.Load(); got != 0 {
		t.Errorf("currentJobs after double release = %d; want 0", got)
	}
	if idle := m.idleSince.Load(); idle == 0 {
		t.Error("idleSince not stamped when job count reached zero")
	}
}
