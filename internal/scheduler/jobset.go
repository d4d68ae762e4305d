// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// schedulingWindow is how far back jobset CPU usage counts toward fairness.
const schedulingWindow = 24 * time.Hour

type jobsetKey struct {
	project string
	name    string
}

// A Jobset is a fairness bucket grouping related builds.
// Jobsets are created on first reference and never destroyed during a run.
type Jobset struct {
	key jobsetKey

	// seconds is the sum of in-window step durations, in seconds.
	seconds atomic.Int64
	// shares is the jobset's weight; always at least 1.
	shares atomic.Int64

	mu sync.Mutex
	// samples holds the start time and duration of recent build steps.
	samples []jobsetSample
}

type jobsetSample struct {
	start    time.Time
	duration time.Duration
}

// ShareUsed returns the jobset's recent CPU seconds divided by its shares.
// Smaller values are more entitled to the next machine slot.
func (js *Jobset) ShareUsed() float64 {
	return float64(js.seconds.Load()) / float64(js.shares.Load())
}

// Shares returns the jobset's current share count.
func (js *Jobset) Shares() int {
	return int(js.shares.Load())
}

// SetShares rewrites the jobset's share count.
// Non-positive values are ignored.
func (js *Jobset) SetShares(n int) {
	if n >= 1 {
		js.shares.Store(int64(n))
	}
}

// Seconds returns the sum of in-window step durations in seconds.
func (js *Jobset) Seconds() int64 {
	return js.seconds.Load()
}

// AddStep attributes a step execution to the jobset.
func (js *Jobset) AddStep(start time.Time, duration time.Duration) {
	js.mu.Lock()
	js.samples = append(js.samples, jobsetSample{start: start, duration: duration})
	js.mu.Unlock()
	js.seconds.Add(int64(duration / time.Second))
}

// PruneSteps drops samples that fell out of the scheduling window.
func (js *Jobset) PruneSteps(now time.Time) {
	cutoff := now.Add(-schedulingWindow)
	js.mu.Lock()
	defer js.mu.Unlock()
	kept := js.samples[:0]
	for _, s := range js.samples {
		if s.start.Before(cutoff) {
			js.seconds.Add(-int64(s.duration / time.Second))
		} else {
			kept = append(kept, s)
		}
	}
	js.samples = kept
}

// jobset returns the jobset for the given project and name,
// creating it with the given initial share count if needed.
func (sch *Scheduler) jobset(project, name string, shares int) *Jobset {
	key := jobsetKey{project: project, name: name}
	sch.jobsetsMu.Lock()
	defer sch.jobsetsMu.Unlock()
	js := sch.jobsets[key]
	if js == nil {
		js = &Jobset{key: key}
		js.shares.Store(1)
		js.SetShares(shares)
		sch.jobsets[key] = js
	}
	return js
}

// pruneJobsets ages out all jobsets' samples.
// The dispatcher calls this at the start of each pass.
func (sch *Scheduler) pruneJobsets(now time.Time) {
	sch.jobsetsMu.Lock()
	jobsets := make([]*Jobset, 0, len(sch.jobsets))
	for _, js := range sch.jobsets {
		jobsets = append(jobsets, js)
	}
	sch.jobsetsMu.Unlock()
	for _, js := range jobsets {
		js.PruneSteps(now)
	}
}
