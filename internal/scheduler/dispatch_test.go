// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"slices"
	"testing"
	"time"

	"farm.256lights.llc/pkg/internal/queuedb"
)

func TestSortKey(t *testing.T) {
	base := time.Date(2026, time.August, 6, 12, 0, 0, 0, time.UTC)
	mk := func(global int, shareUsed float64, local int, buildID int64, since time.Duration) *dispatchCandidate {
		return &dispatchCandidate{
			highestGlobalPriority: global,
			lowestShareUsed:       shareUsed,
			highestLocalPriority:  local,
			lowestBuildID:         queuedb.BuildID(buildID),
			runnableSince:         base.Add(since),
		}
	}

	tests := []struct {
		name string
		a, b *dispatchCandidate
		// want < 0 means a dispatches before b.
		want int
	}{
		{name: "global-priority-wins", a: mk(5, 100, 0, 9, 0), b: mk(0, 0, 10, 1, 0), want: -1},
		{name: "share-used-breaks-tie", a: mk(0, 0, 0, 9, 0), b: mk(0, 36000, 10, 1, 0), want: -1},
		{name: "local-priority-next", a: mk(0, 10, 7, 9, 0), b: mk(0, 10, 3, 1, 0), want: -1},
		{name: "fifo-by-build-id", a: mk(0, 10, 0, 1, time.Hour), b: mk(0, 10, 0, 2, 0), want: -1},
		{name: "oldest-runnable-last-resort", a: mk(0, 10, 0, 1, 0), b: mk(0, 10, 0, 1, time.Minute), want: -1},
		{name: "equal", a: mk(0, 10, 0, 1, 0), b: mk(0, 10, 0, 1, 0), want: 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := sortKeyLess(test.a, test.b)
			if (got < 0) != (test.want < 0) || (got == 0) != (test.want == 0) {
				t.Errorf("sortKeyLess = %d; want sign of %d", got, test.want)
			}
			if test.want < 0 {
				if back := sortKeyLess(test.b, test.a); back <= 0 {
					t.Errorf("sortKeyLess reversed = %d; want > 0", back)
				}
			}
		})
	}

	// A full sort puts the candidates in dispatch order.
	c1 := mk(1, 500, 0, 4, 0)
	c2 := mk(0, 0, 0, 5, 0)
	c3 := mk(0, 500, 2, 6, 0)
	c4 := mk(0, 500, 0, 2, 0)
	got := []*dispatchCandidate{c4, c3, c2, c1}
	slices.SortFunc(got, sortKeyLess)
	want := []*dispatchCandidate{c1, c2, c3, c4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sorted order[%d] = %+v; want %+v", i, got[i], want[i])
		}
	}
}

func TestLoadBalancing(t *testing.T) {
	ctx, cancel := testContext(t)
	defer cancel()
	h := newTestHarness(t)
	// A second, faster machine. Both empty: the faster one wins.
	h.addMachine(t, "builder@m2", 4, 4.0, nil, nil)

	recipePath := h.writeRecipe(t, "anywhere", nil)
	h.queueBuild(t, recipePath, "proj", "main", 0, 0)

	h.monitorPass(t, ctx)
	h.dispatchAndWait(ctx)

	h.remote.mu.Lock()
	defer h.remote.mu.Unlock()
	if len(h.remote.calls) != 1 || h.remote.calls[0].host != "builder@m2" {
		t.Errorf("calls = %+v; want one on builder@m2 (higher speed factor)", h.remote.calls)
	}
}
