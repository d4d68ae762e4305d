// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"farm.256lights.llc/pkg/internal/buildremote"
	"farm.256lights.llc/pkg/internal/farmtest"
	"farm.256lights.llc/pkg/internal/machinesfile"
	"farm.256lights.llc/pkg/internal/queuedb"
	"farm.256lights.llc/pkg/recipe"
	"zb.256lights.llc/pkg/zbstore"
	"zombiezen.com/go/log/testlog"
	"zombiezen.com/go/sqlite"
)

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}

// fakeRemote scripts remote build results per recipe path.
// Paths without a script succeed.
type fakeRemote struct {
	mu      sync.Mutex
	scripts map[zbstore.Path][]*buildremote.Result
	errs    map[string]error // keyed by host; returned for every call
	calls   []fakeCall
}

type fakeCall struct {
	recipePath zbstore.Path
	host       string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		scripts: make(map[zbstore.Path][]*buildremote.Result),
		errs:    make(map[string]error),
	}
}

func (f *fakeRemote) script(path zbstore.Path, results ...*buildremote.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[path] = append(f.scripts[path], results...)
}

func (f *fakeRemote) build(ctx context.Context, host, sshKey string, req *buildremote.BuildRequest) (*buildremote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{recipePath: req.RecipePath, host: host})
	if err := f.errs[host]; err != nil {
		return nil, err
	}
	if queue := f.scripts[req.RecipePath]; len(queue) > 0 {
		result := queue[0]
		f.scripts[req.RecipePath] = queue[1:]
		return result, nil
	}
	return &buildremote.Result{Status: buildremote.Success}, nil
}

func (f *fakeRemote) callPaths() []zbstore.Path {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]zbstore.Path, len(f.calls))
	for i, c := range f.calls {
		paths[i] = c.recipePath
	}
	return paths
}

type testHarness struct {
	sch    *Scheduler
	store  *recipe.Store
	db     *queuedb.DB
	clock  *farmtest.Clock
	remote *fakeRemote
	notes  chan NotificationItem
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		store:  farmtest.NewStore(t),
		db:     farmtest.NewDB(t),
		clock:  farmtest.NewClock(time.Date(2026, time.August, 6, 12, 0, 0, 0, time.UTC)),
		remote: newFakeRemote(),
		notes:  make(chan NotificationItem, 128),
	}
	sch, err := New(&Options{
		Store:         h.store,
		DB:            h.db,
		BuildRemote:   h.remote.build,
		Notifications: h.notes,
		Now:           h.clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.sch = sch
	h.addMachine(t, "builder@m1", 1, 1, nil, nil)
	return h
}

func (h *testHarness) addMachine(t *testing.T, host string, maxJobs int, speed float64, supported, mandatory []string) {
	t.Helper()
	h.sch.machinesMu.Lock()
	inventory := make(map[string]*machinesfile.Machine, len(h.sch.machines)+1)
	for name, m := range h.sch.machines {
		inventory[name] = &machinesfile.Machine{
			Host:              name,
			SystemTypes:       []string{"x86_64-linux"},
			MaxJobs:           m.maxJobs,
			SpeedFactor:       m.speedFactor,
			SupportedFeatures: setToSlice(m.supportedFeatures),
			MandatoryFeatures: setToSlice(m.mandatoryFeatures),
		}
	}
	h.sch.machinesMu.Unlock()
	inventory[host] = &machinesfile.Machine{
		Host:              host,
		SystemTypes:       []string{"x86_64-linux"},
		MaxJobs:           maxJobs,
		SpeedFactor:       speed,
		SupportedFeatures: supported,
		MandatoryFeatures: mandatory,
	}
	h.sch.SetMachines(inventory)
}

func setToSlice[S ~map[string]struct{}](s S) []string {
	var result []string
	for x := range s {
		result = append(result, x)
	}
	return result
}

// writeRecipe stores a recipe named name with the given input recipes
// and a single "out" output, and returns its store path.
func (h *testHarness) writeRecipe(t *testing.T, name string, inputs []zbstore.Path, features ...string) zbstore.Path {
	t.Helper()
	r := &recipe.Recipe{
		Name:             name,
		Platform:         "x86_64-linux",
		Builder:          "/bin/sh",
		Args:             []string{"-c", "build " + name},
		InputRecipes:     inputs,
		Outputs:          map[string]zbstore.Path{"out": farmtest.StorePath(t, name+"-out")},
		RequiredFeatures: features,
	}
	return farmtest.WriteRecipe(t, h.store, r)
}

// queueBuild inserts a build row and returns its ID.
func (h *testHarness) queueBuild(t *testing.T, recipePath zbstore.Path, project, jobset string, localPriority, globalPriority int) queuedb.BuildID {
	t.Helper()
	var id queuedb.BuildID
	err := h.db.Transact(t.Context(), func(conn *sqlite.Conn) error {
		var err error
		id, err = queuedb.InsertBuild(conn, &queuedb.QueuedBuild{
			RecipePath:     recipePath,
			Project:        project,
			Jobset:         jobset,
			Job:            recipePath.Name(),
			QueuedAt:       h.clock.Now(),
			MaxSilentTime:  time.Hour,
			BuildTimeout:   10 * time.Hour,
			LocalPriority:  localPriority,
			GlobalPriority: globalPriority,
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// monitorPass runs one queue monitor cycle.
func (h *testHarness) monitorPass(t *testing.T, ctx context.Context) {
	t.Helper()
	if err := h.sch.queueMonitorPass(ctx); err != nil {
		t.Fatal(err)
	}
}

// dispatchAndWait runs one dispatcher pass
// and waits for the builder workers it spawned to settle.
func (h *testHarness) dispatchAndWait(ctx context.Context) time.Time {
	nextWake := h.sch.doDispatch(ctx)
	h.sch.buildWG.Wait()
	return nextWake
}

// buildRow fetches a build's database row.
func (h *testHarness) buildRow(t *testing.T, id queuedb.BuildID) *queuedb.BuildRow {
	t.Helper()
	conn, err := h.db.Get(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer h.db.Put(conn)
	row, ok, err := queuedb.GetBuild(conn, id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("build %d not in database", id)
	}
	return row
}

// stepRows fetches a build's step rows.
func (h *testHarness) stepRows(t *testing.T, id queuedb.BuildID) []*queuedb.BuildStep {
	t.Helper()
	conn, err := h.db.Get(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer h.db.Put(conn)
	steps, err := queuedb.ListBuildSteps(conn, id)
	if err != nil {
		t.Fatal(err)
	}
	return steps
}

// checkQuiescent verifies the scheduler invariants that must hold
// whenever no builder worker is in flight.
func (h *testHarness) checkQuiescent(t *testing.T) {
	t.Helper()
	sch := h.sch

	sch.stepsMu.Lock()
	steps := make(map[zbstore.Path]*Step, len(sch.steps))
	for path, s := range sch.steps {
		steps[path] = s
	}
	sch.stepsMu.Unlock()
	sch.runnableMu.Lock()
	runnable := make(map[*Step]bool)
	for _, s := range sch.runnable {
		runnable[s] = true
	}
	sch.runnableMu.Unlock()

	for path, s := range steps {
		s.mu.Lock()
		noDeps := s.state.deps.Len() == 0
		inRunnable := s.state.runnable
		building := s.state.building
		created := s.state.created
		s.mu.Unlock()
		if created && s.alive() {
			if noDeps != (inRunnable || building || s.finished.Load()) {
				t.Errorf("step %s: deps empty = %t but runnable=%t building=%t finished=%t", path, noDeps, inRunnable, building, s.finished.Load())
			}
		}
		if inRunnable && !runnable[s] {
			t.Errorf("step %s claims runnable but is not in the runnable set", path)
		}
	}

	sch.buildsMu.Lock()
	for id, b := range sch.builds {
		if b.finishedInDB.Load() {
			t.Errorf("build %d is finalized but still in the builds map", id)
		}
		if b.toplevel == nil {
			t.Errorf("build %d has no top-level step", id)
		} else if !b.toplevel.alive() {
			t.Errorf("build %d's top-level step has no owners", id)
		}
	}
	sch.buildsMu.Unlock()

	sch.machinesMu.Lock()
	for host, m := range sch.machines {
		if jobs := m.currentJobs.Load(); jobs != 0 {
			t.Errorf("machine %s has %d jobs with no live reservations", host, jobs)
		}
	}
	sch.machinesMu.Unlock()
}

func drainNotifications(notes chan NotificationItem) []NotificationItem {
	var items []NotificationItem
	for {
		select {
		case item := <-notes:
			items = append(items, item)
		default:
			return items
		}
	}
}

func TestSingleSuccess(t *testing.T) {
	ctx, cancel := testContext(t)
	defer cancel()
	h := newTestHarness(t)

	recipePath := h.writeRecipe(t, "hello", nil)
	id := h.queueBuild(t, recipePath, "proj", "main", 0, 0)

	h.monitorPass(t, ctx)
	h.dispatchAndWait(ctx)

	row := h.buildRow(t, id)
	if !row.Finished || row.Status != queuedb.BuildSucceeded {
		t.Errorf("build row = %+v; want finished with status %v", row, queuedb.BuildSucceeded)
	}
	steps := h.stepRows(t, id)
	if len(steps) != 1 || steps[0].Status != queuedb.StepSucceeded || steps[0].Busy {
		t.Errorf("step rows = %+v; want one settled success", steps)
	}
	if steps[0].Machine != "builder@m1" {
		t.Errorf("step machine = %q; want builder@m1", steps[0].Machine)
	}
	notes := drainNotifications(h.notes)
	if len(notes) != 1 || notes[0].BuildID != id {
		t.Errorf("notifications = %+v; want one for build %d", notes, id)
	}
	h.checkQuiescent(t)
	if n := len(h.sch.builds); n != 0 {
		t.Errorf("builds map has %d entries after finalization", n)
	}
	if n := len(h.sch.steps); n != 0 {
		t.Errorf("steps map has %d entries after finalization", n)
	}
}

func TestSharedDependency(t *testing.T) {
	ctx, cancel := testContext(t)
	defer cancel()
	h := newTestHarness(t)

	depPath := h.writeRecipe(t, "lib", nil)
	app1 := h.writeRecipe(t, "app1", []zbstore.Path{depPath})
	app2 := h.writeRecipe(t, "app2", []zbstore.Path{depPath})
	id1 := h.queueBuild(t, app1, "proj", "main", 0, 0)
	id2 := h.queueBuild(t, app2, "proj", "main", 0, 0)

	h.monitorPass(t, ctx)

	h.sch.stepsMu.Lock()
	nrSteps := len(h.sch.steps)
	h.sch.stepsMu.Unlock()
	if nrSteps != 3 {
		t.Errorf("steps map has %d entries; want 3 (lib shared once)", nrSteps)
	}

	// Passes until quiescent: lib first, then both apps.
	for i := 0; i < 4; i++ {
		h.dispatchAndWait(ctx)
	}

	libCalls := 0
	for _, path := range h.remote.callPaths() {
		if path == depPath {
			libCalls++
		}
	}
	if libCalls != 1 {
		t.Errorf("lib was built %d times; want exactly once", libCalls)
	}
	for _, id := range []queuedb.BuildID{id1, id2} {
		if row := h.buildRow(t, id); !row.Finished || row.Status != queuedb.BuildSucceeded {
			t.Errorf("build %d = %+v; want success", id, row)
		}
	}
	h.checkQuiescent(t)
}

func TestTransientRetry(t *testing.T) {
	ctx, cancel := testContext(t)
	defer cancel()
	h := newTestHarness(t)

	recipePath := h.writeRecipe(t, "flaky", nil)
	h.remote.script(recipePath,
		&buildremote.Result{Status: buildremote.TransientFailure, ErrorMsg: "disk full"},
		&buildremote.Result{Status: buildremote.TransientFailure, ErrorMsg: "disk full again"},
		&buildremote.Result{Status: buildremote.Success},
	)
	id := h.queueBuild(t, recipePath, "proj", "main", 0, 0)

	h.monitorPass(t, ctx)

	// First try fails; the step cools down for one retry interval,
	// so an immediate second pass must not dispatch it again.
	h.dispatchAndWait(ctx)
	nextWake := h.dispatchAndWait(ctx)
	if got := len(h.remote.callPaths()); got != 1 {
		t.Fatalf("remote called %d times before cooldown elapsed; want 1", got)
	}
	if want := h.clock.Now().Add(defaultRetryInterval); !nextWake.Equal(want) {
		t.Errorf("next wake = %v; want %v", nextWake, want)
	}

	// Second try after 60s; backoff rises to 180s.
	h.clock.Advance(defaultRetryInterval + time.Second)
	h.dispatchAndWait(ctx)
	if got := len(h.remote.callPaths()); got != 2 {
		t.Fatalf("remote called %d times; want 2", got)
	}

	h.clock.Advance(3*defaultRetryInterval + time.Second)
	h.dispatchAndWait(ctx)

	row := h.buildRow(t, id)
	if !row.Finished || row.Status != queuedb.BuildSucceeded {
		t.Errorf("build row = %+v; want success", row)
	}
	steps := h.stepRows(t, id)
	if len(steps) != 3 {
		t.Fatalf("got %d step rows; want 3", len(steps))
	}
	for i, want := range []queuedb.StepStatus{queuedb.StepFailed, queuedb.StepFailed, queuedb.StepSucceeded} {
		if steps[i].Status != want {
			t.Errorf("step %d status = %v; want %v", steps[i].StepNr, steps[i].Status, want)
		}
	}
	if got := h.sch.counters.NrRetries.Load(); got != 2 {
		t.Errorf("retry counter = %d; want 2", got)
	}
	h.checkQuiescent(t)
}

func TestDepFailurePropagation(t *testing.T) {
	ctx, cancel := testContext(t)
	defer cancel()
	h := newTestHarness(t)

	s2 := h.writeRecipe(t, "s2", nil)
	s1 := h.writeRecipe(t, "s1", []zbstore.Path{s2})
	top := h.writeRecipe(t, "top", []zbstore.Path{s1})
	h.remote.script(s2, &buildremote.Result{
		Status:   buildremote.PermanentFailure,
		ErrorMsg: "builder returned exit code 1",
	})
	id := h.queueBuild(t, top, "proj", "main", 0, 0)

	h.monitorPass(t, ctx)
	h.dispatchAndWait(ctx)
	h.dispatchAndWait(ctx)

	row := h.buildRow(t, id)
	if !row.Finished || row.Status != queuedb.BuildDepFailed {
		t.Errorf("build row = %+v; want status %v", row, queuedb.BuildDepFailed)
	}
	for _, path := range h.remote.callPaths() {
		if path != s2 {
			t.Errorf("step %s was executed; only %s should run", path, s2)
		}
	}
	steps := h.stepRows(t, id)
	if len(steps) != 1 {
		t.Fatalf("got %d step rows; want 1", len(steps))
	}
	if steps[0].Status != queuedb.StepFailed || steps[0].RecipePath != s2 {
		t.Errorf("step row = %+v; want failed row for %s", steps[0], s2)
	}
	if steps[0].PropagatedFrom != id {
		t.Errorf("step row propagatedFrom = %d; want %d", steps[0].PropagatedFrom, id)
	}
	h.checkQuiescent(t)

	// The failed outputs are now marked: a new build depending on s2
	// short-circuits at expansion time.
	top2 := h.writeRecipe(t, "top2", []zbstore.Path{s2})
	id2 := h.queueBuild(t, top2, "proj", "main", 0, 0)
	h.monitorPass(t, ctx)
	row2 := h.buildRow(t, id2)
	if !row2.Finished || row2.Status != queuedb.BuildCachedFailure {
		t.Errorf("build row after cached failure = %+v; want status %v", row2, queuedb.BuildCachedFailure)
	}
}

func TestFairness(t *testing.T) {
	ctx, cancel := testContext(t)
	defer cancel()
	h := newTestHarness(t)

	heavy := h.writeRecipe(t, "heavy-job", nil)
	light := h.writeRecipe(t, "light-job", nil)
	h.queueBuild(t, heavy, "proj", "busy", 0, 0)
	h.queueBuild(t, light, "proj", "fresh", 0, 0)

	h.monitorPass(t, ctx)

	// The busy jobset burned ten hours of recent CPU.
	h.sch.jobset("proj", "busy", 1).AddStep(h.clock.Now().Add(-time.Hour), 10*time.Hour)

	// One machine slot: the zero-usage jobset's step must go first.
	h.dispatchAndWait(ctx)
	calls := h.remote.callPaths()
	if len(calls) == 0 || calls[0] != light {
		t.Errorf("first dispatched step = %v; want %s (least share used)", calls, light)
	}
	h.dispatchAndWait(ctx)
	h.checkQuiescent(t)
}

func TestUnsupported(t *testing.T) {
	ctx, cancel := testContext(t)
	defer cancel()
	h := newTestHarness(t)

	recipePath := h.writeRecipe(t, "gpu-job", nil, "big-parallel")
	id := h.queueBuild(t, recipePath, "proj", "main", 0, 0)

	h.monitorPass(t, ctx)
	h.dispatchAndWait(ctx)

	row := h.buildRow(t, id)
	if !row.Finished || row.Status != queuedb.BuildUnsupported {
		t.Errorf("build row = %+v; want status %v", row, queuedb.BuildUnsupported)
	}
	if calls := h.remote.callPaths(); len(calls) != 0 {
		t.Errorf("remote was called %v; unsupported steps must never run", calls)
	}
	h.checkQuiescent(t)
}

func TestCacheHit(t *testing.T) {
	ctx, cancel := testContext(t)
	defer cancel()
	h := newTestHarness(t)

	recipePath := h.writeRecipe(t, "prebuilt", nil)
	prebuilt := farmtest.StorePath(t, "prebuilt-out")
	farmtest.RealizeOutput(t, h.store, prebuilt)
	id := h.queueBuild(t, recipePath, "proj", "main", 0, 0)

	h.monitorPass(t, ctx)

	row := h.buildRow(t, id)
	if !row.Finished || row.Status != queuedb.BuildSucceeded || !row.IsCached {
		t.Errorf("build row = %+v; want cached success", row)
	}
	steps := h.stepRows(t, id)
	if len(steps) != 1 || !steps[0].Substitution {
		t.Errorf("step rows = %+v; want one substitution row", steps)
	}
	if calls := h.remote.callPaths(); len(calls) != 0 {
		t.Errorf("remote was called %v for a cache hit", calls)
	}
}

func TestConnectFailureDisablesMachine(t *testing.T) {
	ctx, cancel := testContext(t)
	defer cancel()
	h := newTestHarness(t)
	h.remote.errs["builder@m1"] = &buildremote.ConnectError{Host: "builder@m1", Err: context.DeadlineExceeded}

	recipePath := h.writeRecipe(t, "unlucky", nil)
	h.queueBuild(t, recipePath, "proj", "main", 0, 0)

	h.monitorPass(t, ctx)
	h.dispatchAndWait(ctx)

	h.sch.machinesMu.Lock()
	m := h.sch.machines["builder@m1"]
	h.sch.machinesMu.Unlock()
	if !m.disabled(h.clock.Now()) {
		t.Error("machine is not disabled after a connect failure")
	}
	m.connMu.Lock()
	failures := m.conn.consecutiveFailures
	m.connMu.Unlock()
	if failures != 1 {
		t.Errorf("consecutive failures = %d; want 1", failures)
	}

	// The step was requeued for retry and the machine is cooling down,
	// so another immediate pass must not reach the remote again.
	if calls := len(h.remote.callPaths()); calls != 1 {
		t.Errorf("remote called %d times; want 1", calls)
	}
	h.dispatchAndWait(ctx)
	if calls := len(h.remote.callPaths()); calls != 1 {
		t.Errorf("disabled machine still received a dispatch (calls = %d)", calls)
	}
}

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	ctx := testlog.WithTB(context.Background(), t)
	return context.WithCancel(ctx)
}
