// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package scheduler implements the farm's core scheduling engine:
// the queue monitor that reflects the persistent queue
// into a live in-memory graph of builds and steps,
// the dispatcher that places runnable steps onto build machines,
// and the per-step build lifecycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"farm.256lights.llc/pkg/internal/buildremote"
	"farm.256lights.llc/pkg/internal/machinesfile"
	"farm.256lights.llc/pkg/internal/queuedb"
	"farm.256lights.llc/pkg/recipe"
	"golang.org/x/sync/errgroup"
	"zb.256lights.llc/pkg/zbstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
)

// Scheduling policy defaults.
const (
	defaultMaxTries      = 5
	defaultRetryInterval = 60 * time.Second
	defaultRetryBackoff  = 3.0

	defaultPollInterval = 15 * time.Second
)

// A NotificationItem asks the notification sender
// to announce that a build finished,
// along with any dependent builds that were finalized with it.
type NotificationItem struct {
	BuildID           queuedb.BuildID
	DependentBuildIDs []queuedb.BuildID
}

// Options is the set of parameters to [New].
type Options struct {
	// Store provides read access to the shared store directory.
	Store *recipe.Store
	// DB is the persistent build queue.
	DB *queuedb.DB
	// BuildRemote executes one step on a remote machine.
	BuildRemote buildremote.Func

	// MaxTries bounds the attempts for a retryable step.
	// If non-positive, a default of 5 is used.
	MaxTries int
	// RetryInterval is the cooldown before the first retry.
	// If non-positive, a default of one minute is used.
	RetryInterval time.Duration
	// RetryBackoff is the multiplier applied to the cooldown per retry.
	// If it is less than 1, a default of 3 is used.
	RetryBackoff float64

	// PollInterval is how often the queue monitor polls the database
	// in the absence of explicit wakeups.
	// If non-positive, a default of 15 seconds is used.
	PollInterval time.Duration

	// BuildOne restricts the scheduler to a single named build:
	// once that build is finalized, [Scheduler.Run] returns.
	// Used for testing deployments.
	BuildOne queuedb.BuildID

	// Notifications receives an item per finalized build, if non-nil.
	// Sends never block: if the channel is full, the item is dropped
	// (delivery is best-effort by design of the queue format).
	Notifications chan<- NotificationItem
	// FinishedLogs receives the local path of each completed step log,
	// if non-nil, for compression. Sends never block.
	FinishedLogs chan<- string

	// Now overrides the wall clock. Used by tests.
	Now func() time.Time
}

// A Scheduler owns the in-memory scheduling state.
// Create one with [New] and start it with [Scheduler.Run].
type Scheduler struct {
	store       *recipe.Store
	db          *queuedb.DB
	buildRemote buildremote.Func

	maxTries      int
	retryInterval time.Duration
	retryBackoff  float64
	pollInterval  time.Duration
	buildOne      queuedb.BuildID

	notifications chan<- NotificationItem
	finishedLogs  chan<- string

	now func() time.Time

	// Lock hierarchy: builds, jobsets, steps, runnable,
	// then per-Step state, machines, per-Machine connect info.
	// A later lock may be acquired while holding an earlier one,
	// never the reverse.

	buildsMu sync.Mutex
	builds   map[queuedb.BuildID]*Build

	jobsetsMu sync.Mutex
	jobsets   map[jobsetKey]*Jobset

	stepsMu sync.Mutex
	steps   map[zbstore.Path]*Step

	runnableMu sync.Mutex
	runnable   []*Step

	machinesMu sync.Mutex
	machines   map[string]*Machine

	machineTypesMu sync.Mutex
	machineTypes   map[string]MachineTypeStats

	dispatcherWake chan struct{}
	queueWake      chan struct{}
	buildOneDone   chan struct{}

	// lastSeenID is touched only by the queue monitor goroutine.
	lastSeenID queuedb.BuildID

	buildWG sync.WaitGroup

	counters Counters
}

// New returns a new [Scheduler].
// opts.Store, opts.DB, and opts.BuildRemote must be set.
func New(opts *Options) (*Scheduler, error) {
	if opts.Store == nil || opts.DB == nil || opts.BuildRemote == nil {
		return nil, fmt.Errorf("new scheduler: store, database, and remote builder are required")
	}
	sch := &Scheduler{
		store:       opts.Store,
		db:          opts.DB,
		buildRemote: opts.BuildRemote,

		maxTries:      opts.MaxTries,
		retryInterval: opts.RetryInterval,
		retryBackoff:  opts.RetryBackoff,
		pollInterval:  opts.PollInterval,
		buildOne:      opts.BuildOne,

		notifications: opts.Notifications,
		finishedLogs:  opts.FinishedLogs,

		now: opts.Now,

		builds:   make(map[queuedb.BuildID]*Build),
		jobsets:  make(map[jobsetKey]*Jobset),
		steps:    make(map[zbstore.Path]*Step),
		machines: make(map[string]*Machine),

		dispatcherWake: make(chan struct{}, 1),
		queueWake:      make(chan struct{}, 1),
		buildOneDone:   make(chan struct{}),
	}
	if sch.maxTries <= 0 {
		sch.maxTries = defaultMaxTries
	}
	if sch.retryInterval <= 0 {
		sch.retryInterval = defaultRetryInterval
	}
	if sch.retryBackoff < 1 {
		sch.retryBackoff = defaultRetryBackoff
	}
	if sch.pollInterval <= 0 {
		sch.pollInterval = defaultPollInterval
	}
	if sch.now == nil {
		sch.now = time.Now
	}
	return sch, nil
}

// Run performs startup reconciliation
// and then runs the queue monitor and dispatcher until ctx is done.
// On shutdown, Run stops creating new reservations
// and waits for outstanding builder workers to settle.
func (sch *Scheduler) Run(ctx context.Context) error {
	err := sch.db.Transact(ctx, func(conn *sqlite.Conn) error {
		return queuedb.ClearBusy(conn, sch.now())
	})
	if err != nil {
		return fmt.Errorf("scheduler startup: %v", err)
	}
	log.Infof(ctx, "Cleared stale busy build steps")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, grpCtx := errgroup.WithContext(runCtx)
	grp.Go(func() error {
		return sch.queueMonitor(grpCtx)
	})
	grp.Go(func() error {
		return sch.dispatcher(grpCtx)
	})
	if sch.buildOne != 0 {
		grp.Go(func() error {
			select {
			case <-sch.buildOneDone:
				cancel()
			case <-grpCtx.Done():
			}
			return nil
		})
	}
	err = grp.Wait()
	sch.buildWG.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// WakeQueueMonitor asks the queue monitor to run a cycle soon.
// Multiple wakeups before a cycle collapse into one.
func (sch *Scheduler) WakeQueueMonitor() {
	select {
	case sch.queueWake <- struct{}{}:
	default:
	}
	sch.counters.NrQueueWakeups.Add(1)
}

// wakeDispatcher asks the dispatcher to run a pass soon.
// Multiple wakeups before a pass collapse into one.
func (sch *Scheduler) wakeDispatcher() {
	select {
	case sch.dispatcherWake <- struct{}{}:
	default:
	}
}

// SetMachines replaces the machine inventory.
// Machines that keep their host name retain their runtime state;
// removed machines stay alive until their reservations drain.
func (sch *Scheduler) SetMachines(inventory map[string]*machinesfile.Machine) {
	sch.machinesMu.Lock()
	next := make(map[string]*Machine, len(inventory))
	for host, spec := range inventory {
		if existing := sch.machines[host]; existing != nil {
			existing.updateSpec(spec)
			next[host] = existing
		} else {
			next[host] = newMachine(spec)
		}
	}
	sch.machines = next
	sch.machinesMu.Unlock()
	sch.wakeDispatcher()
}

// notifyBuildFinished enqueues a best-effort notification.
// The build's database row has already been finalized.
func (sch *Scheduler) notifyBuildFinished(ctx context.Context, item NotificationItem) {
	if sch.notifications == nil {
		return
	}
	select {
	case sch.notifications <- item:
	default:
		log.Warnf(ctx, "Dropping notification for build %d: queue full", item.BuildID)
	}
}

// queueFinishedLog hands a completed step log to the compressor.
func (sch *Scheduler) queueFinishedLog(ctx context.Context, path string) {
	if sch.finishedLogs == nil || path == "" {
		return
	}
	select {
	case sch.finishedLogs <- path:
	default:
		log.Warnf(ctx, "Dropping log compression request for %s: queue full", path)
	}
}

func (sch *Scheduler) maybeFinishBuildOne(id queuedb.BuildID) {
	if sch.buildOne != 0 && id == sch.buildOne {
		select {
		case <-sch.buildOneDone:
		default:
			close(sch.buildOneDone)
		}
	}
}
